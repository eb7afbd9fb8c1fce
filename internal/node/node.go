// Package node is the client role: it dials a hub, authenticates, and
// serves the hub's envelopes through the same handler table the hub uses.
package node

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/commands"
	"github.com/danmuck/hubctl/internal/devices"
	"github.com/danmuck/hubctl/internal/handlers"
	"github.com/danmuck/hubctl/internal/handlers/audio"
	"github.com/danmuck/hubctl/internal/handlers/auth"
	"github.com/danmuck/hubctl/internal/handlers/special"
	"github.com/danmuck/hubctl/internal/handlers/voice"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/outbound"
	"github.com/danmuck/hubctl/internal/pool"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

var (
	ErrHubAddressRequired = errors.New("node: hub address required")
	ErrNotConnected       = errors.New("node: not connected to hub")
	ErrStopped            = errors.New("node: stopped")
	ErrAlreadyRunning     = errors.New("node: already running")
	ErrConnectFailed      = errors.New("node: connect attempts exhausted")
	ErrDisconnected       = errors.New("node: hub connection lost")
	ErrHandshakeTimeout   = errors.New("node: hub did not authenticate in time")
)

type options struct {
	engine commands.Engine
	sinks  audio.SinkFactory
	extra  []handlers.Handler
}

type Option func(*options)

// WithEngine replaces the command engine that answers hub commands.
func WithEngine(e commands.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithAudioSinks sets where audio streamed by the hub is written.
func WithAudioSinks(f audio.SinkFactory) Option {
	return func(o *options) { o.sinks = f }
}

// WithHandlers appends handlers after the reserved opcodes, starting at 5.
func WithHandlers(hs ...handlers.Handler) Option {
	return func(o *options) { o.extra = append(o.extra, hs...) }
}

// Node holds one hub connection at a time. The hub is registered locally as
// a device named after the auth handler's peer name.
type Node struct {
	cfg      Config
	devices  *devices.Registry
	table    *handlers.Registry
	dispatch *handlers.Dispatcher
	bridge   *bridge.Bridge
	queue    *outbound.Queue
	pool     *pool.Pool
	voice    *voice.Handler

	mu      sync.Mutex
	running bool
	stopped bool
	conn    *session.Conn
	hub     *devices.Device
	changed chan struct{}
}

func New(cfg Config, opts ...Option) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{engine: commands.DefaultEngine()}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		cfg:     cfg,
		changed: make(chan struct{}),
	}
	n.bridge = bridge.New(cfg.Session.CallTimeout)
	n.queue = outbound.New(outbound.ResolverFunc(func(id string) (outbound.Writer, bool) {
		return n.devices.Writer(id)
	}))
	n.devices = devices.NewRegistry(devices.Options{Outbox: n.queue, Caller: n.bridge})

	authn := auth.New(n.devices, "hub")
	authn.OnAccept(n.setHub)
	n.voice = voice.New(o.engine)
	hs := []handlers.Handler{
		authn,
		n.voice,
		special.New(n.bridge),
		audio.New(o.sinks),
	}
	table, err := handlers.NewRegistry(append(hs, o.extra...)...)
	if err != nil {
		return nil, err
	}
	n.table = table
	n.dispatch = handlers.NewDispatcher(handlers.RoleClient, table, n.devices)
	n.pool = pool.New(pool.Config{Workers: cfg.Workers})
	return n, nil
}

func (n *Node) Name() string { return n.cfg.Name }

func (n *Node) Devices() *devices.Registry { return n.devices }

func (n *Node) Handlers() []handlers.Info { return n.table.List() }

// OnVoiceReply receives the hub's answers to this node's commands.
func (n *Node) OnVoiceReply(fn voice.ReplyFunc) { n.voice.OnReply(fn) }

// ID is the identifier the hub issued for the current connection.
func (n *Node) ID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hub == nil {
		return ""
	}
	return n.hub.ID()
}

func (n *Node) Connected() bool {
	return n.ID() != ""
}

// Hub waits until the node is authenticated and returns the hub peer.
func (n *Node) Hub(ctx context.Context) (*devices.Device, error) {
	for {
		n.mu.Lock()
		hub, stopped, changed := n.hub, n.stopped, n.changed
		n.mu.Unlock()
		if hub != nil {
			return hub, nil
		}
		if stopped {
			return nil, ErrStopped
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Send queues content for the hub under opcode.
func (n *Node) Send(content any, opcode int) error {
	n.mu.Lock()
	hub := n.hub
	n.mu.Unlock()
	if hub == nil {
		return ErrNotConnected
	}
	return hub.Send(content, opcode)
}

// Get runs opcode's handler on the hub and returns its first reply. It
// waits for authentication when the node is still connecting.
func (n *Node) Get(ctx context.Context, content any, opcode int) (any, error) {
	hub, err := n.Hub(ctx)
	if err != nil {
		return nil, err
	}
	return hub.Get(ctx, content, opcode)
}

// Stream sends r to the hub as one opcode-4 audio stream.
func (n *Node) Stream(ctx context.Context, r io.Reader, chunk int) error {
	hub, err := n.Hub(ctx)
	if err != nil {
		return err
	}
	return audio.Stream(ctx, hub, r, chunk)
}

// Run connects to the hub and serves it until ctx ends. It returns an
// error when connect attempts are exhausted, or when the connection drops
// and Reconnect is off.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.running = true
	n.mu.Unlock()

	observability.RegisterMetrics()
	if err := n.table.Start(ctx); err != nil {
		n.markStopped()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.queue.Run(context.Background())
	})
	g.Go(func() error {
		defer n.shutdown()
		return n.connectLoop(gctx)
	})
	return g.Wait()
}

func (n *Node) setConn(conn *session.Conn) {
	n.mu.Lock()
	n.conn = conn
	n.hub = nil
	n.notifyLocked()
	n.mu.Unlock()
}

func (n *Node) clearConn(conn *session.Conn) {
	n.mu.Lock()
	if n.conn == conn {
		n.conn = nil
		n.hub = nil
		n.notifyLocked()
	}
	n.mu.Unlock()
}

// setHub runs after the auth handler registered the hub peer.
func (n *Node) setHub(dev *devices.Device) {
	n.mu.Lock()
	if n.conn != nil && dev.Conn() == n.conn {
		n.hub = dev
		n.notifyLocked()
	}
	n.mu.Unlock()
}

func (n *Node) markStopped() {
	n.mu.Lock()
	n.stopped = true
	n.notifyLocked()
	n.mu.Unlock()
}

func (n *Node) notifyLocked() {
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *Node) shutdown() {
	log.Info().Str("node", n.cfg.Name).Msg("node.Node.shutdown begin")
	n.markStopped()
	n.bridge.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := n.pool.Shutdown(ctx, pool.ShutdownOptions{CancelPending: true, Wait: true}); err != nil {
		log.Warn().Err(err).Msg("node.Node.shutdown pool")
	}
	n.queue.Close()
	if err := n.table.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("node.Node.shutdown handlers")
	}
	log.Info().Str("node", n.cfg.Name).Msg("node.Node.shutdown complete")
}
