// Package hub is the server role: it accepts device connections, admits
// them through the authenticate handler and routes their envelopes to the
// handler table on the execution pool.
package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
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
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownGrace = 5 * time.Second
	acceptRetry   = 50 * time.Millisecond
)

var (
	ErrDeviceNotFound = errors.New("hub: device not found")
	ErrAlreadyRunning = errors.New("hub: already running")
)

type options struct {
	engine commands.Engine
	sinks  audio.SinkFactory
	extra  []handlers.Handler
}

type Option func(*options)

// WithEngine replaces the command engine behind opcode 2.
func WithEngine(e commands.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithAudioSinks sets where opcode-4 streams are written.
func WithAudioSinks(f audio.SinkFactory) Option {
	return func(o *options) { o.sinks = f }
}

// WithHandlers appends handlers after the reserved opcodes, starting at 5.
func WithHandlers(hs ...handlers.Handler) Option {
	return func(o *options) { o.extra = append(o.extra, hs...) }
}

// Hub owns the listener, the per-connection readers and everything they
// feed: registry, handler table, pool, write path and bridge.
type Hub struct {
	cfg      Config
	devices  *devices.Registry
	table    *handlers.Registry
	dispatch *handlers.Dispatcher
	bridge   *bridge.Bridge
	queue    *outbound.Queue
	pool     *pool.Pool
	router   *gin.Engine
	started  time.Time

	connsMu sync.Mutex
	conns   map[*session.Conn]struct{}
	closing bool
	readers sync.WaitGroup

	addrMu  sync.RWMutex
	addr    net.Addr
	running bool
	ready   chan struct{}
}

func New(cfg Config, opts ...Option) (*Hub, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	o := options{engine: commands.DefaultEngine()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sinks == nil && cfg.AudioDir != "" {
		o.sinks = audio.Files(cfg.AudioDir)
	}

	h := &Hub{
		cfg:     cfg,
		conns:   make(map[*session.Conn]struct{}),
		ready:   make(chan struct{}),
		started: time.Now(),
	}
	h.bridge = bridge.New(cfg.Session.CallTimeout)
	h.queue = outbound.New(outbound.ResolverFunc(func(id string) (outbound.Writer, bool) {
		return h.devices.Writer(id)
	}))
	h.devices = devices.NewRegistry(devices.Options{Outbox: h.queue, Caller: h.bridge})

	hs := []handlers.Handler{
		auth.New(h.devices, ""),
		voice.New(o.engine),
		special.New(h.bridge),
		audio.New(o.sinks),
	}
	table, err := handlers.NewRegistry(append(hs, o.extra...)...)
	if err != nil {
		return nil, err
	}
	h.table = table
	h.dispatch = handlers.NewDispatcher(handlers.RoleServer, table, h.devices)
	h.pool = pool.New(cfg.poolConfig())
	h.router = h.newRouter()
	return h, nil
}

func (h *Hub) Devices() *devices.Registry { return h.devices }

func (h *Hub) Handlers() []handlers.Info { return h.table.List() }

func (h *Hub) Bridge() *bridge.Bridge { return h.bridge }

// Router is the admin HTTP handler.
func (h *Hub) Router() *gin.Engine { return h.router }

// Ready is closed once the listener is accepting.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Addr is the bound listener address, or "" before Ready.
func (h *Hub) Addr() string {
	h.addrMu.RLock()
	defer h.addrMu.RUnlock()
	if h.addr == nil {
		return ""
	}
	return h.addr.String()
}

// Send queues content for a registered device.
func (h *Hub) Send(deviceID string, content any, opcode int) error {
	dev, ok := h.devices.Lookup(deviceID)
	if !ok {
		return ErrDeviceNotFound
	}
	return dev.Send(content, opcode)
}

// Get runs opcode's handler on a device and waits for its first reply.
func (h *Hub) Get(ctx context.Context, deviceID string, content any, opcode int) (any, error) {
	dev, ok := h.devices.Lookup(deviceID)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return dev.Get(ctx, content, opcode)
}

// Run listens on the configured address and serves until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := h.listen()
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

func (h *Hub) listen() (net.Listener, error) {
	if !h.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", h.cfg.ListenAddr)
	}
	tlsCfg, err := h.cfg.Session.ServerTLS()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", h.cfg.ListenAddr, tlsCfg)
}

// Serve accepts on ln until ctx ends, then shuts every component down.
// A Hub serves once.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	h.addrMu.Lock()
	if h.running {
		h.addrMu.Unlock()
		_ = ln.Close()
		return ErrAlreadyRunning
	}
	h.running = true
	h.addr = ln.Addr()
	h.addrMu.Unlock()

	observability.RegisterMetrics()
	if err := h.table.Start(ctx); err != nil {
		_ = ln.Close()
		_ = h.pool.Shutdown(ctx, pool.ShutdownOptions{CancelPending: true})
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.queue.Run(context.Background())
	})
	var admin *http.Server
	if h.cfg.AdminAddr != "" {
		admin = &http.Server{
			Addr:              h.cfg.AdminAddr,
			Handler:           h.router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", h.cfg.AdminAddr).Msg("hub.Hub.Serve admin listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return h.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		h.shutdown(ln, admin)
		return nil
	})

	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", h.cfg.Session.TLS.Enabled).
		Int("workers", h.cfg.Workers).
		Int("handlers", h.table.Len()).
		Msg("hub.Hub.Serve listening")
	close(h.ready)
	return g.Wait()
}

func (h *Hub) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("hub.Hub.acceptLoop accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetry):
			}
			continue
		}
		conn := session.NewConn(raw, h.cfg.Session)
		if !h.trackConn(conn) {
			_ = conn.Close()
			continue
		}
		go h.serveConn(conn)
	}
}

// trackConn admits conn unless the hub is closing or at its limit.
func (h *Hub) trackConn(conn *session.Conn) bool {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	if h.closing {
		return false
	}
	if max := h.cfg.MaxConnections; max > 0 && len(h.conns) >= max {
		log.Warn().
			Str("remote", conn.RemoteAddr()).
			Int("max_connections", max).
			Msg("hub.Hub.trackConn rejected: connection limit")
		return false
	}
	h.conns[conn] = struct{}{}
	h.readers.Add(1)
	return true
}

func (h *Hub) untrackConn(conn *session.Conn) {
	h.connsMu.Lock()
	delete(h.conns, conn)
	h.connsMu.Unlock()
}

// Connections is the number of open connections.
func (h *Hub) Connections() int {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	return len(h.conns)
}

func (h *Hub) closeAllConns() {
	h.connsMu.Lock()
	h.closing = true
	conns := make([]*session.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// serveConn is the reader for one connection. Any read or framing error
// ends this connection only.
func (h *Hub) serveConn(conn *session.Conn) {
	defer h.readers.Done()
	observability.AddConnections(1)
	log.Info().Uint64("conn", conn.Seq()).Str("remote", conn.RemoteAddr()).Msg("hub.Hub.serveConn connected")
	defer func() {
		_ = conn.Close()
		h.untrackConn(conn)
		observability.AddConnections(-1)
		if dev, ok := h.devices.UnregisterConn(conn); ok {
			log.Info().
				Str("device", dev.ID()).
				Str("remote", conn.RemoteAddr()).
				Msg("hub.Hub.serveConn device unregistered")
		}
	}()

	for {
		envs, err := conn.ReadEnvelopes()
		for _, env := range envs {
			h.submit(env, conn)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || conn.Closed() {
			log.Debug().Uint64("conn", conn.Seq()).Str("remote", conn.RemoteAddr()).Msg("hub.Hub.serveConn disconnected")
		} else {
			log.Warn().Err(err).Uint64("conn", conn.Seq()).Str("remote", conn.RemoteAddr()).Msg("hub.Hub.serveConn closing")
		}
		return
	}
}

func (h *Hub) submit(env protocol.Envelope, conn *session.Conn) {
	_, err := h.pool.Submit("dispatch", func(ctx context.Context) error {
		err := h.dispatch.Dispatch(ctx, env, conn)
		if errors.Is(err, handlers.ErrDropped) {
			return nil
		}
		return err
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("remote", conn.RemoteAddr()).
			Int("opcode", env.Opcode).
			Msg("hub.Hub.submit rejected")
	}
}

// shutdown stops intake first, then in-flight work, then the writer.
func (h *Hub) shutdown(ln net.Listener, admin *http.Server) {
	log.Info().Msg("hub.Hub.shutdown begin")
	_ = ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if admin != nil {
		if err := admin.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("hub.Hub.shutdown admin")
		}
	}
	h.closeAllConns()
	h.readers.Wait()
	h.bridge.Close()
	if err := h.pool.Shutdown(ctx, pool.ShutdownOptions{CancelPending: true, Wait: true}); err != nil {
		log.Warn().Err(err).Msg("hub.Hub.shutdown pool")
	}
	h.queue.Close()
	if err := h.table.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("hub.Hub.shutdown handlers")
	}
	log.Info().Msg("hub.Hub.shutdown complete")
}
