package devices

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/outbound"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrDeviceExists     = errors.New("devices: device id already registered")
	ErrConnBound        = errors.New("devices: connection bound to another device")
	ErrMissingID        = errors.New("devices: device id required")
	ErrNilDevice        = errors.New("devices: nil device")
	ErrNotAuthenticated = errors.New("devices: device not authenticated")
	ErrNoTransport      = errors.New("devices: no transport")
	ErrConnClosed       = errors.New("devices: connection closed")
)

type Options struct {
	Outbox    Outbox
	Caller    Caller
	InboxSize int
}

// Registry is the authoritative set of authenticated devices.
type Registry struct {
	opts Options

	mu     sync.RWMutex
	byID   map[string]*Device
	byName map[string]*Device
	byConn map[*session.Conn]*Device
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:   opts,
		byID:   make(map[string]*Device),
		byName: make(map[string]*Device),
		byConn: make(map[*session.Conn]*Device),
	}
}

// Register authenticates dev and makes it reachable. With mint a fresh id
// is assigned; otherwise dev must already carry one. dev's connection is
// bound to the id permanently.
func (r *Registry) Register(dev *Device, mint bool) error {
	if dev == nil {
		return ErrNilDevice
	}
	id := dev.ID()
	if mint {
		id = uuid.NewString()
	}
	if strings.TrimSpace(id) == "" {
		return ErrMissingID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: %s", ErrDeviceExists, id)
	}
	if prev := dev.ID(); dev.Authenticated() || (prev != "" && prev != id) {
		return fmt.Errorf("%w: device already holds id %s", ErrDeviceExists, prev)
	}
	if dev.conn != nil {
		// A closed conn has already been, or is being, unregistered.
		if dev.conn.Closed() {
			return ErrConnClosed
		}
		if bound := dev.conn.BoundID(); bound != "" && bound != id {
			return fmt.Errorf("%w: %s", ErrConnBound, bound)
		}
		if prev, ok := r.byConn[dev.conn]; ok && prev != dev {
			return fmt.Errorf("%w: %s", ErrConnBound, prev.id)
		}
		dev.conn.Bind(id)
	}

	dev.mu.Lock()
	dev.id = id
	dev.authenticated = true
	dev.out = r.opts.Outbox
	dev.calls = r.opts.Caller
	if dev.inbox == nil {
		dev.inbox = bridge.NewInbox(r.opts.InboxSize)
	}
	dev.mu.Unlock()

	r.byID[id] = dev
	if dev.name != "" {
		r.byName[dev.name] = dev
	}
	if dev.conn != nil {
		r.byConn[dev.conn] = dev
	}
	log.Info().
		Str("device", id).
		Str("name", dev.name).
		Str("address", dev.addr).
		Int("port", dev.port).
		Msg("devices.Registry.Register")
	return nil
}

// Create builds a device for conn and registers it with a minted id.
func (r *Registry) Create(name string, conn *session.Conn) (*Device, error) {
	dev := New(name, conn)
	if err := r.Register(dev, true); err != nil {
		return nil, err
	}
	return dev, nil
}

func (r *Registry) Lookup(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byID[id]
	return dev, ok
}

func (r *Registry) LookupName(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byName[name]
	return dev, ok
}

func (r *Registry) LookupConn(conn *session.Conn) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byConn[conn]
	return dev, ok
}

// Writer resolves a device id to its connection for the write path.
func (r *Registry) Writer(id string) (outbound.Writer, bool) {
	dev, ok := r.Lookup(id)
	if !ok || dev.conn == nil {
		return nil, false
	}
	return dev.conn, true
}

// Unregister clears the device's authentication and removes it.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	dev, ok := r.byID[id]
	if ok {
		r.removeLocked(dev)
	}
	r.mu.Unlock()
	if ok {
		r.deauthenticate(dev)
	}
	return ok
}

// UnregisterName removes the device registered under name.
func (r *Registry) UnregisterName(name string) bool {
	dev, ok := r.LookupName(name)
	if !ok {
		return false
	}
	return r.Unregister(dev.ID())
}

// UnregisterConn removes whichever device is bound to conn.
func (r *Registry) UnregisterConn(conn *session.Conn) (*Device, bool) {
	r.mu.Lock()
	dev, ok := r.byConn[conn]
	if ok {
		r.removeLocked(dev)
	}
	r.mu.Unlock()
	if ok {
		r.deauthenticate(dev)
	}
	return dev, ok
}

func (r *Registry) removeLocked(dev *Device) {
	delete(r.byID, dev.id)
	if cur, ok := r.byName[dev.name]; ok && cur == dev {
		delete(r.byName, dev.name)
	}
	if dev.conn != nil {
		delete(r.byConn, dev.conn)
	}
}

func (r *Registry) deauthenticate(dev *Device) {
	dev.mu.Lock()
	dev.authenticated = false
	dev.mu.Unlock()
	log.Info().
		Str("device", dev.ID()).
		Str("name", dev.Name()).
		Msg("devices.Registry.Unregister")
}

// List returns every registered device sorted by name, then id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.byID))
	for _, dev := range r.byID {
		out = append(out, dev.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
