package devices

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
)

// Outbox accepts envelopes for the write path.
type Outbox interface {
	Enqueue(deviceID string, env protocol.Envelope) error
}

// Caller performs blocking calls through the correlation bridge.
type Caller interface {
	Call(ctx context.Context, peer bridge.Peer, targetOpcode int, payload any, timeout time.Duration) (any, error)
}

// Device is an authenticated peer bound to one connection.
type Device struct {
	mu            sync.RWMutex
	id            string
	name          string
	addr          string
	port          int
	conn          *session.Conn
	authenticated bool
	inbox         *bridge.Inbox

	out   Outbox
	calls Caller
}

// Info is a read-only view of a device.
type Info struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Address       string `json:"address"`
	Port          int    `json:"port"`
	Authenticated bool   `json:"authenticated"`
	Unclaimed     int    `json:"unclaimed"`
}

// New builds an unregistered device for conn. Its id is minted on Register.
func New(name string, conn *session.Conn) *Device {
	d := &Device{name: name, conn: conn}
	if conn != nil {
		d.addr = conn.Host()
		d.port = conn.Port()
	}
	return d
}

// NewWithID builds an unregistered device carrying an id issued elsewhere,
// as a node does for the hub that authenticated it.
func NewWithID(id, name string, conn *session.Conn) *Device {
	d := New(name, conn)
	d.id = id
	return d
}

func (d *Device) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) Address() string { return d.addr }
func (d *Device) Port() int       { return d.port }

func (d *Device) Conn() *session.Conn { return d.conn }

func (d *Device) Authenticated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.authenticated
}

// Inbox holds correlation replies no call was waiting for.
func (d *Device) Inbox() *bridge.Inbox {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inbox
}

func (d *Device) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info := Info{
		ID:            d.id,
		Name:          d.name,
		Address:       d.addr,
		Port:          d.port,
		Authenticated: d.authenticated,
	}
	if d.inbox != nil {
		info.Unclaimed = d.inbox.Len()
	}
	return info
}

// Send queues content for this device under opcode. It never blocks.
func (d *Device) Send(content any, opcode int) error {
	d.mu.RLock()
	id, ok, out := d.id, d.authenticated, d.out
	d.mu.RUnlock()
	if !ok {
		return ErrNotAuthenticated
	}
	if out == nil {
		return ErrNoTransport
	}
	return out.Enqueue(id, protocol.Envelope{
		Opcode:   opcode,
		DeviceID: id,
		Content:  content,
	})
}

// Get runs opcode's handler on the device's side with content and returns
// the first content it sent back.
func (d *Device) Get(ctx context.Context, content any, opcode int) (any, error) {
	d.mu.RLock()
	ok, calls := d.authenticated, d.calls
	d.mu.RUnlock()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if calls == nil {
		return nil, ErrNoTransport
	}
	return calls.Call(ctx, d, opcode, content, 0)
}
