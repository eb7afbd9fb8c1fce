package devices

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type recordOutbox struct {
	mu  sync.Mutex
	got []protocol.Envelope
}

func (o *recordOutbox) Enqueue(deviceID string, env protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, env)
	return nil
}

type echoCaller struct{}

func (echoCaller) Call(_ context.Context, peer bridge.Peer, opcode int, payload any, _ time.Duration) (any, error) {
	return map[string]any{"peer": peer.ID(), "opcode": opcode, "payload": payload}, nil
}

func newConn(t *testing.T) *session.Conn {
	t.Helper()
	a, b := net.Pipe()
	c := session.NewConn(a, session.DefaultConfig())
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c
}

func TestDeviceUnreachableUntilAuthenticated(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(Options{})
	conn := newConn(t)
	dev := New("kitchen", conn)

	require.Empty(t, dev.ID())
	require.False(t, dev.Authenticated())
	_, ok := reg.LookupConn(conn)
	require.False(t, ok)
	require.ErrorIs(t, dev.Send("hi", protocol.OpVoice), ErrNotAuthenticated)

	require.NoError(t, reg.Register(dev, true))
	require.Len(t, dev.ID(), 36)
	require.True(t, dev.Authenticated())
	require.Equal(t, dev.ID(), conn.BoundID())

	got, ok := reg.Lookup(dev.ID())
	require.True(t, ok)
	require.Same(t, dev, got)
	got, ok = reg.LookupName("kitchen")
	require.True(t, ok)
	require.Same(t, dev, got)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(Options{})
	first := NewWithID("hub-issued", "a", newConn(t))
	require.NoError(t, reg.Register(first, false))

	second := NewWithID("hub-issued", "b", newConn(t))
	err := reg.Register(second, false)
	if !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("expected ErrDeviceExists, got %v", err)
	}
	got, _ := reg.Lookup("hub-issued")
	require.Same(t, first, got)
	require.False(t, second.Authenticated())
}

func TestRegisterWithoutMintNeedsID(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(Options{})
	require.ErrorIs(t, reg.Register(New("x", nil), false), ErrMissingID)
	require.ErrorIs(t, reg.Register(nil, true), ErrNilDevice)
}

func TestConnBindsOnlyOneDevice(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(Options{})
	conn := newConn(t)
	dev, err := reg.Create("lamp", conn)
	require.NoError(t, err)

	_, err = reg.Create("imposter", conn)
	require.ErrorIs(t, err, ErrConnBound)
	require.Equal(t, dev.ID(), conn.BoundID())
	require.Equal(t, 1, reg.Len())
}

func TestUnregisterClearsAuthentication(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(Options{Outbox: &recordOutbox{}})
	conn := newConn(t)
	dev, err := reg.Create("porch", conn)
	require.NoError(t, err)
	id := dev.ID()

	require.True(t, reg.Unregister(id))
	require.False(t, reg.Unregister(id))
	require.False(t, dev.Authenticated())
	_, ok := reg.Lookup(id)
	require.False(t, ok)
	_, ok = reg.LookupName("porch")
	require.False(t, ok)
	require.ErrorIs(t, dev.Send("x", 2), ErrNotAuthenticated)

	other, err := reg.Create("garage", newConn(t))
	require.NoError(t, err)
	got, ok := reg.UnregisterConn(other.Conn())
	require.True(t, ok)
	require.Same(t, other, got)

	_, err = reg.Create("den", newConn(t))
	require.NoError(t, err)
	require.True(t, reg.UnregisterName("den"))
	require.Zero(t, reg.Len())
}

func TestSendAndGetUseRegistryWiring(t *testing.T) {
	testlog.Start(t)
	out := &recordOutbox{}
	reg := NewRegistry(Options{Outbox: out, Caller: echoCaller{}})
	dev, err := reg.Create("hall", newConn(t))
	require.NoError(t, err)

	require.NoError(t, dev.Send(map[string]any{"auth": true}, protocol.OpAuthenticate))
	require.Len(t, out.got, 1)
	require.Equal(t, protocol.OpAuthenticate, out.got[0].Opcode)
	require.Equal(t, dev.ID(), out.got[0].DeviceID)

	resp, err := dev.Get(context.Background(), "what time is it", protocol.OpVoice)
	require.NoError(t, err)
	require.Equal(t, dev.ID(), resp.(map[string]any)["peer"])

	w, ok := reg.Writer(dev.ID())
	require.True(t, ok)
	require.Equal(t, dev.Conn(), w)
	_, ok = reg.Writer("nope")
	require.False(t, ok)
}

func TestListSortedByName(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(Options{})
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := reg.Create(name, newConn(t))
		require.NoError(t, err)
	}
	list := reg.List()
	require.Len(t, list, 3)
	require.Equal(t, "alpha", list[0].Name)
	require.Equal(t, "mid", list[1].Name)
	require.Equal(t, "zeta", list[2].Name)
	require.True(t, list[0].Authenticated)
}

func TestRegisterRejectsClosedConn(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(Options{})
	conn := newConn(t)
	require.NoError(t, conn.Close())

	_, err := reg.Create("gone", conn)
	require.ErrorIs(t, err, ErrConnClosed)
	require.Zero(t, reg.Len())
	require.Empty(t, conn.BoundID())
	_, ok := reg.LookupConn(conn)
	require.False(t, ok)

	peer := NewWithID("hub-issued", "hub", conn)
	require.ErrorIs(t, reg.Register(peer, false), ErrConnClosed)
	require.False(t, peer.Authenticated())
}

func TestRegisterNeverReassignsID(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(Options{})
	dev := New("lamp", nil)
	require.NoError(t, reg.Register(dev, true))
	first := dev.ID()

	require.ErrorIs(t, reg.Register(dev, true), ErrDeviceExists)
	require.Equal(t, first, dev.ID())
	require.Equal(t, 1, reg.Len())

	require.True(t, reg.Unregister(first))
	require.ErrorIs(t, reg.Register(dev, true), ErrDeviceExists)
	require.Equal(t, first, dev.ID())
	require.Zero(t, reg.Len())

	require.NoError(t, reg.Register(dev, false))
	got, ok := reg.Lookup(first)
	require.True(t, ok)
	require.Same(t, dev, got)
}
