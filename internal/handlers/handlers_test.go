package handlers

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/devices"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	Base
	mu     sync.Mutex
	server []any
	client []any
}

func newRecorder(opcode int) *recorder {
	return &recorder{Base: NewBase(opcode, "rec", "records calls")}
}

func (r *recorder) HandleServer(_ context.Context, _ bridge.Peer, content any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.server = append(r.server, content)
	return nil
}

func (r *recorder) HandleClient(_ context.Context, _ bridge.Peer, content any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = append(r.client, content)
	return nil
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.server) + len(r.client)
}

type fakeAuth struct {
	*recorder
	devs     *devices.Registry
	authed   int
	accepted []any
}

func (a *fakeAuth) Authenticate(_ context.Context, conn *session.Conn) error {
	a.authed++
	_, err := a.devs.Create("dev", conn)
	return err
}

func (a *fakeAuth) Accept(_ context.Context, _ *session.Conn, content any) error {
	a.accepted = append(a.accepted, content)
	return nil
}

type fixture struct {
	devs  *devices.Registry
	auth  *fakeAuth
	rec   []*recorder
	table *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	devs := devices.NewRegistry(devices.Options{})
	auth := &fakeAuth{recorder: newRecorder(1), devs: devs}
	f := &fixture{devs: devs, auth: auth}
	hs := []Handler{auth}
	for op := 2; op <= 4; op++ {
		r := newRecorder(op)
		f.rec = append(f.rec, r)
		hs = append(hs, r)
	}
	table, err := NewRegistry(hs...)
	require.NoError(t, err)
	f.table = table
	return f
}

func (f *fixture) handlerCalls() int {
	n := f.auth.calls()
	for _, r := range f.rec {
		n += r.calls()
	}
	return n
}

func pipeConn(t *testing.T) *session.Conn {
	t.Helper()
	a, b := net.Pipe()
	c := session.NewConn(a, session.DefaultConfig())
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c
}

func TestRegistryValidation(t *testing.T) {
	testlog.Start(t)
	_, err := NewRegistry(newRecorder(1), newRecorder(2), newRecorder(2))
	require.ErrorIs(t, err, ErrDuplicateOpcode)
	_, err = NewRegistry(newRecorder(1), newRecorder(3))
	require.ErrorIs(t, err, ErrOpcodeGap)
	_, err = NewRegistry(newRecorder(2))
	require.ErrorIs(t, err, ErrOpcodeGap)
	_, err = NewRegistry(newRecorder(0))
	require.ErrorIs(t, err, ErrInvalidHandler)
	_, err = NewRegistry(newRecorder(1), nil)
	require.ErrorIs(t, err, ErrInvalidHandler)
	_, err = NewRegistry()
	require.ErrorIs(t, err, ErrInvalidHandler)

	table, err := NewRegistry(newRecorder(3), newRecorder(1), newRecorder(2))
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())
	for i, info := range table.List() {
		require.Equal(t, i+1, info.Opcode)
	}
	_, ok := table.Authenticator()
	require.False(t, ok)
}

func TestDispatchOutOfRangeOpcodeIsDropped(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	d := NewDispatcher(RoleServer, f.table, f.devs)
	conn := pipeConn(t)

	for _, op := range []int{0, -1, -1 << 31, 5, 1 << 20} {
		err := d.Dispatch(context.Background(), protocol.Envelope{Opcode: op, DeviceID: "x"}, conn)
		require.ErrorIs(t, err, ErrUnknownOpcode, "opcode %d", op)
		require.ErrorIs(t, err, ErrDropped)
	}
	require.Zero(t, f.handlerCalls())
	require.False(t, conn.Closed())
}

func TestDispatchUnauthenticatedIsDropped(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	d := NewDispatcher(RoleServer, f.table, f.devs)
	conn := pipeConn(t)

	err := d.Dispatch(context.Background(), protocol.Envelope{
		Opcode:   protocol.OpSpecial,
		DeviceID: "random",
		Content:  map[string]any{},
	}, conn)
	require.ErrorIs(t, err, ErrUnknownDevice)
	require.Zero(t, f.handlerCalls())
	require.False(t, conn.Closed())
}

func TestDispatchSpoofedConnectionIsDropped(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	d := NewDispatcher(RoleServer, f.table, f.devs)
	owner, spoofer := pipeConn(t), pipeConn(t)
	dev, err := f.devs.Create("victim", owner)
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), protocol.Envelope{Opcode: 2, DeviceID: dev.ID()}, spoofer)
	require.ErrorIs(t, err, ErrConnMismatch)
	require.Zero(t, f.handlerCalls())

	require.NoError(t, d.Dispatch(context.Background(), protocol.Envelope{Opcode: 2, DeviceID: dev.ID(), Content: "hi"}, owner))
	require.Equal(t, []any{"hi"}, f.rec[0].server)
}

func TestDispatchAuthenticateOnlyForUnboundConn(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	d := NewDispatcher(RoleServer, f.table, f.devs)
	conn := pipeConn(t)

	require.NoError(t, d.Dispatch(context.Background(), protocol.Envelope{Opcode: 1}, conn))
	require.Equal(t, 1, f.auth.authed)
	require.NotEmpty(t, conn.BoundID())

	// now bound: opcode 1 routes to the regular entry for the bound device
	require.NoError(t, d.Dispatch(context.Background(), protocol.Envelope{Opcode: 1, DeviceID: conn.BoundID()}, conn))
	require.Equal(t, 1, f.auth.authed)
	require.Len(t, f.auth.server, 1)

	// unbound conn presenting a uuid is not an authentication request
	other := pipeConn(t)
	err := d.Dispatch(context.Background(), protocol.Envelope{Opcode: 1, DeviceID: "forged"}, other)
	require.ErrorIs(t, err, ErrUnknownDevice)
	require.Equal(t, 1, f.auth.authed)
}

func TestDispatchClientRole(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	d := NewDispatcher(RoleClient, f.table, f.devs)
	conn := pipeConn(t)

	content := map[string]any{"auth": true, "uuid": "issued"}
	require.NoError(t, d.Dispatch(context.Background(), protocol.Envelope{Opcode: 1, DeviceID: "issued", Content: content}, conn))
	require.Equal(t, []any{content}, f.auth.accepted)

	peer := devices.NewWithID("issued", "hub", conn)
	require.NoError(t, f.devs.Register(peer, false))
	require.NoError(t, d.Dispatch(context.Background(), protocol.Envelope{Opcode: 4, DeviceID: "issued", Content: 1}, conn))
	require.Equal(t, []any{1}, f.rec[2].client)
	require.Empty(t, f.rec[2].server)
}

func TestSymmetricForwardsClientRole(t *testing.T) {
	testlog.Start(t)
	r := newRecorder(2)
	h := Symmetric(serverOnly{r})
	require.NoError(t, h.HandleClient(context.Background(), nil, "x"))
	require.Equal(t, []any{"x"}, r.server)
	require.Empty(t, r.client)
}

type serverOnly struct{ r *recorder }

func (s serverOnly) Opcode() int                            { return s.r.Opcode() }
func (s serverOnly) Name() string                           { return s.r.Name() }
func (s serverOnly) Description() string                    { return s.r.Description() }
func (s serverOnly) Start(context.Context, *Registry) error { return nil }
func (s serverOnly) Stop(context.Context) error             { return nil }
func (s serverOnly) HandleServer(ctx context.Context, p bridge.Peer, c any) error {
	return s.r.HandleServer(ctx, p, c)
}

type lifecycle struct {
	*recorder
	log     *[]string
	failing bool
}

func (l lifecycle) Start(context.Context, *Registry) error {
	*l.log = append(*l.log, "start")
	if l.failing {
		return errors.New("no device")
	}
	return nil
}

func (l lifecycle) Stop(context.Context) error {
	*l.log = append(*l.log, "stop")
	return nil
}

func TestRegistryStartRollsBack(t *testing.T) {
	testlog.Start(t)
	var events []string
	table, err := NewRegistry(
		lifecycle{recorder: newRecorder(1), log: &events},
		lifecycle{recorder: newRecorder(2), log: &events, failing: true},
	)
	require.NoError(t, err)
	require.Error(t, table.Start(context.Background()))
	require.Equal(t, []string{"start", "start", "stop"}, events)
	require.NoError(t, table.Stop(context.Background()))
}
