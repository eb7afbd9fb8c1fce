package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/hubctl/internal/devices"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// ErrDropped marks an envelope discarded before reaching a handler. The
// connection stays open.
var ErrDropped = errors.New("handlers: envelope dropped")

var (
	ErrUnknownOpcode = fmt.Errorf("%w: unknown opcode", ErrDropped)
	ErrUnknownDevice = fmt.Errorf("%w: unknown device", ErrDropped)
	ErrConnMismatch  = fmt.Errorf("%w: device bound to another connection", ErrDropped)
	ErrNoAuth        = fmt.Errorf("%w: no authenticator", ErrDropped)
)

// Dispatcher routes envelopes to handlers for one role.
type Dispatcher struct {
	role    Role
	table   *Registry
	devices *devices.Registry
}

func NewDispatcher(role Role, table *Registry, devs *devices.Registry) *Dispatcher {
	return &Dispatcher{role: role, table: table, devices: devs}
}

func (d *Dispatcher) Role() Role { return d.role }

// Dispatch runs env, which arrived on conn, through the authentication gate
// and into its handler. Drops return an error wrapping ErrDropped; any other
// error came from the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, env protocol.Envelope, conn *session.Conn) error {
	h, ok := d.table.Handler(env.Opcode)
	if !ok {
		return d.drop(env, conn, observability.DropUnknownOpcode, ErrUnknownOpcode)
	}

	if env.Opcode == protocol.OpAuthenticate && conn.BoundID() == "" {
		auth, ok := d.table.Authenticator()
		if !ok {
			return d.drop(env, conn, observability.DropUnknownOpcode, ErrNoAuth)
		}
		switch {
		case d.role == RoleClient:
			observability.RecordDispatch(d.role.String(), env.Opcode)
			return auth.Accept(ctx, conn, env.Content)
		case env.DeviceID == "":
			observability.RecordDispatch(d.role.String(), env.Opcode)
			return auth.Authenticate(ctx, conn)
		}
	}

	dev, ok := d.devices.Lookup(env.DeviceID)
	if !ok {
		return d.drop(env, conn, observability.DropUnknownDevice, ErrUnknownDevice)
	}
	if dev.Conn() != conn {
		return d.drop(env, conn, observability.DropConnMismatch, ErrConnMismatch)
	}

	observability.RecordDispatch(d.role.String(), env.Opcode)
	if d.role == RoleClient {
		return h.HandleClient(ctx, dev, env.Content)
	}
	return h.HandleServer(ctx, dev, env.Content)
}

func (d *Dispatcher) drop(env protocol.Envelope, conn *session.Conn, reason string, err error) error {
	observability.RecordDrop(d.role.String(), reason)
	log.Warn().
		Str("role", d.role.String()).
		Str("remote", conn.RemoteAddr()).
		Str("device", env.DeviceID).
		Int("opcode", env.Opcode).
		Str("drop_reason", reason).
		Msg("handlers.Dispatcher.Dispatch dropped")
	return err
}
