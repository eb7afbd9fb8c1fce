package handlers

import (
	"context"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/protocol/session"
)

// Role selects which entry point of a handler a dispatcher invokes.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Handler is the logic bound to one opcode.
type Handler interface {
	Opcode() int
	Name() string
	Description() string
	// Start runs once before any envelope is dispatched. table is the
	// registry the handler belongs to.
	Start(ctx context.Context, table *Registry) error
	Stop(ctx context.Context) error
	HandleServer(ctx context.Context, peer bridge.Peer, content any) error
	HandleClient(ctx context.Context, peer bridge.Peer, content any) error
}

// Authenticator is the opcode-1 handler. It is invoked with the raw
// connection before any identity exists on it.
type Authenticator interface {
	Handler
	// Authenticate admits a new peer on the hub side.
	Authenticate(ctx context.Context, conn *session.Conn) error
	// Accept consumes the hub's authentication reply on the node side.
	Accept(ctx context.Context, conn *session.Conn, content any) error
}

// Base supplies the descriptive half of Handler plus no-op lifecycle hooks.
type Base struct {
	opcode      int
	name        string
	description string
}

func NewBase(opcode int, name, description string) Base {
	return Base{opcode: opcode, name: name, description: description}
}

func (b Base) Opcode() int                            { return b.opcode }
func (b Base) Name() string                           { return b.name }
func (b Base) Description() string                    { return b.description }
func (b Base) Start(context.Context, *Registry) error { return nil }
func (b Base) Stop(context.Context) error             { return nil }

// ServerHandler is a handler whose client role needs no behavior of its own.
type ServerHandler interface {
	Opcode() int
	Name() string
	Description() string
	Start(ctx context.Context, table *Registry) error
	Stop(ctx context.Context) error
	HandleServer(ctx context.Context, peer bridge.Peer, content any) error
}

type symmetric struct {
	ServerHandler
}

// Symmetric makes h's client role forward into its server role.
func Symmetric(h ServerHandler) Handler {
	return symmetric{ServerHandler: h}
}

func (s symmetric) HandleClient(ctx context.Context, peer bridge.Peer, content any) error {
	return s.HandleServer(ctx, peer, content)
}

// Info describes a registered handler.
type Info struct {
	Opcode      int    `json:"opcode"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
