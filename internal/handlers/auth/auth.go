// Package auth implements opcode 1: the hub admits a connection as a new
// device, and a node adopts the identity the hub issued to it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/devices"
	"github.com/danmuck/hubctl/internal/handlers"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrRejected = errors.New("auth: hub rejected authentication")

// Result is the content of the hub's opcode-1 reply.
type Result struct {
	Auth bool   `json:"auth"`
	UUID string `json:"uuid"`
}

// AcceptFunc observes the peer a node registered for its hub.
type AcceptFunc func(peer *devices.Device)

type Handler struct {
	handlers.Base
	devices *devices.Registry
	peer    string

	mu       sync.Mutex
	onAccept AcceptFunc
}

// New returns the opcode-1 handler. peerName names the device a node
// registers for its hub; the hub names devices by remote address.
func New(devs *devices.Registry, peerName string) *Handler {
	if peerName == "" {
		peerName = "hub"
	}
	return &Handler{
		Base:    handlers.NewBase(protocol.OpAuthenticate, "authenticate", "Admits devices and issues their identifiers"),
		devices: devs,
		peer:    peerName,
	}
}

// OnAccept sets the node-side callback run after the hub peer registers.
func (h *Handler) OnAccept(fn AcceptFunc) {
	h.mu.Lock()
	h.onAccept = fn
	h.mu.Unlock()
}

func (h *Handler) Authenticate(ctx context.Context, conn *session.Conn) error {
	dev, err := h.devices.Create(conn.RemoteAddr(), conn)
	if err != nil {
		log.Error().
			Err(err).
			Str("remote", conn.RemoteAddr()).
			Msg("auth.Handler.Authenticate register failed")
		return err
	}
	return dev.Send(Result{Auth: true, UUID: dev.ID()}, protocol.OpAuthenticate)
}

func (h *Handler) Accept(ctx context.Context, conn *session.Conn, content any) error {
	var res Result
	if err := protocol.DecodeContent(content, &res); err != nil {
		return err
	}
	if !res.Auth || res.UUID == "" {
		return ErrRejected
	}
	dev := devices.NewWithID(res.UUID, h.peer, conn)
	if err := h.devices.Register(dev, false); err != nil {
		return fmt.Errorf("auth: register hub peer: %w", err)
	}
	log.Info().
		Str("device", res.UUID).
		Str("remote", conn.RemoteAddr()).
		Msg("auth.Handler.Accept authenticated")

	h.mu.Lock()
	fn := h.onAccept
	h.mu.Unlock()
	if fn != nil {
		fn(dev)
	}
	return nil
}

// HandleServer re-confirms the identity of an already bound device.
func (h *Handler) HandleServer(ctx context.Context, peer bridge.Peer, content any) error {
	return peer.Send(Result{Auth: true, UUID: peer.ID()}, protocol.OpAuthenticate)
}

func (h *Handler) HandleClient(ctx context.Context, peer bridge.Peer, content any) error {
	log.Debug().Str("device", peer.ID()).Msg("auth.Handler.HandleClient already authenticated")
	return nil
}
