// Package special implements opcode 3, the remote side of the correlation
// bridge. A request runs the target opcode's handler against a Capture and
// the captured sends travel back as the response payload.
package special

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/handlers"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotStarted   = errors.New("special: handler not started")
	ErrTargetOpcode = errors.New("special: invalid target opcode")
)

type Handler struct {
	handlers.Base
	bridge *bridge.Bridge

	mu    sync.RWMutex
	table *handlers.Registry
}

func New(br *bridge.Bridge) *Handler {
	return &Handler{
		Base:   handlers.NewBase(protocol.OpSpecial, "special", "Runs another opcode's handler for a correlated remote call"),
		bridge: br,
	}
}

func (h *Handler) Start(ctx context.Context, table *handlers.Registry) error {
	h.mu.Lock()
	h.table = table
	h.mu.Unlock()
	return nil
}

func (h *Handler) HandleServer(ctx context.Context, peer bridge.Peer, content any) error {
	return h.handle(ctx, handlers.RoleServer, peer, content)
}

func (h *Handler) HandleClient(ctx context.Context, peer bridge.Peer, content any) error {
	return h.handle(ctx, handlers.RoleClient, peer, content)
}

func (h *Handler) handle(ctx context.Context, role handlers.Role, peer bridge.Peer, content any) error {
	req, err := bridge.ParseRequest(content)
	if err != nil {
		return err
	}
	if req.Status == bridge.StatusResponse {
		h.bridge.Deliver(peer, req)
		return nil
	}

	target, err := h.target(req.TargetOpcode)
	if err != nil {
		log.Warn().
			Err(err).
			Str("device", peer.ID()).
			Str("correlation_id", req.CorrelationID).
			Msg("special.Handler.handle rejected")
		return peer.Send(bridge.Fail(req, err), protocol.OpSpecial)
	}

	capture := bridge.NewCapture(peer)
	if role == handlers.RoleClient {
		err = target.HandleClient(ctx, capture, req.Payload)
	} else {
		err = target.HandleServer(ctx, capture, req.Payload)
	}
	if err != nil {
		return peer.Send(bridge.Fail(req, err), protocol.OpSpecial)
	}
	return peer.Send(bridge.Reply(req, capture.Contents()), protocol.OpSpecial)
}

func (h *Handler) target(opcode int) (handlers.Handler, error) {
	h.mu.RLock()
	table := h.table
	h.mu.RUnlock()
	if table == nil {
		return nil, ErrNotStarted
	}
	if opcode == protocol.OpSpecial {
		return nil, fmt.Errorf("%w: %d", ErrTargetOpcode, opcode)
	}
	t, ok := table.Handler(opcode)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTargetOpcode, opcode)
	}
	return t, nil
}
