// Package voice implements opcode 2: a text command goes to the command
// engine and the collected output comes back as the reply.
package voice

import (
	"context"
	"sync"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/commands"
	"github.com/danmuck/hubctl/internal/handlers"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Request struct {
	Voice string `json:"voice"`
	Talk  bool   `json:"talk"`
}

type Reply struct {
	Success bool   `json:"success"`
	Resp    string `json:"resp"`
}

// ReplyFunc receives replies on the node side.
type ReplyFunc func(peer bridge.Peer, reply Reply)

type Handler struct {
	handlers.Base
	engine commands.Engine

	mu      sync.Mutex
	onReply ReplyFunc
}

// New returns the opcode-2 handler. A nil engine answers nothing.
func New(engine commands.Engine) *Handler {
	return &Handler{
		Base:   handlers.NewBase(protocol.OpVoice, "voice", "Runs text commands and replies with their output"),
		engine: engine,
	}
}

func (h *Handler) OnReply(fn ReplyFunc) {
	h.mu.Lock()
	h.onReply = fn
	h.mu.Unlock()
}

// HandleServer answers a command.
func (h *Handler) HandleServer(ctx context.Context, peer bridge.Peer, content any) error {
	var req Request
	if err := protocol.DecodeContent(content, &req); err != nil {
		return err
	}
	return peer.Send(h.Answer(req), protocol.OpVoice)
}

// Answer runs req through the engine.
func (h *Handler) Answer(req Request) Reply {
	var win commands.Window
	ok := false
	if h.engine != nil {
		ok = h.engine.Handle(req.Voice, req.Talk, &win)
	}
	return Reply{Success: ok, Resp: win.Collect()}
}

// HandleClient delivers a reply to the callback. Content carrying a command
// is answered like the server role does.
func (h *Handler) HandleClient(ctx context.Context, peer bridge.Peer, content any) error {
	if m, ok := content.(map[string]any); ok {
		if _, isRequest := m["voice"]; isRequest {
			return h.HandleServer(ctx, peer, content)
		}
	}
	var reply Reply
	if err := protocol.DecodeContent(content, &reply); err != nil {
		return err
	}
	h.mu.Lock()
	fn := h.onReply
	h.mu.Unlock()
	if fn == nil {
		log.Info().
			Str("device", peer.ID()).
			Bool("success", reply.Success).
			Str("resp", reply.Resp).
			Msg("voice.Handler.HandleClient reply")
		return nil
	}
	fn(peer, reply)
	return nil
}
