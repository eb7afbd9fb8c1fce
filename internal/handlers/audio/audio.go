// Package audio implements opcode 4: a peer opens a stream, pushes chunks
// of raw audio and closes it. Chunks land in a Sink per peer.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/handlers"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	OpStart = 0
	OpData  = 1
	OpStop  = 2
)

const DefaultChunk = 4096

var (
	ErrNoStream = errors.New("audio: no open stream")
	ErrBadOp    = errors.New("audio: unknown stream op")
)

// Control is the opcode-4 content.
type Control struct {
	Op   int    `json:"op"`
	Data []byte `json:"data,omitempty"`
}

// Sink consumes one stream.
type Sink interface {
	Write(p []byte) error
	Close() error
}

// SinkFactory opens a sink for a stream from peer.
type SinkFactory func(peer bridge.Peer) (Sink, error)

type Handler struct {
	handlers.Base
	open SinkFactory

	mu      sync.Mutex
	streams map[string]Sink
}

// New returns the opcode-4 handler. A nil factory discards audio.
func New(open SinkFactory) *Handler {
	if open == nil {
		open = Discard
	}
	return &Handler{
		Base:    handlers.NewBase(protocol.OpAudio, "audio", "Receives audio streams"),
		open:    open,
		streams: make(map[string]Sink),
	}
}

func (h *Handler) HandleServer(ctx context.Context, peer bridge.Peer, content any) error {
	return h.handle(peer, content)
}

func (h *Handler) HandleClient(ctx context.Context, peer bridge.Peer, content any) error {
	return h.handle(peer, content)
}

func (h *Handler) handle(peer bridge.Peer, content any) error {
	var ctl Control
	if err := protocol.DecodeContent(content, &ctl); err != nil {
		return err
	}
	id := peer.ID()
	switch ctl.Op {
	case OpStart:
		sink, err := h.open(peer)
		if err != nil {
			return fmt.Errorf("audio: open sink: %w", err)
		}
		h.mu.Lock()
		prev := h.streams[id]
		h.streams[id] = sink
		h.mu.Unlock()
		if prev != nil {
			_ = prev.Close()
		}
		log.Debug().Str("device", id).Msg("audio.Handler stream started")
		return nil
	case OpData:
		h.mu.Lock()
		sink := h.streams[id]
		h.mu.Unlock()
		if sink == nil {
			return ErrNoStream
		}
		return sink.Write(ctl.Data)
	case OpStop:
		h.mu.Lock()
		sink := h.streams[id]
		delete(h.streams, id)
		h.mu.Unlock()
		if sink == nil {
			return ErrNoStream
		}
		log.Debug().Str("device", id).Msg("audio.Handler stream stopped")
		return sink.Close()
	default:
		return fmt.Errorf("%w: %d", ErrBadOp, ctl.Op)
	}
}

// Open reports how many streams are open.
func (h *Handler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Stop closes every open stream.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[string]Sink)
	h.mu.Unlock()

	var errs []error
	for _, sink := range streams {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stream sends r to peer as one stream of chunk-sized data messages.
func Stream(ctx context.Context, peer bridge.Peer, r io.Reader, chunk int) error {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	if err := peer.Send(Control{Op: OpStart}, protocol.OpAudio); err != nil {
		return err
	}
	buf := make([]byte, chunk)
	for {
		if err := ctx.Err(); err != nil {
			_ = peer.Send(Control{Op: OpStop}, protocol.OpAudio)
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := peer.Send(Control{Op: OpData, Data: data}, protocol.OpAudio); sendErr != nil {
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return peer.Send(Control{Op: OpStop}, protocol.OpAudio)
		}
		if err != nil {
			_ = peer.Send(Control{Op: OpStop}, protocol.OpAudio)
			return err
		}
	}
}
