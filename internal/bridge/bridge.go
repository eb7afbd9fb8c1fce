package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrCallTimeout   = errors.New("bridge: call timed out")
	ErrEmptyReply    = errors.New("bridge: empty reply")
	ErrRemote        = errors.New("bridge: remote error")
	ErrBridgeClosed  = errors.New("bridge: closed")
	ErrInvalidStatus = errors.New("bridge: invalid status")
)

const DefaultCallTimeout = 10 * time.Second

// Peer is the narrow device surface a call is addressed to.
type Peer interface {
	ID() string
	Name() string
	Send(content any, opcode int) error
}

// InboxHolder is implemented by peers that keep unclaimed replies.
type InboxHolder interface {
	Inbox() *Inbox
}

type pending struct {
	peerID string
	reply  chan Request
}

// Bridge matches opcode-3 responses to blocked callers by correlation id.
type Bridge struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

// New returns a bridge whose calls default to timeout when none is given.
func New(timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Bridge{
		timeout: timeout,
		pending: make(map[string]*pending),
	}
}

// Timeout is the default call timeout.
func (b *Bridge) Timeout() time.Duration { return b.timeout }

// Pending reports how many calls are waiting.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Call runs targetOpcode's handler on peer's side and returns the first
// content it produced.
func (b *Bridge) Call(ctx context.Context, peer Peer, targetOpcode int, payload any, timeout time.Duration) (any, error) {
	items, err := b.CallAll(ctx, peer, targetOpcode, payload, timeout)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyReply
	}
	return items[0], nil
}

// CallAll is Call returning every content the remote handler produced, in order.
func (b *Bridge) CallAll(ctx context.Context, peer Peer, targetOpcode int, payload any, timeout time.Duration) ([]any, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}
	start := time.Now()
	id := uuid.NewString()
	p := &pending{peerID: peer.ID(), reply: make(chan Request, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	b.pending[id] = p
	b.mu.Unlock()
	defer b.remove(id)

	req := Request{
		CorrelationID: id,
		Status:        StatusRequest,
		TargetOpcode:  targetOpcode,
		Payload:       payload,
	}
	if err := peer.Send(req, protocol.OpSpecial); err != nil {
		observability.RecordBridgeCall(targetOpcode, "send_failed", time.Since(start))
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-p.reply:
		if !ok {
			observability.RecordBridgeCall(targetOpcode, "closed", time.Since(start))
			return nil, ErrBridgeClosed
		}
		if resp.Error != "" {
			observability.RecordBridgeCall(targetOpcode, "remote_error", time.Since(start))
			return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
		}
		observability.RecordBridgeCall(targetOpcode, "ok", time.Since(start))
		return resp.Items(), nil
	case <-timer.C:
		observability.RecordBridgeCall(targetOpcode, "timeout", time.Since(start))
		log.Warn().
			Str("device", peer.ID()).
			Str("correlation_id", id).
			Int("target_opcode", targetOpcode).
			Dur("timeout", timeout).
			Msg("bridge.Bridge.Call timed out")
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, id, timeout)
	case <-ctx.Done():
		observability.RecordBridgeCall(targetOpcode, "cancelled", time.Since(start))
		return nil, ctx.Err()
	}
}

// Deliver completes the call waiting on resp's correlation id when it was
// addressed to peer. Anything else lands in peer's inbox and is reported false.
func (b *Bridge) Deliver(peer Peer, resp Request) bool {
	if resp.Status != StatusResponse {
		return false
	}
	b.mu.Lock()
	p, ok := b.pending[resp.CorrelationID]
	if ok && p.peerID == peer.ID() {
		delete(b.pending, resp.CorrelationID)
	} else {
		ok = false
	}
	b.mu.Unlock()

	if ok {
		p.reply <- resp
		return true
	}
	if holder, isHolder := peer.(InboxHolder); isHolder && holder.Inbox() != nil {
		holder.Inbox().Push(resp)
	}
	log.Debug().
		Str("device", peer.ID()).
		Str("correlation_id", resp.CorrelationID).
		Msg("bridge.Bridge.Deliver unmatched response")
	return false
}

// Close fails every waiting call with ErrBridgeClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, p := range b.pending {
		close(p.reply)
		delete(b.pending, id)
	}
}

func (b *Bridge) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
