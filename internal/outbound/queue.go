package outbound

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrQueueClosed = errors.New("outbound: queue closed")

// Writer is the connection side of a resolved destination.
type Writer interface {
	WriteEnvelope(env protocol.Envelope) error
	Close() error
}

// Resolver maps a device id to its connection.
type Resolver interface {
	Writer(deviceID string) (Writer, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(deviceID string) (Writer, bool)

func (f ResolverFunc) Writer(deviceID string) (Writer, bool) { return f(deviceID) }

type item struct {
	deviceID string
	env      protocol.Envelope
	sentinel bool
}

// Queue is the single FIFO all outbound envelopes pass through. One Run
// goroutine drains it, so writes never interleave on a connection and
// per-device order is submission order.
type Queue struct {
	resolver Resolver

	mu     sync.Mutex
	items  []item
	wake   chan struct{}
	closed bool

	written uint64
	dropped uint64
}

func New(resolver Resolver) *Queue {
	return &Queue{
		resolver: resolver,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends env for deviceID and returns immediately.
func (q *Queue) Enqueue(deviceID string, env protocol.Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, item{deviceID: deviceID, env: env})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Close pushes the sentinel. Everything enqueued before it is still written.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = append(q.items, item{sentinel: true})
	q.mu.Unlock()
	q.signal()
}

// Len reports queued items, the sentinel included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns how many envelopes were written and dropped.
func (q *Queue) Stats() (written, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.written, q.dropped
}

// Run is the writer. It returns after the sentinel, or when ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	for {
		batch := q.take()
		for _, it := range batch {
			if it.sentinel {
				log.Debug().Msg("outbound.Queue.Run drained")
				return nil
			}
			q.write(it)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) take() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.items
	q.items = nil
	return batch
}

func (q *Queue) write(it item) {
	w, ok := q.resolver.Writer(it.deviceID)
	if !ok {
		q.count(false)
		log.Warn().
			Str("device", it.deviceID).
			Int("opcode", it.env.Opcode).
			Msg("outbound.Queue.write unknown device")
		return
	}
	if err := w.WriteEnvelope(it.env); err != nil {
		q.count(false)
		log.Error().
			Err(err).
			Str("device", it.deviceID).
			Int("opcode", it.env.Opcode).
			Msg("outbound.Queue.write failed; closing connection")
		_ = w.Close()
		return
	}
	q.count(true)
}

func (q *Queue) count(ok bool) {
	q.mu.Lock()
	if ok {
		q.written++
	} else {
		q.dropped++
	}
	q.mu.Unlock()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
