package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type recordWriter struct {
	mu     sync.Mutex
	got    []protocol.Envelope
	fail   bool
	closed bool
}

func (w *recordWriter) WriteEnvelope(env protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broken pipe")
	}
	w.got = append(w.got, env)
	return nil
}

func (w *recordWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *recordWriter) opcodes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, 0, len(w.got))
	for _, env := range w.got {
		out = append(out, env.Opcode)
	}
	return out
}

func TestQueueWritesInOrderAndDrainsOnClose(t *testing.T) {
	testlog.Start(t)
	a, b := &recordWriter{}, &recordWriter{}
	q := New(ResolverFunc(func(id string) (Writer, bool) {
		switch id {
		case "a":
			return a, true
		case "b":
			return b, true
		}
		return nil, false
	}))

	for i := 1; i <= 50; i++ {
		require.NoError(t, q.Enqueue("a", protocol.Envelope{Opcode: i, DeviceID: "a"}))
		if i%10 == 0 {
			require.NoError(t, q.Enqueue("b", protocol.Envelope{Opcode: i, DeviceID: "b"}))
		}
	}
	require.NoError(t, q.Enqueue("missing", protocol.Envelope{Opcode: 2}))
	q.Close()
	require.ErrorIs(t, q.Enqueue("a", protocol.Envelope{Opcode: 1}), ErrQueueClosed)

	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("writer did not exit after sentinel")
	}

	got := a.opcodes()
	require.Len(t, got, 50)
	for i, op := range got {
		require.Equal(t, i+1, op)
	}
	require.Equal(t, []int{10, 20, 30, 40, 50}, b.opcodes())

	written, dropped := q.Stats()
	require.EqualValues(t, 55, written)
	require.EqualValues(t, 1, dropped)
	require.Zero(t, q.Len())
}

func TestQueueWriteFailureClosesConnection(t *testing.T) {
	testlog.Start(t)
	w := &recordWriter{fail: true}
	q := New(ResolverFunc(func(string) (Writer, bool) { return w, true }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	require.NoError(t, q.Enqueue("a", protocol.Envelope{Opcode: 2}))
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.closed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueRunStopsOnContext(t *testing.T) {
	testlog.Start(t)
	q := New(ResolverFunc(func(string) (Writer, bool) { return nil, false }))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("writer ignored context")
	}
}
