package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/danmuck/hubctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrPoolClosed = errors.New("pool: closed")

// Func is the body of a job. The context is never cancelled while the
// job runs; it carries values only.
type Func func(ctx context.Context) error

type Config struct {
	Workers int
	// QueueWarn logs a warning each time the backlog reaches a multiple of it.
	QueueWarn int
}

func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueWarn: 1024,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueWarn <= 0 {
		c.QueueWarn = def.QueueWarn
	}
	return c
}

type ShutdownOptions struct {
	// CancelPending cancels every job that has not started.
	CancelPending bool
	// Wait blocks until running jobs finish or the context ends.
	Wait bool
}

type Stats struct {
	Workers   int
	Pending   int64
	Running   int64
	Completed int64
	Failed    int64
	Cancelled int64
}

// Pool runs jobs on a fixed set of workers in submission order. Completion
// order across workers is not guaranteed.
type Pool struct {
	cfg Config
	ctx context.Context

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Job
	closed bool
	wg     sync.WaitGroup

	seq       atomic.Uint64
	pending   atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// New starts cfg.Workers workers.
func New(cfg Config) *Pool {
	cfg = cfg.WithDefaults()
	p := &Pool{
		cfg: cfg,
		ctx: context.Background(),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(i)
	}
	log.Debug().Int("workers", cfg.Workers).Msg("pool.New started")
	return p
}

// Submit queues fn and returns immediately.
func (p *Pool) Submit(name string, fn Func) (*Job, error) {
	if fn == nil {
		return nil, fmt.Errorf("pool: nil job %q", name)
	}
	j := &Job{
		id:   p.seq.Add(1),
		name: name,
		fn:   fn,
		pool: p,
		done: make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.queue = append(p.queue, j)
	backlog := len(p.queue)
	p.pending.Add(1)
	p.cond.Signal()
	p.mu.Unlock()

	if backlog%p.cfg.QueueWarn == 0 {
		log.Warn().
			Int("backlog", backlog).
			Int("workers", p.cfg.Workers).
			Msg("pool.Pool.Submit backlog growing")
	}
	return j, nil
}

// Shutdown stops accepting jobs. Running jobs are never interrupted.
func (p *Pool) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	p.mu.Lock()
	first := !p.closed
	p.closed = true
	var dropped []*Job
	if opts.CancelPending {
		dropped = p.queue
		p.queue = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, j := range dropped {
		j.Cancel()
	}
	if first {
		log.Info().
			Int("cancelled", len(dropped)).
			Bool("wait", opts.Wait).
			Msg("pool.Pool.Shutdown")
	}
	if !opts.Wait {
		return nil
	}

	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Pending:   p.pending.Load(),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Cancelled: p.cancelled.Load(),
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		j, ok := p.next()
		if !ok {
			return
		}
		if !j.state.CompareAndSwap(int32(StatePending), int32(StateRunning)) {
			continue
		}
		p.pending.Add(-1)
		p.running.Add(1)
		p.run(n, j)
		p.running.Add(-1)
	}
}

func (p *Pool) next() (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}
	j := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return j, true
}

func (p *Pool) run(worker int, j *Job) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pool: job panicked: %v", r)
				log.Error().
					Str("job", j.name).
					Str("stack", string(debug.Stack())).
					Msg("pool.Pool.run recovered panic")
			}
		}()
		return j.fn(p.ctx)
	}()

	if err != nil {
		j.finish(StateFailed, err)
		p.failed.Add(1)
		observability.RecordJob(StateFailed.String())
		log.Error().
			Err(err).
			Int("worker", worker).
			Uint64("job_id", j.id).
			Str("job", j.name).
			Msg("pool.Pool.run job failed")
		return
	}
	j.finish(StateDone, nil)
	p.completed.Add(1)
	observability.RecordJob(StateDone.String())
}
