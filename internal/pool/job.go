package pool

import (
	"sync/atomic"

	"github.com/danmuck/hubctl/internal/observability"
)

type State int32

const (
	StatePending State = iota
	StateRunning
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job is a handle to submitted work.
type Job struct {
	id    uint64
	name  string
	fn    Func
	pool  *Pool
	state atomic.Int32
	err   error
	done  chan struct{}
}

func (j *Job) ID() uint64   { return j.id }
func (j *Job) Name() string { return j.name }
func (j *Job) State() State { return State(j.state.Load()) }

// Err is the job's failure once Done is closed.
func (j *Job) Err() error {
	<-j.done
	return j.err
}

// Done is closed when the job finishes, fails or is cancelled.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel stops a job that has not started. It reports false once the job
// is running or finished.
func (j *Job) Cancel() bool {
	if !j.state.CompareAndSwap(int32(StatePending), int32(StateCancelled)) {
		return false
	}
	j.pool.pending.Add(-1)
	j.pool.cancelled.Add(1)
	observability.RecordJob(StateCancelled.String())
	close(j.done)
	return true
}

func (j *Job) finish(s State, err error) {
	j.err = err
	j.state.Store(int32(s))
	close(j.done)
}
