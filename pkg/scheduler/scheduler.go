// Package scheduler runs delayed jobs. Timer arms one-shot timers and hands
// fired jobs to a worker pool; Manual is a virtual clock for tests.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/pkg/workerpool"
)

// Job is a unit of delayed work keyed by the entity it acts on
type Job struct {
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler arms jobs to run after a delay
type Scheduler interface {
	Schedule(job Job, delay time.Duration)
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Dispatcher executes fired jobs
type Dispatcher interface {
	Submit(task *workerpool.Task) error
}

// Timer schedules jobs on runtime timers
type Timer struct {
	pool   Dispatcher
	logger *zap.Logger

	// requeueDelay is used when the pool rejects a fired job
	requeueDelay time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*time.Timer
	stopped bool
	fired   int64
}

// NewTimer creates a timer scheduler dispatching into pool
func NewTimer(pool Dispatcher, logger *zap.Logger) *Timer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timer{
		pool:         pool,
		logger:       logger,
		requeueDelay: time.Second,
		pending:      make(map[uint64]*time.Timer),
	}
}

// Schedule arms job to fire after delay. Jobs scheduled after Stop are dropped.
func (s *Timer) Schedule(job Job, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Debug("scheduler stopped, dropping job",
			zap.String("job", job.Name),
			zap.String("key", job.Key))
		return
	}

	s.seq++
	id := s.seq
	s.pending[id] = time.AfterFunc(delay, func() { s.fire(id, job) })
}

func (s *Timer) fire(id uint64, job Job) {
	s.mu.Lock()
	delete(s.pending, id)
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	atomic.AddInt64(&s.fired, 1)
	err := s.pool.Submit(&workerpool.Task{
		ID:   job.Key + "/" + job.Name + "/" + strconv.FormatUint(id, 10),
		Name: job.Name,
		Run:  job.Run,
	})
	switch {
	case err == nil:
	case errors.Is(err, workerpool.ErrQueueFull):
		s.logger.Warn("worker queue full, requeueing job",
			zap.String("job", job.Name),
			zap.String("key", job.Key),
			zap.Duration("delay", s.requeueDelay))
		s.Schedule(job, s.requeueDelay)
	default:
		s.logger.Debug("job dropped",
			zap.String("job", job.Name),
			zap.String("key", job.Key),
			zap.Error(err))
	}
}

// Pending returns the number of armed timers
func (s *Timer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Fired returns the number of timers that have fired
func (s *Timer) Fired() int64 { return atomic.LoadInt64(&s.fired) }

// Stop disarms all pending timers and returns how many were cancelled
func (s *Timer) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	n := 0
	for id, t := range s.pending {
		if t.Stop() {
			n++
		}
		delete(s.pending, id)
	}
	s.logger.Info("scheduler stopped", zap.Int("cancelled", n))
	return n
}
