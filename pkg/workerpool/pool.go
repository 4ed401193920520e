// Package workerpool runs fired lifecycle jobs on a fixed set of goroutines,
// retrying transient failures with capped exponential backoff.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one job handed to the pool
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
	// Context bounds every attempt; nil means context.Background
	Context context.Context
}

type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of attempts after the first
	MaxRetries int
	// RetryDelay is the first backoff; it doubles per attempt up to MaxRetryDelay
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single claims node
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               4096,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		MaxRetryDelay:           2 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

var (
	ErrShuttingDown = errors.New("worker pool is shutting down")
	ErrQueueFull    = errors.New("worker pool queue is full")
)

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so the pool gives up on the task without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Pool is a bounded queue drained by Config.Workers goroutines. Tasks still
// queued at Stop are run before Stop returns.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	// mu guards closed and sends on queue so Submit never races the close
	mu     sync.RWMutex
	closed bool
	queue  chan *Task
	wg     sync.WaitGroup
	once   sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	busy      atomic.Int64
}

func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan *Task, cfg.QueueSize),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.work(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues task without blocking
func (p *Pool) Submit(task *Task) error {
	if task == nil || task.Run == nil {
		return errors.New("task has no run function")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new tasks and waits for queued ones up to the shutdown
// timeout. Calls after the first return nil.
func (p *Pool) Stop() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()

		timer := time.NewTimer(p.cfg.GracefulShutdownTimeout)
		defer timer.Stop()
		select {
		case <-drained:
			p.logger.Info("worker pool drained")
		case <-timer.C:
			err = fmt.Errorf("worker pool still busy after %s", p.cfg.GracefulShutdownTimeout)
			p.logger.Warn("worker pool stop timed out", zap.Int("queued", len(p.queue)))
		}
	})
	return err
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.busy.Add(1)
		err := p.attempt(task)
		p.busy.Add(-1)

		if err == nil {
			p.completed.Add(1)
			continue
		}
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("task", task.Name),
			zap.Int("worker", id),
			zap.Bool("permanent", IsPermanent(err)),
			zap.Error(err))
	}
}

// attempt runs task until it succeeds, fails permanently, runs out of
// retries or its context ends
func (p *Pool) attempt(task *Task) error {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	delay := p.cfg.RetryDelay
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := safeRun(ctx, task.Run)
		if err == nil || IsPermanent(err) || n >= p.cfg.MaxRetries {
			return err
		}

		p.retried.Add(1)
		p.logger.Debug("task retry",
			zap.String("task_id", task.ID),
			zap.Int("attempt", n+1),
			zap.Duration("backoff", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if delay *= 2; delay > p.cfg.MaxRetryDelay {
			delay = p.cfg.MaxRetryDelay
		}
	}
}

// safeRun converts a panic in run into a permanent error
func safeRun(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("task panicked: %v", r))
		}
	}()
	return run(ctx)
}

type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	Busy           int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		Busy:           p.busy.Load(),
		QueueDepth:     len(p.queue),
		QueueCapacity:  cap(p.queue),
		Workers:        p.cfg.Workers,
	}
}

// Saturated reports whether the queue is at least 90% full, the point where
// timers start being refused
func (p *Pool) Saturated() bool {
	return len(p.queue)*10 >= cap(p.queue)*9
}
