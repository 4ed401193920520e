// Package circuitbreaker guards calls to external adjudication services.
// Wraps sony/gobreaker with OpenTelemetry spans and counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// HalfOpenProbes is the number of calls let through while half-open
	HalfOpenProbes uint32
	// ResetInterval clears the closed-state counts; zero never clears them
	ResetInterval time.Duration
	// OpenFor is how long the breaker stays open before probing
	OpenFor time.Duration
	// ConsecutiveFailures trips the breaker while fewer than MinRequests
	// calls have been counted
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests calls have been counted
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange, when set, is called after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults for a clearinghouse or payer endpoint
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		HalfOpenProbes:      3,
		ResetInterval:       time.Minute,
		OpenFor:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb       *gobreaker.CircuitBreaker
	name     string
	logger   *zap.Logger
	tracer   trace.Tracer
	calls    metric.Int64Counter
	onChange func(name string, from, to State)
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, errors.New("circuit breaker name is required")
	}

	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through the circuit breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}

	c := &CircuitBreaker{
		name:     cfg.Name,
		logger:   logger,
		tracer:   otel.Tracer("circuit-breaker"),
		calls:    calls,
		onChange: cfg.OnStateChange,
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.ResetInterval,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.transitioned(mapState(from), mapState(to))
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about the remote service
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c, nil
}

// Call runs fn through the breaker and returns its typed result. Calls
// rejected by an open breaker return an error matched by IsOpen.
func Call[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_call",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	var zero T
	out, err := c.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	outcome := "success"
	switch {
	case IsOpen(err):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("circuit_open", true))
	case err != nil:
		outcome = "failure"
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name),
		attribute.String("outcome", outcome)))

	if err != nil {
		span.RecordError(err)
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// Execute runs fn through the breaker
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	return Call(ctx, c, func(context.Context) (interface{}, error) { return fn() })
}

// IsOpen reports whether err is a rejection by an open or saturated breaker
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// GetState returns the current state, moving an expired open breaker to
// half-open
func (c *CircuitBreaker) GetState() State {
	return mapState(c.cb.State())
}

func (c *CircuitBreaker) Name() string { return c.name }

// Counts returns the counts of the current generation
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) transitioned(from, to State) {
	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if c.onChange != nil {
		c.onChange(c.name, from, to)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
