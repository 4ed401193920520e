package claims

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hospitalops/claimflow/internal/domain/charge"
)

// Outcome is a payer adjudication result
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDenied   Outcome = "denied"
	OutcomeRejected Outcome = "rejected"
)

// Decision is the payer's answer for a validated claim. ReasonCode selects a
// taxonomy entry for denials; Message explains a rejection.
type Decision struct {
	Outcome    Outcome
	ReasonCode string
	Message    string
}

// Decider adjudicates validated claims
type Decider interface {
	Decide(ctx context.Context, c *charge.Charge) (Decision, error)
}

// DecideFunc adapts a function to Decider
type DecideFunc func(ctx context.Context, c *charge.Charge) (Decision, error)

func (f DecideFunc) Decide(ctx context.Context, c *charge.Charge) (Decision, error) {
	return f(ctx, c)
}

// AppealReviewer decides submitted appeals
type AppealReviewer interface {
	Review(ctx context.Context, c *charge.Charge) (approved bool, err error)
}

// ReviewFunc adapts a function to AppealReviewer
type ReviewFunc func(ctx context.Context, c *charge.Charge) (bool, error)

func (f ReviewFunc) Review(ctx context.Context, c *charge.Charge) (bool, error) {
	return f(ctx, c)
}

// PaymentGateway posts payment for accepted claims. The engine passes the
// claim ID as key; a gateway must settle each key at most once and answer a
// repeated key with the outcome of the settled posting.
type PaymentGateway interface {
	Post(ctx context.Context, c *charge.Charge, key string) error
}

// PostFunc adapts a function to PaymentGateway
type PostFunc func(ctx context.Context, c *charge.Charge, key string) error

func (f PostFunc) Post(ctx context.Context, c *charge.Charge, key string) error {
	return f(ctx, c, key)
}

// Rand is a mutex-guarded PCG source shared by the simulated collaborators.
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand returns a seeded source. A zero seed uses the current time.
func NewRand(seed uint64) *Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Rand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *Rand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.IntN(n)
}

func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Float64()
}

// Weights are the relative frequencies of simulated payer outcomes
type Weights struct {
	Accept int
	Deny   int
	Reject int
}

// DefaultWeights returns the 75/15/10 accept/deny/reject split
func DefaultWeights() Weights {
	return Weights{Accept: 75, Deny: 15, Reject: 10}
}

var rejectionMessages = []string{
	"Invalid member ID",
	"Missing required claim field",
	"Provider not enrolled with payer",
}

// RandomDecider simulates a payer with weighted outcomes
type RandomDecider struct {
	weights Weights
	rng     *Rand
	reasons []string
}

func NewRandomDecider(w Weights, rng *Rand) *RandomDecider {
	return &RandomDecider{weights: w, rng: rng, reasons: charge.ReasonCodes()}
}

func (d *RandomDecider) Decide(_ context.Context, _ *charge.Charge) (Decision, error) {
	total := d.weights.Accept + d.weights.Deny + d.weights.Reject
	if total <= 0 {
		return Decision{Outcome: OutcomeAccepted}, nil
	}
	roll := d.rng.IntN(total)
	switch {
	case roll < d.weights.Accept:
		return Decision{Outcome: OutcomeAccepted}, nil
	case roll < d.weights.Accept+d.weights.Deny:
		return Decision{
			Outcome:    OutcomeDenied,
			ReasonCode: d.reasons[d.rng.IntN(len(d.reasons))],
		}, nil
	default:
		return Decision{
			Outcome: OutcomeRejected,
			Message: rejectionMessages[d.rng.IntN(len(rejectionMessages))],
		}, nil
	}
}

// RandomReviewer approves appeals with a fixed probability
type RandomReviewer struct {
	rate float64
	rng  *Rand
}

func NewRandomReviewer(approvalRate float64, rng *Rand) *RandomReviewer {
	return &RandomReviewer{rate: approvalRate, rng: rng}
}

func (r *RandomReviewer) Review(context.Context, *charge.Charge) (bool, error) {
	return r.rng.Float64() < r.rate, nil
}

// RandomPayments succeeds with a fixed probability. A key that already
// settled succeeds again without another roll.
type RandomPayments struct {
	rate float64
	rng  *Rand

	mu      sync.Mutex
	settled map[string]bool
}

func NewRandomPayments(successRate float64, rng *Rand) *RandomPayments {
	return &RandomPayments{rate: successRate, rng: rng, settled: make(map[string]bool)}
}

// ErrPaymentDeclined is returned by RandomPayments for a failed posting
var ErrPaymentDeclined = errors.New("payment declined by payer")

func (p *RandomPayments) Post(_ context.Context, _ *charge.Charge, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key != "" && p.settled[key] {
		return nil
	}
	if p.rng.Float64() >= p.rate {
		return ErrPaymentDeclined
	}
	if key != "" {
		p.settled[key] = true
	}
	return nil
}
