// Package metrics provides Prometheus metrics for the claims engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ChargesCreated        prometheus.Counter
	ClaimsSubmitted       prometheus.Counter
	ClaimsResubmitted     prometheus.Counter
	StageTransitions      *prometheus.CounterVec
	ClaimDecisions        *prometheus.CounterVec
	StaleTransitions      *prometheus.CounterVec
	AppealsSubmitted      prometheus.Counter
	AppealDecisions       *prometheus.CounterVec
	PaymentAttempts       *prometheus.CounterVec
	FollowUpsScheduled    prometheus.Counter
	FollowUpsEscalated    prometheus.Counter
	SweepDuration         *prometheus.HistogramVec
	DecisionDuration      prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ChargesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "charges_created_total",
			Help: "Total charges created",
		}),
		ClaimsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claims_submitted_total",
			Help: "Total claims submitted to the clearinghouse",
		}),
		ClaimsResubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claims_resubmitted_total",
			Help: "Total corrected claims resubmitted",
		}),
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_stage_transitions_total",
			Help: "Claim status transitions by target status",
		}, []string{"status"}),
		ClaimDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_decisions_total",
			Help: "Payer decisions by outcome",
		}, []string{"outcome"}),
		StaleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_stale_transitions_total",
			Help: "Scheduled transitions skipped because the claim moved on",
		}, []string{"job"}),
		AppealsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appeals_submitted_total",
			Help: "Total appeals submitted",
		}),
		AppealDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appeal_decisions_total",
			Help: "Appeal review outcomes",
		}, []string{"outcome"}),
		PaymentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_attempts_total",
			Help: "Automated payment posting attempts by result",
		}, []string{"result"}),
		FollowUpsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "followups_scheduled_total",
			Help: "Total follow-ups scheduled",
		}),
		FollowUpsEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "followups_escalated_total",
			Help: "Total follow-up escalation notices emitted",
		}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claims_sweep_duration_seconds",
			Help:    "Background sweep duration",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"sweep"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "claim_decision_duration_seconds",
			Help:    "Adjudication decider latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ChargesCreated,
		m.ClaimsSubmitted,
		m.ClaimsResubmitted,
		m.StageTransitions,
		m.ClaimDecisions,
		m.StaleTransitions,
		m.AppealsSubmitted,
		m.AppealDecisions,
		m.PaymentAttempts,
		m.FollowUpsScheduled,
		m.FollowUpsEscalated,
		m.SweepDuration,
		m.DecisionDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) ChargeCreated() {
	if m != nil {
		m.ChargesCreated.Inc()
	}
}

func (m *Metrics) ClaimSubmitted() {
	if m != nil {
		m.ClaimsSubmitted.Inc()
	}
}

func (m *Metrics) ClaimResubmitted() {
	if m != nil {
		m.ClaimsResubmitted.Inc()
	}
}

func (m *Metrics) StageTransition(status string) {
	if m != nil {
		m.StageTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Decision(outcome string, took time.Duration) {
	if m != nil {
		m.ClaimDecisions.WithLabelValues(outcome).Inc()
		m.DecisionDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) StaleTransition(job string) {
	if m != nil {
		m.StaleTransitions.WithLabelValues(job).Inc()
	}
}

func (m *Metrics) AppealSubmitted() {
	if m != nil {
		m.AppealsSubmitted.Inc()
	}
}

func (m *Metrics) AppealDecision(outcome string) {
	if m != nil {
		m.AppealDecisions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) PaymentAttempt(result string) {
	if m != nil {
		m.PaymentAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) FollowUpScheduled() {
	if m != nil {
		m.FollowUpsScheduled.Inc()
	}
}

func (m *Metrics) FollowUpEscalated() {
	if m != nil {
		m.FollowUpsEscalated.Inc()
	}
}

// ObserveSweep records how long a sweep took since start
func (m *Metrics) ObserveSweep(sweep string, start time.Time) {
	if m != nil {
		m.SweepDuration.WithLabelValues(sweep).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) MessageProduced() {
	if m != nil {
		m.KafkaMessagesProduced.Inc()
	}
}

func (m *Metrics) MessageConsumed() {
	if m != nil {
		m.KafkaMessagesConsumed.Inc()
	}
}

// SetOutboxPending records the outbox backlog
func (m *Metrics) SetOutboxPending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

// SetBreakerState records a breaker state as 0=closed, 1=open, 2=half-open
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns the Prometheus HTTP handler for g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
