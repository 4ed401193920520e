// Package redpanda carries claim events, charge intake and follow-up notices
// over Kafka-compatible topics with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	// TopicClaimEvents carries charge lifecycle events relayed from the outbox
	TopicClaimEvents = "claims.events"
	// TopicChargeIntake carries charges from the charge-capture systems
	TopicChargeIntake = "billing.charges"
	// TopicFollowUps carries follow-up escalations for billing staff
	TopicFollowUps = "claims.followups"
	// TopicDeadLetter receives outbox entries that exhausted their retries
	TopicDeadLetter = "dead.letter"
)

// TopicSpec describes a topic the services create on startup
type TopicSpec struct {
	Name       string
	Partitions int32
	Retention  time.Duration
}

func (s TopicSpec) configs() map[string]*string {
	retention := strconv.FormatInt(s.Retention.Milliseconds(), 10)
	deletePolicy, lz4 := "delete", "lz4"
	return map[string]*string{
		"retention.ms":     &retention,
		"cleanup.policy":   &deletePolicy,
		"compression.type": &lz4,
	}
}

// ClaimsTopics lists the topics of the claims services. Lifecycle events
// are keyed by charge ID, so their partition count bounds consumer
// parallelism.
func ClaimsTopics() []TopicSpec {
	const day = 24 * time.Hour
	return []TopicSpec{
		{Name: TopicClaimEvents, Partitions: 12, Retention: 30 * day},
		{Name: TopicChargeIntake, Partitions: 6, Retention: 7 * day},
		{Name: TopicFollowUps, Partitions: 3, Retention: 30 * day},
		{Name: TopicDeadLetter, Partitions: 3, Retention: 7 * day},
	}
}

// Admin wraps the kadm client for topic setup and lag checks
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates the claims topics that do not exist yet
func (a *Admin) EnsureTopics(ctx context.Context, replication int16) error {
	return a.CreateMissing(ctx, ClaimsTopics(), replication)
}

// CreateMissing creates each listed topic absent from the cluster. A topic created
// concurrently by another service counts as present.
func (a *Admin) CreateMissing(ctx context.Context, specs []TopicSpec, replication int16) error {
	existing, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}
	missing := missingTopics(specs, existing)

	var errs []error
	for _, s := range missing {
		resp, err := a.client.CreateTopic(ctx, s.Partitions, replication, s.configs(), s.Name)
		switch {
		case err == nil && resp.Err == nil:
			a.logger.Info("topic created",
				zap.String("topic", s.Name),
				zap.Int32("partitions", s.Partitions),
				zap.Int16("replication", replication))
		case err == nil && errors.Is(resp.Err, kerr.TopicAlreadyExists):
		case err == nil:
			errs = append(errs, fmt.Errorf("create topic %s: %w", s.Name, resp.Err))
		default:
			errs = append(errs, fmt.Errorf("create topic %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func missingTopics(specs []TopicSpec, existing []string) []TopicSpec {
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	var missing []TopicSpec
	for _, s := range specs {
		if !have[s.Name] {
			missing = append(missing, s)
		}
	}
	return missing
}

// ListTopics returns the sorted names of the cluster's topics
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	details, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := details.Names()
	sort.Strings(names)
	return names, nil
}

// GroupLag sums the committed-offset lag of group per topic
func (a *Admin) GroupLag(ctx context.Context, group string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("lag of %s: %w", group, err)
	}
	total := make(map[string]int64)
	lags.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				if p.Lag > 0 {
					total[topic] += p.Lag
				}
			}
		}
	})
	return total, nil
}

func (a *Admin) Close() { a.client.Close() }

// HealthCheck pings the brokers within ctx's deadline, or 5s without one
func HealthCheck(ctx context.Context, brokers []string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("broker client: %w", err)
	}
	defer cl.Close()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers %v: %w", brokers, err)
	}
	return nil
}
