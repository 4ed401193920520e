package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/observability/metrics"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topics            []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// StartOffset is "earliest" or "latest" for a group without commits
	StartOffset string
	// RetryBackoff is the first delay before a failed record is retried;
	// it doubles up to MaxRetryBackoff
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for charge intake
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "claims-charge-intake",
		Topics:            []string{TopicChargeIntake},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     50 << 20,
		StartOffset:       "earliest",
		RetryBackoff:      200 * time.Millisecond,
		MaxRetryBackoff:   30 * time.Second,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record handed to a MessageHandler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer delivers records to its handler in partition order. A failing
// record is retried with backoff and blocks its partition, so offsets are
// only committed past records the handler accepted.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	read    atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
	retries atomic.Int64
}

// NewConsumer creates a new Redpanda consumer. m may be nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConsumerConfig().RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop stops consuming, commits handled offsets and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.client.CommitMarkedOffsets(ctx)
	if err != nil {
		c.logger.Warn("commit on stop failed", zap.Error(err))
	}
	c.client.Close()
	return err
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.errors.Add(1)
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			handled := 0
			for _, record := range p.Records {
				if !c.deliver(record) {
					break
				}
				c.client.MarkCommitRecords(record)
				handled++
			}
			if handled == 0 {
				return
			}
			if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
				c.logger.Warn("commit failed",
					zap.String("topic", p.Topic),
					zap.Int32("partition", p.Partition),
					zap.Error(err))
			}
		})
	}
}

// deliver runs the handler until it accepts record. It returns false only
// when the consumer is stopping.
func (c *Consumer) deliver(record *kgo.Record) bool {
	msg := toMessage(record)
	backoff := c.config.RetryBackoff

	for attempt := 1; ; attempt++ {
		err := c.handle(record, msg, attempt)
		if err == nil {
			c.read.Add(1)
			c.bytes.Add(int64(len(record.Value)))
			c.metrics.MessageConsumed()
			return true
		}

		c.errors.Add(1)
		c.logger.Warn("message handler failed, retrying",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		c.retries.Add(1)
		backoff = nextBackoff(backoff, c.config.MaxRetryBackoff)
	}
}

func (c *Consumer) handle(record *kgo.Record, msg *ConsumedMessage, attempt int) error {
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, record), "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	err := c.handler(ctx, msg)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

func nextBackoff(d, limit time.Duration) time.Duration {
	if d *= 2; d > limit {
		return limit
	}
	return d
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead int64
	BytesRead    int64
	ErrorCount   int64
	Retries      int64
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead: c.read.Load(),
		BytesRead:    c.bytes.Load(),
		ErrorCount:   c.errors.Load(),
		Retries:      c.retries.Load(),
	}
}
