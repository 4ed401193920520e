package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/observability/metrics"
)

// Acks levels
const (
	AcksAll    = "all"
	AcksLeader = "leader"
	AcksNone   = "none"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers            []string
	BatchMaxBytes      int32
	Linger             time.Duration
	MaxBufferedRecords int
	// Compression is one of lz4, snappy, gzip, zstd or none
	Compression string
	// Acks is AcksAll, AcksLeader or AcksNone. Only AcksAll keeps
	// idempotent writes enabled.
	Acks         string
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns defaults for relaying claim events
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		BatchMaxBytes:      1 << 20,
		Linger:             10 * time.Millisecond,
		MaxBufferedRecords: 100_000,
		Compression:        "lz4",
		Acks:               AcksAll,
		MaxRetries:         3,
		RetryBackoff:       100 * time.Millisecond,
	}
}

// Message is a record to produce
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Producer produces records to Redpanda. It serves as the outbox relay's
// publisher and the follow-up notifier's publisher.
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	sent      atomic.Int64
	bytesSent atomic.Int64
	failed    atomic.Int64
}

// NewProducer creates a new Redpanda producer. m may be nil.
func NewProducer(cfg ProducerConfig, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := producerOpts(cfg)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
		metrics: m,
	}, nil
}

var codecs = map[string]kgo.CompressionCodec{
	"lz4":    kgo.Lz4Compression(),
	"snappy": kgo.SnappyCompression(),
	"gzip":   kgo.GzipCompression(),
	"zstd":   kgo.ZstdCompression(),
	"none":   kgo.NoCompression(),
	"":       kgo.NoCompression(),
}

func producerOpts(cfg ProducerConfig) ([]kgo.Opt, error) {
	codec, ok := codecs[cfg.Compression]
	if !ok {
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}

	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
		kgo.ProducerBatchCompression(codec),
	}

	switch cfg.Acks {
	case AcksAll, "":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case AcksLeader:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case AcksNone:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("unknown acks level %q", cfg.Acks)
	}
	return opts, nil
}

// Publish produces one record and waits for its acknowledgement
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.PublishMessages(ctx, Message{Topic: topic, Key: key, Value: value})
}

// PublishMessages produces msgs and waits until all are acknowledged. The
// first failure is returned; records of one key keep their order.
func (p *Producer) PublishMessages(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "produce_messages",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", msgs[0].Topic),
			attribute.Int("messages", len(msgs)),
		))
	defer span.End()

	records := make([]*kgo.Record, len(msgs))
	for i, m := range msgs {
		records[i] = toRecord(ctx, m)
	}

	results := p.client.ProduceSync(ctx, records...)
	for _, r := range results {
		if r.Err != nil {
			p.failed.Add(1)
			continue
		}
		p.sent.Add(1)
		p.bytesSent.Add(int64(len(r.Record.Value)))
		p.metrics.MessageProduced()
	}

	if err := results.FirstErr(); err != nil {
		span.RecordError(err)
		p.logger.Error("produce failed",
			zap.String("topic", msgs[0].Topic),
			zap.Int("messages", len(msgs)),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", msgs[0].Topic, err)
	}
	p.logger.Debug("messages produced",
		zap.String("topic", msgs[0].Topic),
		zap.Int("messages", len(msgs)))
	return nil
}

func toRecord(ctx context.Context, m Message) *kgo.Record {
	r := &kgo.Record{Topic: m.Topic, Key: []byte(m.Key), Value: m.Value}
	for k, v := range m.Headers {
		r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	injectTraceHeaders(ctx, r)
	return r
}

// Flush blocks until all buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.Flush(ctx)
	if err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
	return err
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.sent.Load(),
		BytesSent:    p.bytesSent.Load(),
		ErrorCount:   p.failed.Load(),
	}
}
