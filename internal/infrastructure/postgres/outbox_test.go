package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestDeadLetterEnvelope(t *testing.T) {
	lastErr := "broker unavailable"
	created := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	entry := &OutboxEntry{
		ID:          7,
		AggregateID: "CHG-1",
		EventType:   "ClaimDenied",
		Payload:     json.RawMessage(`{"charge_id":"CHG-1"}`),
		Topic:       "claims.lifecycle",
		CreatedAt:   created,
		RetryCount:  5,
		LastError:   &lastErr,
	}

	raw, err := json.Marshal(newDeadLetter(entry))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["original_topic"] != "claims.lifecycle" || got["charge_id"] != "CHG-1" {
		t.Errorf("unexpected envelope %s", raw)
	}
	if got["last_error"] != lastErr || got["retry_count"].(float64) != 5 {
		t.Errorf("unexpected failure fields %s", raw)
	}
	if payload, ok := got["payload"].(map[string]interface{}); !ok || payload["charge_id"] != "CHG-1" {
		t.Errorf("payload should be embedded as JSON, got %s", raw)
	}

	entry.LastError = nil
	raw, _ = json.Marshal(newDeadLetter(entry))
	var bare map[string]interface{}
	_ = json.Unmarshal(raw, &bare)
	if _, ok := bare["last_error"]; ok {
		t.Errorf("last_error should be omitted when unset, got %s", raw)
	}
}

type published struct {
	topic string
	key   string
}

// flakyPublisher fails every publish for keys in failKeys
type flakyPublisher struct {
	mu       sync.Mutex
	failKeys map[string]bool
	sent     []published
}

func (p *flakyPublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failKeys[key] && topic != "test.dead" {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{topic: topic, key: key})
	return nil
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, 4)
	if err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := ApplySchema(ctx, pool, nil); err != nil {
		t.Fatalf("ApplySchema failed: %v", err)
	}
	return pool
}

func writeEntries(t *testing.T, pool *pgxpool.Pool, topic string, keys ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	for i, key := range keys {
		err := WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   key,
			AggregateType: "charge",
			EventType:     fmt.Sprintf("Event%d", i),
			Payload:       json.RawMessage(`{}`),
			Topic:         topic,
			Key:           key,
		})
		if err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestRelayHoldsBackFailedCharge(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	suffix := time.Now().UnixNano()
	good := fmt.Sprintf("CHG-OK-%d", suffix)
	bad := fmt.Sprintf("CHG-BAD-%d", suffix)
	topic := fmt.Sprintf("test.lifecycle.%d", suffix)
	writeEntries(t, pool, topic, bad, good, bad, good)

	pub := &flakyPublisher{failKeys: map[string]bool{bad: true}}
	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 2
	cfg.DeadLetterTopic = "test.dead"
	outbox := NewOutbox(pool, pub, cfg, nil)

	if _, err := outbox.RelayOnce(ctx); err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}

	var goodSent int
	for _, p := range pub.sent {
		if p.key == bad {
			t.Fatalf("failed charge must not be published, got %+v", p)
		}
		if p.key == good {
			goodSent++
		}
	}
	if goodSent != 2 {
		t.Errorf("expected both events of the healthy charge, got %d", goodSent)
	}

	// one retry was charged to the first failed entry only
	var retries []int
	rows, err := pool.Query(ctx, "SELECT retry_count FROM outbox WHERE message_key = $1 ORDER BY id", bad)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			t.Fatalf("scan: %v", err)
		}
		retries = append(retries, n)
	}
	rows.Close()
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 0 {
		t.Errorf("expected retries [1 0], got %v", retries)
	}

	// the second failure exhausts the head entry, which is dead-lettered
	if _, err := outbox.RelayOnce(ctx); err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}
	var dead int
	for _, p := range pub.sent {
		if p.topic == "test.dead" && p.key == bad {
			dead++
		}
	}
	if dead != 1 {
		t.Errorf("expected one dead letter, got %d", dead)
	}

	stats, err := outbox.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.DeadLettered < 1 {
		t.Errorf("expected dead-lettered entries, got %+v", stats)
	}
}
