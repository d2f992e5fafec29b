package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mlm-ledger/internal/eventing"
	eventingmem "mlm-ledger/internal/eventing/infrastructure/memory"
	eventingnats "mlm-ledger/internal/eventing/infrastructure/nats"
	eventingrepo "mlm-ledger/internal/eventing/infrastructure/postgres"
)

type recorded struct {
	OperationID string
	OccurredAt  time.Time
}

func TestDispatcher_FailingSubscriberIsIsolated(t *testing.T) {
	dispatcher := eventing.NewDispatcher[recorded](nil)
	var got []string
	dispatcher.Subscribe(eventing.SubscriberFunc[recorded]{SubscriberName: "first", Fn: func(ctx context.Context, e recorded) error {
		got = append(got, "first:"+e.OperationID)
		return nil
	}})
	dispatcher.Subscribe(eventing.SubscriberFunc[recorded]{SubscriberName: "broken", Fn: func(ctx context.Context, e recorded) error {
		return errors.New("down")
	}})
	dispatcher.Subscribe(eventing.SubscriberFunc[recorded]{SubscriberName: "panics", Fn: func(ctx context.Context, e recorded) error {
		panic("boom")
	}})
	dispatcher.Subscribe(eventing.SubscriberFunc[recorded]{SubscriberName: "last", Fn: func(ctx context.Context, e recorded) error {
		got = append(got, "last:"+e.OperationID)
		return nil
	}})

	failed := dispatcher.Dispatch(context.Background(), recorded{OperationID: "op-1"})
	if failed != 2 {
		t.Fatalf("expected 2 failures, got %d", failed)
	}
	if len(got) != 2 || got[0] != "first:op-1" || got[1] != "last:op-1" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if dispatcher.Len() != 4 {
		t.Fatalf("expected 4 subscribers, got %d", dispatcher.Len())
	}
}

func TestHandleOnce_SkipsProcessedAndRetriesFailures(t *testing.T) {
	ctx := context.Background()
	store := eventingmem.NewProcessedStore()
	env, err := eventing.BuildEnvelope(recorded{OperationID: "op-2"}, eventing.Meta{EventID: "evt-1"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	calls := 0
	failing := func(ctx context.Context, env eventing.Envelope) error {
		calls++
		return errors.New("transient")
	}
	if _, err := eventing.HandleOnce(ctx, store, "settler", env, failing); err == nil {
		t.Fatalf("expected handler error")
	}

	succeeding := func(ctx context.Context, env eventing.Envelope) error {
		calls++
		if eventing.MetaFromContext(ctx).EventID != "evt-1" {
			t.Fatalf("event id not propagated")
		}
		return nil
	}
	skipped, err := eventing.HandleOnce(ctx, store, "settler", env, succeeding)
	if err != nil || skipped {
		t.Fatalf("retry: skipped=%v err=%v", skipped, err)
	}
	skipped, err = eventing.HandleOnce(ctx, store, "settler", env, succeeding)
	if err != nil || !skipped {
		t.Fatalf("duplicate: skipped=%v err=%v", skipped, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls)
	}

	skipped, err = eventing.HandleOnce(ctx, store, "other-consumer", env, succeeding)
	if err != nil || skipped {
		t.Fatalf("other consumer must run: skipped=%v err=%v", skipped, err)
	}
}

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.data = append(c.data, data)
	return nil
}

func TestNATSPublisher_WrapsEventInEnvelope(t *testing.T) {
	conn := &fakeConn{}
	publisher, err := eventingnats.NewPublisher[recorded](conn, "ledger.transactions.recorded")
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	occurred := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	ctx := eventing.WithCorrelationID(context.Background(), "corr-1")
	if err := publisher.Handle(ctx, recorded{OperationID: "order:1:order_accrual", OccurredAt: occurred}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "ledger.transactions.recorded" {
		t.Fatalf("unexpected subjects: %v", conn.subjects)
	}
	var env eventing.Envelope
	if err := json.Unmarshal(conn.data[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.EventID == "" || env.CorrelationID != "corr-1" || env.Subject != "order:1:order_accrual" || !env.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var payload recorded
	if err := env.Decode(&payload); err != nil || payload.OperationID != "order:1:order_accrual" {
		t.Fatalf("payload: %+v err=%v", payload, err)
	}
}

func TestProcessedStore_RejectsUnusableStore(t *testing.T) {
	ctx := context.Background()
	store := eventingrepo.NewProcessedStore(nil)
	if _, err := store.HasProcessed(ctx, "evt-1", "orders"); err == nil {
		t.Fatalf("expected error without db")
	}
	if err := store.MarkProcessed(ctx, "evt-1", "orders"); err == nil {
		t.Fatalf("expected error without db")
	}
}

func TestProcessedStore_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if !tableExists(db, "processed_events") {
		t.Skip("missing tables; run migrations")
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM processed_events WHERE consumer_name = 'eventing-test'")
	store := eventingrepo.NewProcessedStore(db)
	if err := store.MarkProcessed(ctx, "", "eventing-test"); err == nil {
		t.Fatalf("expected empty event id to be rejected")
	}

	done, err := store.HasProcessed(ctx, "evt-pg-1", "eventing-test")
	if err != nil || done {
		t.Fatalf("fresh event: done=%v err=%v", done, err)
	}
	for i := 0; i < 2; i++ {
		if err := store.MarkProcessed(ctx, "evt-pg-1", "eventing-test"); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
	}
	done, err = store.HasProcessed(ctx, "evt-pg-1", "eventing-test")
	if err != nil || !done {
		t.Fatalf("marked event: done=%v err=%v", done, err)
	}
}

func tableExists(db *sql.DB, name string) bool {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&exists)
	return err == nil && exists
}
