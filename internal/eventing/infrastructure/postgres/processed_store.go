package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var errProcessedKey = errors.New("processed store: event id and consumer are required")

// ProcessedStore remembers order events a consumer has finished, keyed by
// (event_id, consumer_name) in processed_events. JetStream redelivers until an
// ack, so a marked event is acknowledged without running the handler again.
type ProcessedStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewProcessedStore returns a store backed by db.
func NewProcessedStore(db *sql.DB) *ProcessedStore {
	return &ProcessedStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// HasProcessed is true once MarkProcessed ran for the same pair.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	if err := s.check(eventID, consumerName); err != nil {
		return false, err
	}
	var found bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND consumer_name = $2)`,
		eventID, consumerName).Scan(&found)
	return found, err
}

// MarkProcessed is idempotent; marking twice keeps the first timestamp.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	if err := s.check(eventID, consumerName); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO processed_events (event_id, consumer_name, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (event_id, consumer_name) DO NOTHING`,
		eventID, consumerName, s.now())
	return err
}

func (s *ProcessedStore) check(eventID, consumerName string) error {
	if s == nil || s.db == nil {
		return errors.New("processed store: nil db")
	}
	if eventID == "" || consumerName == "" {
		return errProcessedKey
	}
	return nil
}
