package eventing

import (
	"context"
	"errors"
)

// ProcessedStore provides idempotency checks per consumer.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// HandleOnce runs handler for env unless consumerName already processed its event id.
// The event is marked only after the handler succeeds, so a failed attempt runs again
// on redelivery. A nil store or an envelope without id always runs the handler.
func HandleOnce(ctx context.Context, store ProcessedStore, consumerName string, env Envelope, handler func(ctx context.Context, env Envelope) error) (skipped bool, err error) {
	if handler == nil {
		return false, errors.New("eventing: nil handler")
	}
	ctx = WithEventID(WithCorrelationID(ctx, env.CorrelationID), env.EventID)
	if store == nil || env.EventID == "" {
		return false, handler(ctx, env)
	}
	processed, err := store.HasProcessed(ctx, env.EventID, consumerName)
	if err != nil {
		return false, err
	}
	if processed {
		return true, nil
	}
	if err := handler(ctx, env); err != nil {
		return false, err
	}
	return false, store.MarkProcessed(ctx, env.EventID, consumerName)
}
