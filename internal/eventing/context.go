package eventing

import "context"

type contextKey string

const (
	contextKeyCorr    contextKey = "eventing.correlation_id"
	contextKeyEventID contextKey = "eventing.event_id"
)

// WithCorrelationID sets correlation id in context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// WithEventID sets event id in context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// MetaFromContext builds envelope metadata from context.
func MetaFromContext(ctx context.Context) Meta {
	meta := Meta{}
	if ctx == nil {
		return meta
	}
	if value := ctx.Value(contextKeyCorr); value != nil {
		if corr, ok := value.(string); ok {
			meta.CorrelationID = corr
		}
	}
	if value := ctx.Value(contextKeyEventID); value != nil {
		if id, ok := value.(string); ok {
			meta.EventID = id
		}
	}
	return meta
}
