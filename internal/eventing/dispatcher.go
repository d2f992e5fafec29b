package eventing

import (
	"context"
	"fmt"
	"log"
	"sync"

	"mlm-ledger/internal/observability/metrics"
)

// Subscriber receives events of type E.
type Subscriber[E any] interface {
	Name() string
	Handle(ctx context.Context, event E) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc[E any] struct {
	SubscriberName string
	Fn             func(ctx context.Context, event E) error
}

// Name returns the subscriber name.
func (f SubscriberFunc[E]) Name() string { return f.SubscriberName }

// Handle calls the wrapped function.
func (f SubscriberFunc[E]) Handle(ctx context.Context, event E) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, event)
}

// Dispatcher delivers events synchronously to every subscriber in registration order.
// A failing or panicking subscriber is logged and skipped; the others still run.
type Dispatcher[E any] struct {
	mu          sync.RWMutex
	subscribers []Subscriber[E]
	logger      *log.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher[E any](logger *log.Logger) *Dispatcher[E] {
	return &Dispatcher[E]{logger: logger}
}

// Subscribe registers a subscriber.
func (d *Dispatcher[E]) Subscribe(sub Subscriber[E]) {
	if d == nil || sub == nil {
		return
	}
	d.mu.Lock()
	d.subscribers = append(d.subscribers, sub)
	d.mu.Unlock()
}

// Dispatch delivers event to all subscribers and returns how many failed.
func (d *Dispatcher[E]) Dispatch(ctx context.Context, event E) int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	subscribers := append([]Subscriber[E](nil), d.subscribers...)
	d.mu.RUnlock()

	failed := 0
	for _, sub := range subscribers {
		if err := d.deliver(ctx, sub, event); err != nil {
			failed++
			metrics.IncSubscriberFailure(sub.Name())
			if d.logger != nil {
				d.logger.Printf("eventing dispatch: subscriber=%s err=%v", sub.Name(), err)
			}
		}
	}
	return failed
}

func (d *Dispatcher[E]) deliver(ctx context.Context, sub Subscriber[E], event E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventing: subscriber panic: %v", r)
		}
	}()
	return sub.Handle(ctx, event)
}

// Len returns the number of subscribers.
func (d *Dispatcher[E]) Len() int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
