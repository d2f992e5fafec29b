package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mlm-ledger/internal/eventing"
	eventingmem "mlm-ledger/internal/eventing/infrastructure/memory"
	ledger "mlm-ledger/internal/ledger/domain"
	ordernats "mlm-ledger/internal/orders/interfaces/nats"
	settlement "mlm-ledger/internal/settlement/domain"
)

type settleCall struct {
	kind  string
	order settlement.Order
}

type fakeSettler struct {
	mu      sync.Mutex
	calls   []settleCall
	failFor map[string]error
}

func (s *fakeSettler) SettleOrderDelivery(ctx context.Context, order settlement.Order) ([]*ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, settleCall{kind: "settle", order: order})
	if err := s.failFor[order.ID]; err != nil {
		return nil, err
	}
	return []*ledger.Transaction{{OperationID: settlement.AccrualOperationID(order.ID)}}, nil
}

func (s *fakeSettler) UnsettleOrder(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, settleCall{kind: "unsettle", order: settlement.Order{ID: orderID}})
	return nil, s.failFor[orderID]
}

func (s *fakeSettler) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

type fakeOrders map[string]settlement.Order

func (o fakeOrders) OrderByID(ctx context.Context, id string) (*settlement.Order, error) {
	order, ok := o[id]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

type fakePromo struct {
	released []string
}

func (p *fakePromo) CancelUsage(ctx context.Context, orderID string) (bool, error) {
	p.released = append(p.released, orderID)
	return true, nil
}

func envelope(t *testing.T, eventID string, payload any) []byte {
	t.Helper()
	env, err := eventing.BuildEnvelope(payload, eventing.Meta{EventID: eventID})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func newConsumer(t *testing.T, settler *fakeSettler, opts ...ordernats.Option) *ordernats.Consumer {
	t.Helper()
	consumer, err := ordernats.NewConsumer(settler, "orders", opts...)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	return consumer
}

func TestOrderConsumer_DeliveredSettlesOncePerEvent(t *testing.T) {
	settler := &fakeSettler{}
	consumer := newConsumer(t, settler, ordernats.WithProcessedStore(eventingmem.NewProcessedStore()))
	order := settlement.Order{
		ID:            "o-1",
		UserID:        "buyer",
		ItemsSubtotal: decimal.NewFromInt(1000),
		CreatedAt:     time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
	}
	data := envelope(t, "evt-1", order)

	for i := 0; i < 3; i++ {
		if got := consumer.Handle(context.Background(), "orders.delivered", data); got != ordernats.OutcomeAck {
			t.Fatalf("delivery %d: expected ack, got %s", i, got)
		}
	}
	if settler.count("settle") != 1 {
		t.Fatalf("expected one settle call, got %d", settler.count("settle"))
	}
	if got := settler.calls[0].order; got.UserID != "buyer" || !got.ItemsSubtotal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestOrderConsumer_RetryableFailureIsNotAcked(t *testing.T) {
	settler := &fakeSettler{failFor: map[string]error{
		"o-2": fmt.Errorf("%w: graph down", settlement.ErrLookupFailed),
	}}
	consumer := newConsumer(t, settler, ordernats.WithProcessedStore(eventingmem.NewProcessedStore()))
	data := envelope(t, "evt-2", settlement.Order{ID: "o-2", UserID: "buyer", ItemsSubtotal: decimal.NewFromInt(10)})

	if got := consumer.Handle(context.Background(), "orders.delivered", data); got != ordernats.OutcomeRetry {
		t.Fatalf("expected retry, got %s", got)
	}
	delete(settler.failFor, "o-2")
	if got := consumer.Handle(context.Background(), "orders.delivered", data); got != ordernats.OutcomeAck {
		t.Fatalf("redelivery: expected ack, got %s", got)
	}
	if settler.count("settle") != 2 {
		t.Fatalf("redelivery must call settle again, got %d", settler.count("settle"))
	}
}

func TestOrderConsumer_PermanentFailuresAreDropped(t *testing.T) {
	settler := &fakeSettler{failFor: map[string]error{
		"o-ghost": fmt.Errorf("%w: ghost", settlement.ErrBuyerNotFound),
	}}
	consumer := newConsumer(t, settler)
	ctx := context.Background()

	cases := []struct {
		name    string
		subject string
		data    []byte
	}{
		{name: "garbage", subject: "orders.delivered", data: []byte("not json")},
		{name: "unknown subject", subject: "orders.shipped", data: envelope(t, "evt-3", map[string]string{"id": "o-3"})},
		{name: "buyer missing", subject: "orders.delivered", data: envelope(t, "evt-4", settlement.Order{ID: "o-ghost", UserID: "ghost", ItemsSubtotal: decimal.NewFromInt(1)})},
		{name: "id only without source", subject: "orders.delivered", data: envelope(t, "evt-5", map[string]string{"order_id": "o-5"})},
		{name: "cancel without id", subject: "orders.cancelled", data: envelope(t, "evt-6", map[string]string{"reason": "x"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := consumer.Handle(ctx, tc.subject, tc.data); got != ordernats.OutcomeDrop {
				t.Fatalf("expected drop, got %s", got)
			}
		})
	}
}

func TestOrderConsumer_IDOnlyEventLoadsOrder(t *testing.T) {
	settler := &fakeSettler{}
	orders := fakeOrders{"o-7": {ID: "o-7", UserID: "buyer", ItemsSubtotal: decimal.NewFromInt(500)}}
	consumer := newConsumer(t, settler, ordernats.WithOrderSource(orders))

	if got := consumer.Handle(context.Background(), "orders.delivered", envelope(t, "evt-7", map[string]string{"order_id": "o-7"})); got != ordernats.OutcomeAck {
		t.Fatalf("expected ack, got %s", got)
	}
	if settler.calls[0].order.UserID != "buyer" {
		t.Fatalf("order not loaded: %+v", settler.calls[0].order)
	}
}

func TestOrderConsumer_CancelledUnsettlesAndReleasesPromo(t *testing.T) {
	settler := &fakeSettler{}
	promo := &fakePromo{}
	consumer := newConsumer(t, settler, ordernats.WithPromo(promo))

	if got := consumer.Handle(context.Background(), "orders.cancelled", envelope(t, "evt-8", map[string]string{"id": "o-8"})); got != ordernats.OutcomeAck {
		t.Fatalf("expected ack, got %s", got)
	}
	if settler.count("unsettle") != 1 || settler.calls[0].order.ID != "o-8" {
		t.Fatalf("unexpected calls: %+v", settler.calls)
	}
	if len(promo.released) != 1 || promo.released[0] != "o-8" {
		t.Fatalf("promo usage not released: %v", promo.released)
	}

	settler.failFor = map[string]error{"o-9": errors.New("db down")}
	if got := consumer.Handle(context.Background(), "orders.cancelled", envelope(t, "evt-9", map[string]string{"id": "o-9"})); got != ordernats.OutcomeRetry {
		t.Fatalf("expected retry, got %s", got)
	}
	if len(promo.released) != 1 {
		t.Fatalf("promo must not be released when unsettle fails")
	}
}
