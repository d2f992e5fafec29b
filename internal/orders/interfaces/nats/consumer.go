package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"mlm-ledger/internal/eventing"
	ledger "mlm-ledger/internal/ledger/domain"
	settlement "mlm-ledger/internal/settlement/domain"
)

const (
	consumerName   = "order-settlement"
	defaultQueue   = "mlm-ledger"
	defaultStream  = "ORDERS"
	defaultAckWait = 30 * time.Second
	defaultRetries = 20
)

// Settler settles delivered orders and reverses cancelled ones.
type Settler interface {
	SettleOrderDelivery(ctx context.Context, order settlement.Order) ([]*ledger.Transaction, error)
	UnsettleOrder(ctx context.Context, orderID string) ([]*ledger.Transaction, error)
}

// OrderSource loads an order when the event only names it.
type OrderSource interface {
	OrderByID(ctx context.Context, id string) (*settlement.Order, error)
}

// PromoCanceller releases the promo usage held by a cancelled order.
type PromoCanceller interface {
	CancelUsage(ctx context.Context, orderID string) (bool, error)
}

// Outcome tells the transport what to do with a message.
type Outcome int

const (
	// OutcomeAck acknowledges the message.
	OutcomeAck Outcome = iota
	// OutcomeRetry leaves the message for redelivery.
	OutcomeRetry
	// OutcomeDrop terminates a message that can never succeed.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	default:
		return "drop"
	}
}

// Option configures the consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOrderSource lets events carry only the order id.
func WithOrderSource(orders OrderSource) Option {
	return func(c *Consumer) { c.orders = orders }
}

// WithPromo releases promo usages on cancellation.
func WithPromo(promo PromoCanceller) Option {
	return func(c *Consumer) { c.promo = promo }
}

// WithProcessedStore skips envelopes this consumer already handled.
func WithProcessedStore(store eventing.ProcessedStore) Option {
	return func(c *Consumer) { c.processed = store }
}

// WithQueue overrides the queue group and durable name.
func WithQueue(queue string) Option {
	return func(c *Consumer) {
		if queue != "" {
			c.queue = queue
		}
	}
}

// Consumer turns order lifecycle events into settlement calls.
type Consumer struct {
	settler   Settler
	orders    OrderSource
	promo     PromoCanceller
	processed eventing.ProcessedStore
	prefix    string
	queue     string
	logger    *log.Logger
}

// NewConsumer constructs a consumer for "<prefix>.delivered" and "<prefix>.cancelled".
func NewConsumer(settler Settler, prefix string, opts ...Option) (*Consumer, error) {
	if settler == nil {
		return nil, errors.New("order consumer: nil settler")
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return nil, errors.New("order consumer: empty subject prefix")
	}
	c := &Consumer{settler: settler, prefix: prefix, queue: defaultQueue, logger: log.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DeliveredSubject is the subject of delivered-order events.
func (c *Consumer) DeliveredSubject() string { return c.prefix + ".delivered" }

// CancelledSubject is the subject of cancelled-order events.
func (c *Consumer) CancelledSubject() string { return c.prefix + ".cancelled" }

type orderRef struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
}

func (r orderRef) id() string {
	if r.ID != "" {
		return r.ID
	}
	return r.OrderID
}

// Handle processes one message body received on subject.
func (c *Consumer) Handle(ctx context.Context, subject string, data []byte) Outcome {
	env, err := decodeEnvelope(data)
	if err != nil {
		c.logger.Printf("order consumer: subject=%s drop err=%v", subject, err)
		return OutcomeDrop
	}

	var handler func(ctx context.Context, env eventing.Envelope) error
	switch subject {
	case c.DeliveredSubject():
		handler = c.delivered
	case c.CancelledSubject():
		handler = c.cancelled
	default:
		c.logger.Printf("order consumer: subject=%s event=%s drop unknown subject", subject, env.EventID)
		return OutcomeDrop
	}

	skipped, err := eventing.HandleOnce(ctx, c.processed, consumerName, env, handler)
	switch {
	case err == nil && skipped:
		c.logger.Printf("order consumer: subject=%s event=%s already processed", subject, env.EventID)
		return OutcomeAck
	case err == nil:
		return OutcomeAck
	case permanent(err):
		c.logger.Printf("order consumer: subject=%s event=%s drop err=%v", subject, env.EventID, err)
		return OutcomeDrop
	default:
		c.logger.Printf("order consumer: subject=%s event=%s retry err=%v", subject, env.EventID, err)
		return OutcomeRetry
	}
}

func (c *Consumer) delivered(ctx context.Context, env eventing.Envelope) error {
	var order settlement.Order
	if err := env.Decode(&order); err != nil {
		return fmt.Errorf("%w: %v", settlement.ErrInvalidOrder, err)
	}
	if order.UserID == "" {
		var ref orderRef
		_ = env.Decode(&ref)
		loaded, err := c.load(ctx, ref.id())
		if err != nil {
			return err
		}
		order = *loaded
	}
	txs, err := c.settler.SettleOrderDelivery(ctx, order)
	if err != nil {
		return err
	}
	c.logger.Printf("order consumer: settled order=%s event=%s legs=%d", order.ID, env.EventID, len(txs))
	return nil
}

func (c *Consumer) cancelled(ctx context.Context, env eventing.Envelope) error {
	var ref orderRef
	if err := env.Decode(&ref); err != nil || ref.id() == "" {
		return fmt.Errorf("%w: cancellation without order id", settlement.ErrInvalidOrder)
	}
	orderID := ref.id()
	reversals, err := c.settler.UnsettleOrder(ctx, orderID)
	if err != nil {
		return err
	}
	released := false
	if c.promo != nil {
		released, err = c.promo.CancelUsage(ctx, orderID)
		if err != nil {
			return err
		}
	}
	c.logger.Printf("order consumer: unsettled order=%s event=%s reversals=%d promo_released=%t", orderID, env.EventID, len(reversals), released)
	return nil
}

func (c *Consumer) load(ctx context.Context, orderID string) (*settlement.Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: event without order id", settlement.ErrInvalidOrder)
	}
	if c.orders == nil {
		return nil, fmt.Errorf("%w: order %s has no buyer and no order source is configured", settlement.ErrInvalidOrder, orderID)
	}
	order, err := c.orders.OrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: %v", settlement.ErrLookupFailed, orderID, err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s not found", settlement.ErrInvalidOrder, orderID)
	}
	return order, nil
}

func decodeEnvelope(data []byte) (eventing.Envelope, error) {
	var env eventing.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return eventing.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return eventing.Envelope{}, errors.New("decode envelope: empty payload")
	}
	return env, nil
}

func permanent(err error) bool {
	return errors.Is(err, settlement.ErrInvalidOrder) || errors.Is(err, settlement.ErrBuyerNotFound)
}

// Run subscribes both subjects through JetStream with manual acks and blocks until
// ctx is cancelled. A message whose handling fails is not acked and comes back after
// the ack wait.
func (c *Consumer) Run(ctx context.Context, conn *natsgo.Conn) error {
	if conn == nil {
		return errors.New("order consumer: nil connection")
	}
	js, err := conn.JetStream()
	if err != nil {
		return fmt.Errorf("order consumer: jetstream: %w", err)
	}
	if err := c.ensureStream(js); err != nil {
		return err
	}

	var subs []*natsgo.Subscription
	for _, subject := range []string{c.DeliveredSubject(), c.CancelledSubject()} {
		durable := c.queue + "-" + strings.ReplaceAll(subject, ".", "-")
		sub, err := js.QueueSubscribe(subject, durable, func(m *natsgo.Msg) {
			c.settle(ctx, m)
		}, natsgo.Durable(durable), natsgo.ManualAck(), natsgo.AckWait(defaultAckWait), natsgo.MaxDeliver(defaultRetries))
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("order consumer: subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	c.logger.Printf("order consumer: running subjects=%s,%s queue=%s", c.DeliveredSubject(), c.CancelledSubject(), c.queue)

	<-ctx.Done()
	c.logger.Printf("order consumer: draining subscriptions")
	for _, s := range subs {
		_ = s.Drain()
	}
	return nil
}

func (c *Consumer) settle(ctx context.Context, m *natsgo.Msg) {
	var err error
	switch c.Handle(ctx, m.Subject, m.Data) {
	case OutcomeAck:
		err = m.Ack()
	case OutcomeRetry:
		err = m.Nak()
	default:
		err = m.Term()
	}
	if err != nil {
		c.logger.Printf("order consumer: subject=%s ack err=%v", m.Subject, err)
	}
}

func (c *Consumer) ensureStream(js natsgo.JetStreamContext) error {
	_, err := js.StreamInfo(defaultStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, natsgo.ErrStreamNotFound) {
		return fmt.Errorf("order consumer: stream info: %w", err)
	}
	_, err = js.AddStream(&natsgo.StreamConfig{
		Name:     defaultStream,
		Subjects: []string{c.prefix + ".>"},
	})
	if err != nil {
		return fmt.Errorf("order consumer: add stream: %w", err)
	}
	return nil
}
