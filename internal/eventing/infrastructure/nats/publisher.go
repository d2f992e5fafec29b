package nats

import (
	"context"
	"encoding/json"
	"errors"

	natsgo "github.com/nats-io/nats.go"

	"mlm-ledger/internal/eventing"
)

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*natsgo.Conn)(nil)

// Publisher forwards events of type E to a NATS subject wrapped in an envelope.
type Publisher[E any] struct {
	conn    Conn
	subject string
}

// NewPublisher constructs a publisher for subject.
func NewPublisher[E any](conn Conn, subject string) (*Publisher[E], error) {
	if conn == nil {
		return nil, errors.New("nats publisher: nil connection")
	}
	if subject == "" {
		return nil, errors.New("nats publisher: empty subject")
	}
	return &Publisher[E]{conn: conn, subject: subject}, nil
}

// Name implements eventing.Subscriber.
func (p *Publisher[E]) Name() string { return "nats:" + p.subject }

// Handle implements eventing.Subscriber.
func (p *Publisher[E]) Handle(ctx context.Context, event E) error {
	env, err := eventing.BuildEnvelope(event, eventing.MetaFromContext(ctx))
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

// Connect dials a NATS server. An empty url disables NATS and returns nil.
func Connect(url string) (*natsgo.Conn, error) {
	if url == "" {
		return nil, nil
	}
	return natsgo.Connect(url, natsgo.Name("mlm-ledger"))
}
