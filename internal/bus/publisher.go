package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/integrahub/docflow/internal/model"
)

// Publisher writes envelopes to the inbound exchange. Not safe for
// concurrent use; AMQP channels are single-threaded by contract.
type Publisher struct {
	ch *amqp.Channel
}

// NewPublisher opens a channel and ensures the topology exists.
func NewPublisher(b *Broker) (*Publisher, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	if err := DeclareTopology(ch); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

// Publish sends one envelope, routed by its priority. FileBytes rides as
// base64 inside the JSON body.
func (p *Publisher) Publish(ctx context.Context, env model.Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.FileName, err)
	}
	return p.ch.PublishWithContext(ctx, Exchange, RoutingKey(env.Priority), false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    env.EnqueuedAt,
			Body:         body,
		})
}

// Close releases the channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}
