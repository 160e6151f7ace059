// Package bus carries document envelopes over AMQP. One direct exchange
// fans out to three durable priority queues; the consumer drains the
// highest non-empty priority first while preserving per-queue order.
package bus

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/integrahub/docflow/internal/model"
)

// Exchange is the inbound document exchange. Routing key equals the
// lowercase priority.
const Exchange = "docflow.inbound"

const queuePrefix = "docflow.inbound."

// priorities in drain order.
var priorities = []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow}

// QueueName returns the durable queue for one priority.
func QueueName(p model.Priority) string {
	return queuePrefix + strings.ToLower(string(model.ParsePriority(string(p))))
}

// RoutingKey returns the publish key for one priority.
func RoutingKey(p model.Priority) string {
	return strings.ToLower(string(model.ParsePriority(string(p))))
}

// Broker owns one AMQP connection. Channels are cheap; each consumer and
// publisher opens its own.
type Broker struct {
	url  string
	conn *amqp.Connection
}

// Dial connects to the broker.
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP broker: %w", err)
	}
	return &Broker{url: url, conn: conn}, nil
}

// Channel opens a fresh channel.
func (b *Broker) Channel() (*amqp.Channel, error) {
	return b.conn.Channel()
}

// Close tears the connection down.
func (b *Broker) Close() error {
	return b.conn.Close()
}

// DeclareTopology declares the exchange, the three priority queues and
// their bindings. Idempotent; every process declares on startup.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	for _, p := range priorities {
		name := QueueName(p)
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, RoutingKey(p), Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", name, err)
		}
	}
	return nil
}

// QueueDepth sums the ready messages across the three priority queues.
// Implements the batch sizer's depth probe.
func (b *Broker) QueueDepth(ctx context.Context) (int, error) {
	ch, err := b.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	total := 0
	for _, p := range priorities {
		q, err := ch.QueueInspect(QueueName(p))
		if err != nil {
			return 0, fmt.Errorf("inspect queue %s: %w", QueueName(p), err)
		}
		total += q.Messages
	}
	return total, nil
}
