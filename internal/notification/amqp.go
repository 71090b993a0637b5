package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel the AMQP notifier uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes notifications as JSON events on a topic exchange.
// The routing key is the message kind.
type AMQPNotifier struct {
	mu       sync.Mutex
	ch       Publisher
	exchange string
}

// NewAMQPNotifier wraps a channel whose exchange is already declared.
func NewAMQPNotifier(ch Publisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, exchange: exchange}
}

type event struct {
	Kind        string         `json:"kind"`
	Destination string         `json:"destination"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// Send publishes the message as a persistent delivery.
func (n *AMQPNotifier) Send(ctx context.Context, message Message) error {
	payload, err := json.Marshal(event{
		Kind:        message.Kind,
		Destination: message.Destination,
		Body:        message.Body,
		Data:        message.Data,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	// amqp091 channels are not safe for concurrent publishing.
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch.PublishWithContext(ctx, n.exchange, message.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
}

// Fanout sends every message to all notifiers and returns the first error.
type Fanout []Notifier

// Send implements Notifier.
func (f Fanout) Send(ctx context.Context, message Message) error {
	var first error
	for _, n := range f {
		if err := n.Send(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
