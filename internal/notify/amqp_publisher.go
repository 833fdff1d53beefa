package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const QueueName = "scheduling_notifications"

// Message is the payload placed on the notification queue. The notification
// collaborator resolves recipient contact details and renders the template.
type Message struct {
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Payload   map[string]any `json:"payload,omitempty"`
	QueuedAt  time.Time      `json:"queued_at"`
}

// AMQPPublisher publishes notification requests to a durable RabbitMQ queue.
type AMQPPublisher struct {
	ch  *amqp.Channel
	log *zap.Logger
	mu  sync.Mutex
}

func NewAMQPPublisher(conn *amqp.Connection, log *zap.Logger) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		QueueName, // name
		true,      // durable
		false,     // autoDelete
		false,     // exclusive
		false,     // noWait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", QueueName, err)
	}

	return &AMQPPublisher{ch: ch, log: log}, nil
}

func (p *AMQPPublisher) Send(ctx context.Context, recipient, template string, payload map[string]any) error {
	body, err := json.Marshal(Message{
		Recipient: recipient,
		Template:  template,
		Payload:   payload,
		QueuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, "", QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		p.log.Warn("notification publish failed",
			zap.String("template", template),
			zap.Error(err),
		)
		return fmt.Errorf("publish notification: %w", err)
	}

	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}
