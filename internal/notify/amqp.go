package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"invoice-collector-go/internal/config"
)

const publishTimeout = 5 * time.Second

// AMQPNotifier publishes events as persistent JSON messages on a topic exchange.
// The connection is opened on first use and re-opened after a failure.
type AMQPNotifier struct {
	url        string
	exchange   string
	routingKey string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewAMQPNotifier(cfg config.NotifyConfig) *AMQPNotifier {
	return &AMQPNotifier{
		url:        cfg.AMQPURL,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
	}
}

func (n *AMQPNotifier) Notify(ctx context.Context, event Event) {
	if err := n.publish(ctx, event); err != nil {
		logrus.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
			"error":      err,
		}).Warn("Failed to publish pipeline event")
	}
}

func (n *AMQPNotifier) publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.connect(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = n.channel.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		n.reset()
		return errors.Wrap(err, "failed to publish event")
	}
	return nil
}

func (n *AMQPNotifier) connect() error {
	if n.conn != nil && !n.conn.IsClosed() && n.channel != nil && !n.channel.IsClosed() {
		return nil
	}
	n.reset()

	conn, err := amqp091.Dial(n.url)
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open channel")
	}

	err = channel.ExchangeDeclare(
		n.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrapf(err, "failed to declare exchange %s", n.exchange)
	}

	n.conn = conn
	n.channel = channel
	return nil
}

func (n *AMQPNotifier) reset() {
	if n.channel != nil {
		n.channel.Close()
		n.channel = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// Close closes the connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reset()
	return nil
}
