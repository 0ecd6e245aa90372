package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPNotifier publishes delivery requests to a durable topic exchange with
// routing key "verification.<channel>".
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func NewAMQPNotifier(rawURL, exchange string, logger *zap.Logger) (*AMQPNotifier, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return nil, errors.New("AMQP URL must start with amqp:// or amqps://")
	}
	if exchange == "" {
		exchange = "notifications"
	}

	conn, err := amqp.DialConfig(rawURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	n := &AMQPNotifier{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With(zap.String("component", "amqp_notifier")),
	}
	if err := n.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return n, nil
}

// must be called with mu held, or before n is shared
func (n *AMQPNotifier) openChannel() error {
	ch, err := n.conn.Channel()
	if err != nil {
		return fmt.Errorf("open AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange %s: %w", n.exchange, err)
	}
	n.channel = ch
	return nil
}

func (n *AMQPNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	routingKey := "verification." + string(msg.Channel)
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, n.exchange, routingKey, false, false, pub)
	if err == nil {
		return nil
	}

	// one reopen and retry; channels close on any protocol error
	n.logger.Warn("publish failed, reopening channel", zap.String("routing_key", routingKey), zap.Error(err))
	if reopenErr := n.openChannel(); reopenErr != nil {
		return fmt.Errorf("publish notification: %w", errors.Join(err, reopenErr))
	}
	if err := n.channel.PublishWithContext(ctx, n.exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}
