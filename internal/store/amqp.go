package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotifierClosed is returned once Close has been called
var ErrNotifierClosed = errors.New("notifier closed")

// AMQPConfig configures the RabbitMQ notifier
type AMQPConfig struct {
	URL        string
	Exchange   string
	MaxRetries int
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff between redials of a lost broker
	MaxRetryDelay time.Duration
}

// AMQPNotifier publishes token changes to a fanout exchange so workers in
// other processes hear about them. A lost broker connection is redialled on
// the next publish and by every subscriber.
type AMQPNotifier struct {
	cfg    AMQPConfig
	logger *logrus.Logger
	dial   func(url string) (*amqp.Connection, error)

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
	done    chan struct{}
}

// DialAMQP connects to RabbitMQ, retrying while the broker comes up
func DialAMQP(cfg AMQPConfig, logger *logrus.Logger) (*AMQPNotifier, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 6 * cfg.RetryDelay
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "pumpbot.tokens"
	}

	a := &AMQPNotifier{cfg: cfg, logger: logger, dial: amqp.Dial, done: make(chan struct{})}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return nil, err
	}
	logger.WithField("exchange", cfg.Exchange).Info("✅ Connected to RabbitMQ")
	return a, nil
}

// connectLocked dials the broker and declares the exchange. The caller
// holds a.mu.
func (a *AMQPNotifier) connectLocked() error {
	var conn *amqp.Connection
	var err error
	for i := 0; i < a.cfg.MaxRetries; i++ {
		conn, err = a.dial(a.cfg.URL)
		if err == nil {
			break
		}
		if i < a.cfg.MaxRetries-1 {
			a.logger.WithFields(logrus.Fields{
				"attempt": i + 1,
				"max":     a.cfg.MaxRetries,
			}).WithError(err).Warn("⚠️ Failed to connect to RabbitMQ, retrying...")
			time.Sleep(a.cfg.RetryDelay)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", a.cfg.MaxRetries, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		a.cfg.Exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if a.conn != nil && !a.conn.IsClosed() {
		a.conn.Close()
	}
	a.conn = conn
	a.channel = ch
	return nil
}

// connection returns the live connection, redialling a dropped one
func (a *AMQPNotifier) connection() (*amqp.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrNotifierClosed
	}
	if a.conn == nil || a.conn.IsClosed() {
		a.logger.Warn("🔌 RabbitMQ connection lost, redialling")
		if err := a.connectLocked(); err != nil {
			return nil, err
		}
	}
	return a.conn, nil
}

// Publish sends n to the exchange. A publish on a dropped connection
// redials once and tries again.
func (a *AMQPNotifier) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrNotifierClosed
	}

	for attempt := 1; ; attempt++ {
		if a.conn == nil || a.conn.IsClosed() {
			if err = a.connectLocked(); err != nil {
				return fmt.Errorf("failed to publish notification: %w", err)
			}
		}

		err = a.channel.PublishWithContext(ctx, a.cfg.Exchange, n.Key, false, false, msg)
		if err == nil {
			break
		}
		if attempt == 2 || ctx.Err() != nil {
			return fmt.Errorf("failed to publish notification: %w", err)
		}
		a.logger.WithError(err).Warn("⚠️ Publish failed, reopening RabbitMQ channel")
		if a.conn != nil && !a.conn.IsClosed() {
			if ch, cerr := a.conn.Channel(); cerr == nil {
				a.channel = ch
				continue
			}
			a.conn.Close()
		}
	}

	a.logger.WithField("key", n.Key).Debug("📤 Published token notification")
	return nil
}

// Subscribe binds an exclusive queue to the exchange and forwards matching
// notifications until ctx ends or the notifier closes. A dropped delivery
// channel is re-established with backoff; the returned channel stays open
// across broker restarts.
func (a *AMQPNotifier) Subscribe(ctx context.Context, prefix string) (<-chan Notification, error) {
	msgs, ch, err := a.consume()
	if err != nil {
		return nil, err
	}

	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		for {
			lost := a.forward(ctx, msgs, prefix, out)
			ch.Close()
			if !lost {
				return
			}

			msgs, ch, err = a.resubscribe(ctx)
			if err != nil {
				return
			}
		}
	}()

	a.logger.WithField("prefix", prefix).Info("📡 Listening for token notifications")
	return out, nil
}

// forward copies deliveries to out. It reports true when the delivery
// channel closed underneath it.
func (a *AMQPNotifier) forward(ctx context.Context, msgs <-chan amqp.Delivery, prefix string, out chan<- Notification) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-a.done:
			return false
		case msg, ok := <-msgs:
			if !ok {
				a.logger.Warn("⚠️ RabbitMQ delivery channel closed")
				return true
			}
			var n Notification
			if err := json.Unmarshal(msg.Body, &n); err != nil {
				a.logger.WithError(err).Warn("⚠️ Skipping malformed token notification")
				continue
			}
			if !strings.HasPrefix(n.Key, prefix) {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return false
			case <-a.done:
				return false
			}
		}
	}
}

// resubscribe retries consume with exponential backoff until it succeeds,
// ctx ends or the notifier closes.
func (a *AMQPNotifier) resubscribe(ctx context.Context) (<-chan amqp.Delivery, *amqp.Channel, error) {
	delay := a.cfg.RetryDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-a.done:
			return nil, nil, ErrNotifierClosed
		case <-time.After(delay):
		}

		msgs, ch, err := a.consume()
		if err == nil {
			a.logger.WithField("attempt", attempt).Info("✅ Token notifications resumed")
			return msgs, ch, nil
		}
		if errors.Is(err, ErrNotifierClosed) {
			return nil, nil, err
		}
		a.logger.WithError(err).WithField("attempt", attempt).Warn("⚠️ Resubscribe to RabbitMQ failed")

		delay *= 2
		if delay > a.cfg.MaxRetryDelay {
			delay = a.cfg.MaxRetryDelay
		}
	}
}

func (a *AMQPNotifier) consume() (<-chan amqp.Delivery, *amqp.Channel, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", a.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer
		true,  // autoAck
		true,  // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, ch, nil
}

// Close stops every subscriber and closes the connection
func (a *AMQPNotifier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.done)

	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn == nil || a.conn.IsClosed() {
		return nil
	}
	return a.conn.Close()
}
