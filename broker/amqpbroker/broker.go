// Package amqpbroker implements a Celery broker over AMQP 0-9-1
// (RabbitMQ), publishing task envelopes on the default or a named
// direct exchange with write-backpressure handling.
package amqpbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/marselester/gopher-celery-client/pool"
	"github.com/marselester/gopher-celery-client/protocol"
)

// DefaultPoolSize is the default maximum number of AMQP channels the
// broker keeps open at once.
const DefaultPoolSize = 2

// queueTTL is how long an asserted queue lives with no consumers,
// matching the Celery reference client (86_400_000 ms).
const queueTTL = 86_400_000

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithPoolSize overrides DefaultPoolSize.
func WithPoolSize(n int) Option {
	return func(b *Broker) {
		b.poolSize = n
	}
}

// New dials amqpURI and returns a Broker backed by a bounded channel
// pool.
func New(ctx context.Context, amqpURI string, options ...Option) (*Broker, error) {
	conn, err := amqp.DialConfig(amqpURI, amqp.Config{})
	if err != nil {
		return nil, fmt.Errorf("amqpbroker: dial: %w", err)
	}

	b := Broker{
		logger:   log.NewNopLogger(),
		conn:     conn,
		poolSize: DefaultPoolSize,
	}
	for _, opt := range options {
		opt(&b)
	}

	b.channels = pool.New(
		b.poolSize,
		func(ctx context.Context) (*amqp.Channel, error) {
			return conn.Channel()
		},
		func(ctx context.Context, ch *amqp.Channel) (interface{}, error) {
			return nil, ch.Close()
		},
		pool.WithLogger[*amqp.Channel](b.logger),
	)

	return &b, nil
}

// Broker publishes Celery task envelopes over RabbitMQ.
type Broker struct {
	logger   log.Logger
	conn     *amqp.Connection
	poolSize int
	channels *pool.Pool[*amqp.Channel]
	// declared remembers which (exchange, queue) pairs this broker
	// already asserted, so repeat publishes to the same queue skip
	// redeclaring it. Guarded by mu since publishes run concurrently
	// on separate pooled channels.
	mu       sync.Mutex
	declared map[string]struct{}
}

// Publish declares the target queue (and exchange, if one is given),
// publishes env, and honors AMQP write backpressure by waiting for
// the channel's flow-control signal before retrying.
func (b *Broker) Publish(ctx context.Context, queue string, env protocol.Envelope) (string, error) {
	return pool.Use(ctx, b.channels, func(ch *amqp.Channel) (string, error) {
		exchange := env.Properties.DeliveryInfo.Exchange
		if err := b.declare(ch, exchange, queue); err != nil {
			return "", err
		}

		headers, err := headersTable(env.Headers)
		if err != nil {
			return "", fmt.Errorf("amqpbroker: encode headers: %w", err)
		}

		pub := amqp.Publishing{
			ContentEncoding: "utf-8",
			ContentType:     env.ContentType,
			CorrelationId:   env.Properties.CorrelationID,
			DeliveryMode:    uint8(env.Properties.DeliveryMode),
			Headers:         headers,
			Priority:        uint8(env.Properties.Priority),
			ReplyTo:         env.Properties.ReplyTo,
			Body:            []byte(env.Body),
		}

		for {
			err := ch.PublishWithContext(ctx, exchange, queue, false, false, pub)
			if err == nil {
				return "flushed to write buffer", nil
			}
			if !isBufferFull(err) {
				return "", fmt.Errorf("amqpbroker: publish: %w", err)
			}
			level.Debug(b.logger).Log("msg", "write buffer full, waiting for drain", "queue", queue)
			select {
			case <-ch.NotifyFlow(make(chan bool, 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	})
}

// declare asserts queue (non-durable, non-auto-delete, 24h TTL) and,
// if exchange isn't the default "", asserts it as a direct exchange
// too. The default exchange can't be redeclared, so it's skipped.
func (b *Broker) declare(ch *amqp.Channel, exchange, queue string) error {
	key := exchange + "\x00" + queue
	b.mu.Lock()
	if b.declared == nil {
		b.declared = make(map[string]struct{})
	}
	_, ok := b.declared[key]
	b.mu.Unlock()
	if ok {
		return nil
	}

	_, err := ch.QueueDeclare(queue, false, false, false, false, amqp.Table{
		"x-expires": queueTTL,
	})
	if err != nil {
		return fmt.Errorf("amqpbroker: declare queue %q: %w", queue, err)
	}

	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "direct", false, false, false, false, nil); err != nil {
			return fmt.Errorf("amqpbroker: declare exchange %q: %w", exchange, err)
		}
		if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
			return fmt.Errorf("amqpbroker: bind queue %q to exchange %q: %w", queue, exchange, err)
		}
	}

	b.mu.Lock()
	b.declared[key] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Close drains the channel pool and closes the underlying connection.
func (b *Broker) Close(ctx context.Context) error {
	if _, err := b.channels.DrainAll(ctx); err != nil {
		level.Error(b.logger).Log("msg", "failed to drain amqp channel pool", "err", err)
	}
	return b.conn.Close()
}

// headersTable converts the envelope's typed headers into an AMQP
// table, preserving the exact JSON shape a Celery worker expects.
func headersTable(h protocol.Headers) (amqp.Table, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return amqp.Table(m), nil
}

// isBufferFull reports whether err signals that the channel's write
// buffer rejected the publish and a retry after drain is warranted,
// as opposed to a hard failure that should trigger broker failover.
func isBufferFull(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.ResourceError
}
