// Package rpcbackend implements a Celery RPC result backend over
// RabbitMQ: each client owns a dedicated, per-app reply queue and
// dispatches deliveries to callers by correlation id.
package rpcbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/marselester/gopher-celery-client/backend"
	"github.com/marselester/gopher-celery-client/pool"
	"github.com/marselester/gopher-celery-client/promise"
	"github.com/marselester/gopher-celery-client/protocol"
)

// DefaultPoolSize is the default maximum number of pooled AMQP
// publish channels. The dedicated consumer channel is opened outside
// the pool and doesn't count against it.
const DefaultPoolSize = 2

// queueTTL matches the Celery reference client's reply queue TTL.
const queueTTL = 86_400_000

// ErrURIUnsupported is returned by URI: the RPC backend doesn't keep
// enough connection state to reconstruct one.
var ErrURIUnsupported = fmt.Errorf("rpcbackend: URI is not supported")

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithPoolSize overrides DefaultPoolSize.
func WithPoolSize(n int) Option {
	return func(b *Backend) {
		b.poolSize = n
	}
}

// New connects to amqpURI, asserts a reply queue named routingKey
// (the owning app's id, by convention), and starts consuming it with
// no-ack.
func New(ctx context.Context, amqpURI, routingKey string, options ...Option) (*Backend, error) {
	conn, err := amqp.DialConfig(amqpURI, amqp.Config{})
	if err != nil {
		return nil, fmt.Errorf("rpcbackend: dial: %w", err)
	}

	b := Backend{
		logger:     log.NewNopLogger(),
		conn:       conn,
		routingKey: routingKey,
		poolSize:   DefaultPoolSize,
		results:    promise.New[string, []byte](),
	}
	for _, opt := range options {
		opt(&b)
	}

	b.consumerCh, err = conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rpcbackend: open consumer channel: %w", err)
	}
	if _, err := b.consumerCh.QueueDeclare(routingKey, false, false, false, false, amqp.Table{
		"x-expires": queueTTL,
	}); err != nil {
		return nil, fmt.Errorf("rpcbackend: declare reply queue: %w", err)
	}

	deliveries, err := b.consumerCh.Consume(routingKey, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rpcbackend: consume reply queue: %w", err)
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

	go b.dispatch(deliveries)

	return &b, nil
}

// Backend is an RPC result backend over RabbitMQ.
type Backend struct {
	logger     log.Logger
	conn       *amqp.Connection
	routingKey string
	poolSize   int
	consumerCh *amqp.Channel
	channels   *pool.Pool[*amqp.Channel]
	results    *promise.Map[string, []byte]
}

// dispatch settles the pending future for each delivery's
// correlation id. If the RabbitMQ server cancels the consumer (the
// deliveries channel closes), every pending future is rejected.
func (b *Backend) dispatch(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		b.results.Resolve(d.CorrelationId, d.Body)
	}
	b.results.RejectAll(fmt.Errorf("rpcbackend: RabbitMQ cancelled consumer"))
}

// Put asserts the client's reply queue and sends env to it with the
// correlation id set to the task id, so the dispatcher can route the
// eventual reply.
func (b *Backend) Put(ctx context.Context, env protocol.Result) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("rpcbackend: encode result: %w", err)
	}

	return pool.Use(ctx, b.channels, func(ch *amqp.Channel) (string, error) {
		if _, err := ch.QueueDeclare(b.routingKey, false, false, false, false, amqp.Table{
			"x-expires": queueTTL,
		}); err != nil {
			return "", fmt.Errorf("rpcbackend: declare queue: %w", err)
		}

		for {
			err := ch.PublishWithContext(ctx, "", b.routingKey, false, false, amqp.Publishing{
				ContentType:     "application/json",
				ContentEncoding: "utf-8",
				CorrelationId:   env.TaskID,
				DeliveryMode:    amqp.Transient,
				Priority:        0,
				Body:            raw,
			})
			if err == nil {
				return "flushed to write buffer", nil
			}
			if !isBufferFull(err) {
				return "", fmt.Errorf("rpcbackend: publish: %w", err)
			}
			select {
			case <-ch.NotifyFlow(make(chan bool, 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	})
}

// Get waits for the reply correlated with taskID.
func (b *Backend) Get(ctx context.Context, taskID string, opts backend.GetOptions) (protocol.Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	raw, err := b.results.Get(taskID).Await(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	var env protocol.Result
	if err := json.Unmarshal(raw, &env); err != nil {
		return protocol.Result{}, fmt.Errorf("rpcbackend: decode result: %w", err)
	}
	return env, nil
}

// Delete removes taskID's entry from the keyed future map. It does
// not purge RabbitMQ itself; the reply queue expires on its own.
func (b *Backend) Delete(ctx context.Context, taskID string) (string, error) {
	if b.results.Delete(taskID) {
		return "deleted", nil
	}
	return "no result found", nil
}

// Close rejects every pending future, cancels the consumer, drains
// the channel pool, and closes the connection.
func (b *Backend) Close(ctx context.Context) error {
	b.results.RejectAll(fmt.Errorf("rpcbackend: disconnecting: %w", backend.ErrClosed))

	if err := b.consumerCh.Cancel("", false); err != nil {
		level.Error(b.logger).Log("msg", "failed to cancel consumer", "err", err)
	}
	if err := b.consumerCh.Close(); err != nil {
		level.Error(b.logger).Log("msg", "failed to close consumer channel", "err", err)
	}
	if _, err := b.channels.DrainAll(ctx); err != nil {
		level.Error(b.logger).Log("msg", "failed to drain rpc channel pool", "err", err)
	}
	return b.conn.Close()
}

// URI is unimplemented for the RPC backend.
func (b *Backend) URI() (string, error) {
	return "", ErrURIUnsupported
}

// isBufferFull reports whether err signals AMQP write backpressure
// that warrants waiting for a flow signal and retrying, as opposed to
// a hard failure.
func isBufferFull(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.ResourceError
}
