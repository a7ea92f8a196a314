// Package redisbroker implements a Celery broker over Redis: it
// LPUSHes the JSON-encoded task envelope onto the list named by the
// target queue ("celery" by default), the same list Celery workers
// BRPOP from.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-kit/log"
	"github.com/gomodule/redigo/redis"

	"github.com/marselester/gopher-celery-client/protocol"
)

// DefaultQueue is the Celery broker list name.
const DefaultQueue = "celery"

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithPool sets a Redis connection pool.
func WithPool(pool *redis.Pool) Option {
	return func(b *Broker) {
		b.pool = pool
	}
}

// New creates a broker backed by Redis. By default it connects to
// localhost.
func New(options ...Option) *Broker {
	br := Broker{
		logger: log.NewNopLogger(),
	}
	for _, opt := range options {
		opt(&br)
	}

	if br.pool == nil {
		br.pool = &redis.Pool{
			Dial: func() (redis.Conn, error) {
				return redis.DialURL("redis://localhost")
			},
		}
	}
	return &br
}

// envelope is the JSON shape LPUSHed onto the broker list, matching
// the wire format a Celery worker's BRPOP consumer expects.
type envelope struct {
	Body            string              `json:"body"`
	ContentEncoding string              `json:"content-encoding"`
	ContentType     string              `json:"content-type"`
	Headers         protocol.Headers    `json:"headers"`
	Properties      protocol.Properties `json:"properties"`
}

// Broker is a Redis broker that LPUSHes task envelopes.
type Broker struct {
	logger log.Logger
	pool   *redis.Pool
}

// Publish encodes env as JSON and LPUSHes it onto queue.
func (b *Broker) Publish(ctx context.Context, queue string, env protocol.Envelope) (string, error) {
	raw, err := json.Marshal(envelope{
		Body:            env.Body,
		ContentEncoding: "utf-8",
		ContentType:     env.ContentType,
		Headers:         env.Headers,
		Properties:      env.Properties,
	})
	if err != nil {
		return "", fmt.Errorf("redisbroker: encode envelope: %w", err)
	}

	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return "", fmt.Errorf("redisbroker: get connection: %w", err)
	}
	defer conn.Close()

	n, err := redis.Int64(conn.Do("LPUSH", queue, raw))
	if err != nil {
		return "", fmt.Errorf("redisbroker: LPUSH %q: %w", queue, err)
	}
	return strconv.FormatInt(n, 10), nil
}

// Close is a synchronous disconnect of the connection pool.
func (b *Broker) Close(ctx context.Context) error {
	return b.pool.Close()
}
