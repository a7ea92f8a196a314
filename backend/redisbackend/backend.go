// Package redisbackend implements a Celery result backend over
// Redis: results are stored with SETEX and broadcast with PUBLISH,
// and collected via a PSUBSCRIBE pattern subscription backed by a
// keyed future map, falling back to a plain GET for results stored
// before the subscription was ready.
package redisbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/marselester/gopher-celery-client/backend"
	"github.com/marselester/gopher-celery-client/promise"
	"github.com/marselester/gopher-celery-client/protocol"
)

// KeyPrefix namespaces every task result key in Redis.
const KeyPrefix = "celery-task-meta-"

// subscribePattern is the PSUBSCRIBE pattern matching every task
// result channel.
const subscribePattern = KeyPrefix + "*"

// ttl is how long a stored result lives, matching the Celery
// reference client (24h).
const ttl = 24 * time.Hour

// DefaultPoolSize is the default cap on Redis connections the backend
// keeps for the GET-fallback path (separate from the dedicated
// subscriber connection).
const DefaultPoolSize = 2

// channelRe extracts a task id (UUIDv4) out of a pub/sub channel name.
var channelRe = regexp.MustCompile(`^` + KeyPrefix + `([0-9a-fA-F-]{36})$`)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithClient sets the go-redis client to use. Defaults to localhost.
func WithClient(c *goredis.Client) Option {
	return func(b *Backend) {
		b.client = c
	}
}

// New connects to Redis, arms the celery-task-meta-* pattern
// subscription, and returns a ready Backend.
//
// The subscription handshake completes before New returns, so a Get
// call issued immediately afterwards is guaranteed to have its GET
// fallback race correctly against any message published in between.
func New(ctx context.Context, options ...Option) (*Backend, error) {
	b := Backend{
		logger:  log.NewNopLogger(),
		results: promise.New[string, string](promise.WithTTL(ttl)),
	}
	for _, opt := range options {
		opt(&b)
	}
	if b.client == nil {
		// go-redis manages its own internal connection pool, so the
		// GET-fallback connection cap is set through client options
		// instead of a pool.Pool.
		b.client = goredis.NewClient(&goredis.Options{Addr: "localhost:6379", PoolSize: DefaultPoolSize})
	}

	b.sub = b.client.PSubscribe(ctx, subscribePattern)
	if _, err := b.sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redisbackend: psubscribe: %w", err)
	}

	b.ch = b.sub.Channel()
	b.done = make(chan struct{})
	go b.listen()

	return &b, nil
}

// Backend is a Celery result backend over Redis.
type Backend struct {
	logger  log.Logger
	client  *goredis.Client
	sub     *goredis.PubSub
	ch      <-chan *goredis.Message
	done    chan struct{}
	results *promise.Map[string, string]
	// fallback deduplicates concurrent GET calls for the same task id
	// so a burst of Get(taskID) callers triggers a single Redis GET.
	fallback singleflight.Group
}

func (b *Backend) listen() {
	for {
		select {
		case msg, ok := <-b.ch:
			if !ok {
				return
			}
			m := channelRe.FindStringSubmatch(msg.Channel)
			if m == nil {
				level.Error(b.logger).Log("msg", "unrecognized result channel", "channel", msg.Channel)
				continue
			}
			b.results.Resolve(m[1], msg.Payload)
		case <-b.done:
			return
		}
	}
}

// Put stores env under celery-task-meta-<task_id> with a 24h TTL and
// publishes it on the same key, atomically via a MULTI/EXEC pipeline.
func (b *Backend) Put(ctx context.Context, env protocol.Result) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("redisbackend: encode result: %w", err)
	}
	key := KeyPrefix + env.TaskID

	var setResp *goredis.StatusCmd
	_, err = b.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		setResp = p.SetEx(ctx, key, raw, ttl)
		p.Publish(ctx, key, raw)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redisbackend: put: %w", err)
	}
	return setResp.Val(), nil
}

// Get returns the result envelope for taskID. If the pub/sub
// subscription already observed (or later observes) the result, it is
// used; otherwise an immediate GET recovers a value that was stored
// before the subscription took effect.
func (b *Backend) Get(ctx context.Context, taskID string, opts backend.GetOptions) (protocol.Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if b.results.Has(taskID) {
		return b.await(ctx, taskID)
	}

	raw, err, _ := b.fallback.Do(taskID, func() (interface{}, error) {
		return b.client.Get(ctx, KeyPrefix+taskID).Result()
	})
	if err == nil {
		var env protocol.Result
		if jerr := json.Unmarshal([]byte(raw.(string)), &env); jerr == nil && env.Status == protocol.StatusSuccess {
			return env, nil
		}
	} else if err != goredis.Nil {
		level.Error(b.logger).Log("msg", "redis GET fallback failed", "task_id", taskID, "err", err)
	}

	return b.await(ctx, taskID)
}

func (b *Backend) await(ctx context.Context, taskID string) (protocol.Result, error) {
	raw, err := b.results.Get(taskID).Await(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	var env protocol.Result
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return protocol.Result{}, fmt.Errorf("redisbackend: decode result: %w", err)
	}
	return env, nil
}

// Delete removes taskID's entry from the keyed future map and its
// Redis key, returning Redis' DEL response.
func (b *Backend) Delete(ctx context.Context, taskID string) (string, error) {
	b.results.Delete(taskID)
	n, err := b.client.Del(ctx, KeyPrefix+taskID).Result()
	if err != nil {
		return "", fmt.Errorf("redisbackend: delete: %w", err)
	}
	return fmt.Sprint(n), nil
}

// Close unsubscribes and disconnects the client.
func (b *Backend) Close(ctx context.Context) error {
	close(b.done)
	b.results.RejectAll(fmt.Errorf("redisbackend: disconnecting: %w", backend.ErrClosed))
	if err := b.sub.PUnsubscribe(ctx, subscribePattern); err != nil {
		level.Error(b.logger).Log("msg", "failed to punsubscribe", "err", err)
	}
	if err := b.sub.Close(); err != nil {
		level.Error(b.logger).Log("msg", "failed to close subscriber", "err", err)
	}
	return b.client.Close()
}

// URI returns a lossy reconstruction of the client's connection URI.
func (b *Backend) URI() (string, error) {
	opts := b.client.Options()
	return fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB), nil
}
