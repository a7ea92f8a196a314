// Package celery builds and publishes Celery protocol-2 task
// envelopes: a Client holds the broker pool, failover strategy and
// result backend; NewTask opens a TaskBuilder that applies a single
// task invocation and returns a ResultHandle for its result.
package celery

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/marselester/backoff"

	"github.com/marselester/gopher-celery-client/backend"
	"github.com/marselester/gopher-celery-client/broker"
	"github.com/marselester/gopher-celery-client/protocol"
)

// DefaultQueue is the queue new tasks publish to unless overridden.
const DefaultQueue = "celery"

// Client publishes Celery tasks: it owns the broker list, failover
// strategy, and result backend a TaskBuilder draws on.
type Client struct {
	logger   log.Logger
	brokers  []broker.Broker
	strategy broker.Strategy
	backend  backend.Backend
	packer   protocol.Packer
	appID    string

	queue        string
	deliveryMode int
	timeLimit    protocol.TimeLimit

	mu            sync.Mutex
	currentBroker broker.Broker
}

// New builds a Client. WithBrokers must be supplied for apply to ever
// succeed; a Client with no backend configured defaults to one that
// rejects every Get, matching what WithIgnoreResult does per task.
func New(options ...Option) *Client {
	c := Client{
		logger:       log.NewNopLogger(),
		strategy:     broker.RoundRobin(),
		backend:      backend.Noop(),
		packer:       protocol.DefaultPacker{},
		appID:        defaultAppID(),
		queue:        DefaultQueue,
		deliveryMode: protocol.DeliveryPersistent,
	}
	for _, opt := range options {
		opt(&c)
	}
	return &c
}

// defaultAppID mirrors the Celery reference client's own "<pid>@<hostname>"
// origin token.
func defaultAppID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%d@%s", os.Getpid(), host)
}

// Close shuts down every broker and the result backend.
func (c *Client) Close(ctx context.Context) error {
	for _, b := range c.brokers {
		if err := b.Close(ctx); err != nil {
			level.Error(c.logger).Log("msg", "failed to close broker", "err", err)
		}
	}
	return c.backend.Close(ctx)
}

// selectBroker consults the failover strategy for the next broker to
// use, remembering it as the new "current broker" for the next call.
func (c *Client) selectBroker(prevFailed bool) broker.Broker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBroker = c.strategy(c.brokers, c.currentBroker, prevFailed)
	return c.currentBroker
}

// NewTask opens a builder for a single invocation of the named task.
func (c *Client) NewTask(name string, options ...TaskOption) *TaskBuilder {
	t := TaskBuilder{
		client:       c,
		name:         name,
		queue:        c.queue,
		deliveryMode: c.deliveryMode,
		serializer:   protocol.SerializerJSON,
		compression:  protocol.CompressionIdentity,
		timeLimit:    c.timeLimit,
	}
	for _, opt := range options {
		opt(&t)
	}
	return &t
}

// TaskBuilder holds the per-invocation options for a single task and
// applies them to build and publish its envelope.
type TaskBuilder struct {
	client *Client
	name   string

	queue        string
	deliveryMode int
	serializer   protocol.Serializer
	compression  protocol.Compression
	priority     int
	eta          *time.Time
	expires      *time.Time
	ignoreResult bool
	timeLimit    protocol.TimeLimit
}

// Apply builds the task's envelope, publishes it (retrying through
// the failover strategy on every publish error, indefinitely, until
// ctx is done), and returns a ResultHandle whose Get observes the
// eventual result. The returned error is the terminal publish
// failure, if any; it's also recorded on the handle so a later Get
// doesn't have to wait out its own timeout to learn about it.
func (t *TaskBuilder) Apply(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (*ResultHandle, error) {
	env, taskID, err := t.buildEnvelope(args, kwargs)
	if err != nil {
		return nil, err
	}

	rh := newResultHandle(ctx, taskID, t.resultBackend())

	if err := t.publish(ctx, env); err != nil {
		rh.failPublish(err)
		return rh, err
	}
	return rh, nil
}

// ApplyAsync is like Apply but returns the ResultHandle immediately;
// publishing (with failover retries) continues in the background. A
// terminal publish failure is still propagated through the handle
// rather than silently dropped.
func (t *TaskBuilder) ApplyAsync(ctx context.Context, args []interface{}, kwargs map[string]interface{}) *ResultHandle {
	env, taskID, err := t.buildEnvelope(args, kwargs)
	rh := newResultHandle(ctx, taskID, t.resultBackend())
	if err != nil {
		rh.failPublish(err)
		return rh
	}

	go func() {
		if err := t.publish(ctx, env); err != nil {
			rh.failPublish(err)
		}
	}()
	return rh
}

func (t *TaskBuilder) resultBackend() backend.Backend {
	if t.ignoreResult {
		return backend.Noop()
	}
	return t.client.backend
}

// buildEnvelope constructs the protocol-2 envelope: a fresh task id,
// headers, properties, and a packed body.
func (t *TaskBuilder) buildEnvelope(args []interface{}, kwargs map[string]interface{}) (protocol.Envelope, string, error) {
	taskID := uuid.NewString()

	packed, err := t.client.packer.Pack(t.serializer, t.compression, protocol.Params{Args: args, Kwargs: kwargs})
	if err != nil {
		return protocol.Envelope{}, "", fmt.Errorf("celery: pack task body: %w", err)
	}

	headers := protocol.Headers{
		Lang:        protocol.Lang,
		Task:        t.name,
		ID:          taskID,
		RootID:      taskID,
		ParentID:    nil,
		Timelimit:   [2]*float64{t.timeLimit.Soft, t.timeLimit.Hard},
		Compression: packed.CompressionMime,
		Eta:         isoOrNil(t.eta),
		Expires:     isoOrNil(t.expires),
		Origin:      t.client.appID,
		Retries:     0,
	}

	props := protocol.Properties{
		CorrelationID: taskID,
		ReplyTo:       t.client.appID,
		BodyEncoding:  packed.BodyEncoding,
		DeliveryMode:  t.deliveryMode,
		DeliveryInfo:  protocol.DeliveryInfo{Exchange: "", RoutingKey: t.queue},
		Priority:      t.priority,
	}

	env := protocol.Envelope{
		Headers:     headers,
		Properties:  props,
		ContentType: t.serializer.MimeType(),
		Body:        packed.Body,
	}
	return env, taskID, nil
}

func isoOrNil(at *time.Time) *string {
	if at == nil {
		return nil
	}
	s := at.Format(time.RFC3339)
	return &s
}

// publish sends env to the current broker, failing over to the next
// one (per the client's Strategy) on every publish error, backing
// off between attempts. ctx bounds the total retry duration; retries
// are otherwise unbounded.
func (t *TaskBuilder) publish(ctx context.Context, env protocol.Envelope) error {
	if len(t.client.brokers) == 0 {
		return ErrNoBrokers
	}

	prevFailed := false
	r := backoff.NewDecorrJitter(
		backoff.WithMaxRetries(math.MaxInt32),
		backoff.WithMultiplier(100*time.Millisecond),
		backoff.WithMaxWait(5*time.Second),
	)
	return backoff.Run(ctx, r, func(attempt int) error {
		b := t.client.selectBroker(prevFailed)
		_, err := b.Publish(ctx, t.queue, env)
		prevFailed = err != nil
		if err != nil {
			level.Error(t.client.logger).Log("msg", "publish failed, failing over", "attempt", attempt, "task", t.name, "err", err)
		}
		return err
	})
}
