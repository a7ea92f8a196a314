package celery

import (
	"time"

	"github.com/go-kit/log"

	"github.com/marselester/gopher-celery-client/backend"
	"github.com/marselester/gopher-celery-client/broker"
	"github.com/marselester/gopher-celery-client/protocol"
)

// Option sets up a Client.
type Option func(*Client)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBrokers sets the brokers a Client publishes through and the
// failover strategy used to pick among them. Pre-dial each broker
// (amqpbroker.New, redisbroker.New, ...) before passing it in; the
// Client never owns broker construction.
func WithBrokers(strategy broker.Strategy, brokers ...broker.Broker) Option {
	return func(c *Client) {
		c.strategy = strategy
		c.brokers = brokers
	}
}

// WithBackend sets the result backend used unless a task opts out
// via WithIgnoreResult. Defaults to a no-op backend that rejects
// every Get.
func WithBackend(b backend.Backend) Option {
	return func(c *Client) {
		c.backend = b
	}
}

// WithPacker overrides the packer used to serialize/compress task
// bodies. Defaults to protocol.DefaultPacker.
func WithPacker(p protocol.Packer) Option {
	return func(c *Client) {
		c.packer = p
	}
}

// WithAppID overrides the "<pid>@<hostname>" origin/reply-to
// identifier a Client stamps on every envelope it builds.
func WithAppID(id string) Option {
	return func(c *Client) {
		c.appID = id
	}
}

// WithQueue sets the default queue new tasks publish to, unless
// overridden per task with WithTaskQueue. Defaults to "celery".
func WithQueue(name string) Option {
	return func(c *Client) {
		c.queue = name
	}
}

// WithTransientDelivery makes new tasks non-persistent by default
// (AMQP delivery_mode 1). The default is persistent (2).
func WithTransientDelivery() Option {
	return func(c *Client) {
		c.deliveryMode = protocol.DeliveryTransient
	}
}

// WithTimeLimits sets the default soft/hard execution time limits
// (in seconds once encoded) new tasks carry unless overridden per
// task. A zero duration means "no limit".
func WithTimeLimits(soft, hard time.Duration) Option {
	return func(c *Client) {
		c.timeLimit = durationsToTimeLimit(soft, hard)
	}
}

// TaskOption configures a single TaskBuilder.
type TaskOption func(*TaskBuilder)

// WithTaskQueue overrides the queue this task publishes to.
func WithTaskQueue(name string) TaskOption {
	return func(t *TaskBuilder) {
		t.queue = name
	}
}

// WithTransientTask marks this task non-persistent (delivery_mode 1).
func WithTransientTask() TaskOption {
	return func(t *TaskBuilder) {
		t.deliveryMode = protocol.DeliveryTransient
	}
}

// WithPriority sets the task's priority, 0-255.
func WithPriority(p int) TaskOption {
	return func(t *TaskBuilder) {
		t.priority = p
	}
}

// WithSerializer selects the body serializer, json or yaml.
func WithSerializer(s protocol.Serializer) TaskOption {
	return func(t *TaskBuilder) {
		t.serializer = s
	}
}

// WithCompression selects the body compressor. Requesting gzip
// actually compresses with zlib while labeling the MIME as
// application/x-gzip, matching the Celery reference worker.
func WithCompression(c protocol.Compression) TaskOption {
	return func(t *TaskBuilder) {
		t.compression = c
	}
}

// WithETA schedules the task to run no earlier than at.
func WithETA(at time.Time) TaskOption {
	return func(t *TaskBuilder) {
		t.eta = &at
	}
}

// WithExpires makes the task expire (and be dropped by the worker
// without running) after at.
func WithExpires(at time.Time) TaskOption {
	return func(t *TaskBuilder) {
		t.expires = &at
	}
}

// WithTaskTimeLimits overrides the client's default soft/hard
// execution time limits for this task.
func WithTaskTimeLimits(soft, hard time.Duration) TaskOption {
	return func(t *TaskBuilder) {
		t.timeLimit = durationsToTimeLimit(soft, hard)
	}
}

// WithIgnoreResult makes apply/applyAsync use a no-op backend for
// this task: Get always rejects, regardless of the Client's
// configured backend.
func WithIgnoreResult() TaskOption {
	return func(t *TaskBuilder) {
		t.ignoreResult = true
	}
}

func durationsToTimeLimit(soft, hard time.Duration) protocol.TimeLimit {
	var tl protocol.TimeLimit
	if soft > 0 {
		s := soft.Seconds()
		tl.Soft = &s
	}
	if hard > 0 {
		h := hard.Seconds()
		tl.Hard = &h
	}
	return tl
}
