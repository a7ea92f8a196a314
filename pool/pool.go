// Package pool implements a bounded lending pool for shared resources
// such as AMQP channels or Redis connections.
//
// At most max resources are ever alive at once. Callers Acquire a
// resource, use it, and Release it; if no resource is idle and the
// pool is already at capacity, Acquire blocks until one is released.
// Waiters are served in FIFO order, and so are idle resources, so
// long-unused resources get recycled instead of starved out.
package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ErrPoolResourceNotOwned is the panic value Release uses when handed
// a resource this pool never checked out. It is a fatal programmer
// error, not a recoverable condition; it's a sentinel so recover
// handlers can identify it with errors.Is.
var ErrPoolResourceNotOwned = errors.New("pool: resource is not checked out of this pool")

// Factory creates a new resource. It is called by Acquire
// when the pool hasn't reached max yet and no resource is idle.
type Factory[T any] func(ctx context.Context) (T, error)

// Destroyer disposes of a resource during DrainAll and returns
// an implementation-defined response, e.g., a close confirmation.
type Destroyer[T any] func(ctx context.Context, resource T) (interface{}, error)

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithLogger sets a structured logger.
func WithLogger[T any](logger log.Logger) Option[T] {
	return func(p *Pool[T]) {
		p.logger = logger
	}
}

// WithMetrics registers gauges tracking pool occupancy under the given
// Prometheus registerer. It is safe to omit; the pool works without
// metrics.
func WithMetrics[T any](reg prometheus.Registerer, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metrics = newMetrics(reg, name)
	}
}

// New creates a bounded pool that lends at most max resources at a time.
// factory creates a resource on demand; destroy disposes of idle
// resources during DrainAll.
func New[T any](max int, factory Factory[T], destroy Destroyer[T], options ...Option[T]) *Pool[T] {
	p := Pool[T]{
		max:     max,
		factory: factory,
		destroy: destroy,
		logger:  log.NewNopLogger(),
		mu:      make(chan struct{}, 1),
		idle:    make([]T, 0, max),
		inUse:   make(map[any]struct{}, max),
		empty:   make(chan struct{}),
	}
	// The pool starts out empty, hence already "empty".
	close(p.empty)

	for _, opt := range options {
		opt(&p)
	}
	return &p
}

type acquireResult[T any] struct {
	resource T
	err      error
}

// Pool lends at most max resources of type T to concurrent callers.
//
// T should be a comparable type (typically a pointer, e.g.
// *amqp.Channel); Release identifies a checked-out resource by value
// equality. The zero value of Pool is not usable; construct with New.
type Pool[T any] struct {
	logger  log.Logger
	metrics *metrics

	max     int
	factory Factory[T]
	destroy Destroyer[T]

	mu      chan struct{} // 1-buffered mutex; see lock/unlock.
	idle    []T
	inUse   map[any]struct{}
	waiters []chan acquireResult[T]
	// empty is closed whenever inUse becomes empty, and replaced by a
	// fresh unclosed channel on the next checkout. DrainAll waits on it.
	empty chan struct{}
}

func (p *Pool[T]) owned() int {
	return len(p.idle) + len(p.inUse)
}

func (p *Pool[T]) lock() {
	p.mu <- struct{}{}
}

func (p *Pool[T]) unlock() {
	<-p.mu
}

// checkout records r as checked out. Caller must hold the lock. It
// re-arms the "empty" signal the first time a resource is lent out.
func (p *Pool[T]) checkout(r T) {
	if len(p.inUse) == 0 {
		p.empty = make(chan struct{})
	}
	p.inUse[any(r)] = struct{}{}
}

// Acquire returns an idle resource, creating one if the pool hasn't
// reached max yet, or blocks in FIFO order until one becomes
// available. The context cancels only the wait, not an in-flight
// factory call. The pool lock is held while the factory runs, so
// concurrent Acquire calls can't create more than max resources.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	p.lock()

	if n := len(p.idle); n > 0 {
		r := p.idle[0]
		p.idle = p.idle[1:]
		p.checkout(r)
		p.unlock()
		p.observe()
		return r, nil
	}

	if p.owned() < p.max {
		r, err := p.factory(ctx)
		if err != nil {
			p.unlock()
			var zero T
			return zero, fmt.Errorf("pool: create resource: %w", err)
		}

		p.checkout(r)
		p.unlock()
		p.observe()
		return r, nil
	}

	// At capacity: enqueue as a FIFO waiter and suspend.
	ch := make(chan acquireResult[T], 1)
	p.waiters = append(p.waiters, ch)
	p.unlock()

	select {
	case res := <-ch:
		p.observe()
		return res.resource, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Release returns resource to the pool. If a waiter is queued it is
// handed the resource directly without requeuing; otherwise the
// resource joins the idle queue. Releasing a resource this pool did
// not check out is a programmer error and panics.
func (p *Pool[T]) Release(resource T) {
	p.lock()

	if _, ok := p.inUse[any(resource)]; !ok {
		p.unlock()
		panic(ErrPoolResourceNotOwned)
	}
	delete(p.inUse, any(resource))

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse[any(resource)] = struct{}{}
		p.unlock()
		ch <- acquireResult[T]{resource: resource}
		return
	}

	p.idle = append(p.idle, resource)
	if len(p.inUse) == 0 {
		close(p.empty)
	}
	p.unlock()
	p.observe()
}

// Use acquires a resource, invokes fn, and releases it whether fn
// succeeds or fails.
func Use[T, R any](ctx context.Context, p *Pool[T], fn func(T) (R, error)) (R, error) {
	r, err := p.Acquire(ctx)
	if err != nil {
		var zero R
		return zero, err
	}
	defer p.Release(r)
	return fn(r)
}

// DrainAll waits for every checked-out resource to be released, then
// destroys every idle resource concurrently and returns the
// destroyer's responses. Calling DrainAll while Acquire calls are
// still in flight is a caller error (undefined behavior per spec).
func (p *Pool[T]) DrainAll(ctx context.Context) ([]interface{}, error) {
	p.lock()
	empty := p.empty
	p.unlock()

	select {
	case <-empty:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.lock()
	toDestroy := p.idle
	p.idle = nil
	p.unlock()

	responses := make([]interface{}, len(toDestroy))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range toDestroy {
		i, r := i, r
		g.Go(func() error {
			resp, err := p.destroy(gctx, r)
			responses[i] = resp
			return err
		})
	}
	if err := g.Wait(); err != nil {
		level.Error(p.logger).Log("msg", "pool drain failed to destroy a resource", "err", err)
		return responses, err
	}
	return responses, nil
}

func (p *Pool[T]) observe() {
	if p.metrics == nil {
		return
	}
	p.lock()
	idle, inUse, waiters := len(p.idle), len(p.inUse), len(p.waiters)
	p.unlock()
	p.metrics.idle.Set(float64(idle))
	p.metrics.inUse.Set(float64(inUse))
	p.metrics.waiters.Set(float64(waiters))
}

type metrics struct {
	idle    prometheus.Gauge
	inUse   prometheus.Gauge
	waiters prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, name string) *metrics {
	m := metrics{
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pool_idle_resources",
			Help:        "Number of idle resources currently held by the pool.",
			ConstLabels: prometheus.Labels{"pool": name},
		}),
		inUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pool_in_use_resources",
			Help:        "Number of resources currently checked out of the pool.",
			ConstLabels: prometheus.Labels{"pool": name},
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pool_waiters",
			Help:        "Number of Acquire calls currently blocked waiting for a resource.",
			ConstLabels: prometheus.Labels{"pool": name},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.idle, m.inUse, m.waiters)
	}
	return &m
}
