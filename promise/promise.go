// Package promise implements a keyed future map ("PromiseMap"): at
// most one future per key, settled by a producer that may run before
// or after a consumer starts waiting on it.
package promise

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// state is the per-entry lifecycle: Pending -> Fulfilled | Rejected.
type state int

const (
	statePending state = iota
	stateFulfilled
	stateRejected
)

// ErrDeleted is the rejection reason used when a pending entry is
// removed via Delete.
var ErrDeleted = fmt.Errorf("promise: deleted")

// ErrCleared is the rejection reason used when a pending entry is
// removed via Clear.
var ErrCleared = fmt.Errorf("promise: cleared")

// entry is the control block behind a single key. done is the
// settle-handle: closing it is what wakes every Future.Await call
// registered on this entry. Once closed it is never touched again,
// even if the entry is later overwritten.
//
// mu guards state/value/err: settlers run with the map lock held,
// but Await readers don't hold it, and an overwriting Resolve may
// mutate value after done was already closed.
type entry[V any] struct {
	mu    sync.Mutex
	state state
	value V
	err   error
	done  chan struct{}
	timer *time.Timer
}

func newEntry[V any]() *entry[V] {
	return &entry[V]{done: make(chan struct{})}
}

// settle transitions a pending entry to Fulfilled or Rejected,
// firing its settle-handle exactly once. Settling an already settled
// entry overwrites the value/err a subsequent Get will observe, but
// done is already closed and must not be closed again.
func (e *entry[V]) settle(v V, err error) {
	e.mu.Lock()
	e.value, e.err = v, err
	if err != nil {
		e.state = stateRejected
	} else {
		e.state = stateFulfilled
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		// Already closed by a prior settle; this is an overwrite.
	default:
		close(e.done)
	}
}

// Option configures a Map.
type Option func(*options)

type options struct {
	ttl time.Duration
}

// WithTTL schedules an entry for deletion ttl after it was created by
// Get or last settled by Resolve/Reject; Delete stops the timer. A
// zero TTL (the default) disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// New creates an empty Map keyed by K holding futures of V.
func New[K comparable, V any](opts ...Option) *Map[K, V] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Map[K, V]{
		entries: make(map[K]*entry[V]),
		ttl:     o.ttl,
	}
}

// Map holds at most one future per key K, settled with a value or
// error of type V. It is safe for concurrent use.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	ttl     time.Duration
}

// Future is a handle on a single key's eventual outcome.
type Future[V any] struct {
	e *entry[V]
}

// Await blocks until the future settles or ctx is done, whichever
// comes first. The future keeps running in the background if ctx
// expires first; a later Await (or Get) on the same key observes the
// eventual outcome.
func (f Future[V]) Await(ctx context.Context) (V, error) {
	select {
	case <-f.e.done:
		f.e.mu.Lock()
		v, err := f.e.value, f.e.err
		f.e.mu.Unlock()
		return v, err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Get returns the future for key, installing a Pending entry if one
// isn't already present. The TTL deletion timer is armed only when
// Get creates the entry; polling an existing entry doesn't postpone
// its expiry (settles do, see rearm).
func (m *Map[K, V]) Get(key K) Future[V] {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = newEntry[V]()
		m.entries[key] = e
		m.rearm(key, e)
	}
	m.mu.Unlock()
	return Future[V]{e: e}
}

// Resolve settles key with value. It reports true when the key was
// absent (a fresh Fulfilled entry was installed), false when an
// existing entry was settled or overwritten.
func (m *Map[K, V]) Resolve(key K, value V) bool {
	return m.settle(key, value, nil)
}

// Reject settles key with an error reason. Like Resolve, it reports
// true when the key was absent and a fresh Rejected entry was
// installed.
func (m *Map[K, V]) Reject(key K, reason error) bool {
	var zero V
	return m.settle(key, zero, reason)
}

func (m *Map[K, V]) settle(key K, v V, err error) bool {
	m.mu.Lock()
	e, existed := m.entries[key]
	if !existed {
		e = newEntry[V]()
		m.entries[key] = e
	}
	e.settle(v, err)
	m.rearm(key, e)
	m.mu.Unlock()
	return !existed
}

// rearm (re)schedules the TTL deletion timer for key. Caller must
// hold m.mu.
func (m *Map[K, V]) rearm(key K, e *entry[V]) {
	if m.ttl <= 0 {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(m.ttl, func() {
		m.mu.Lock()
		if m.entries[key] == e {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	})
}

// RejectAll rejects every still-pending entry with reason and returns
// how many were rejected. Entries that were settled by overwriting an
// already-settled future (no pending handles left to notify) are
// skipped, as are already-settled entries.
func (m *Map[K, V]) RejectAll(reason error) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	var zero V
	for _, e := range m.entries {
		if e.state == statePending {
			e.settle(zero, reason)
			n++
		}
	}
	return n
}

// Has reports whether key has an entry (pending or settled).
func (m *Map[K, V]) Has(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// IsPending reports whether key exists and hasn't settled yet.
func (m *Map[K, V]) IsPending(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.state == statePending
}

// IsFulfilled reports whether key exists and settled successfully.
func (m *Map[K, V]) IsFulfilled(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.state == stateFulfilled
}

// IsRejected reports whether key exists and settled with an error.
func (m *Map[K, V]) IsRejected(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.state == stateRejected
}

// Delete removes key, rejecting a still-pending future with
// ErrDeleted. It reports whether the key existed.
func (m *Map[K, V]) Delete(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	var zero V
	if e.state == statePending {
		e.settle(zero, ErrDeleted)
	}
	delete(m.entries, key)
	return true
}

// Clear rejects every pending entry with ErrCleared and removes all
// entries, returning how many were present.
func (m *Map[K, V]) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.entries)
	var zero V
	for _, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.state == statePending {
			e.settle(zero, ErrCleared)
		}
	}
	m.entries = make(map[K]*entry[V])
	return n
}
