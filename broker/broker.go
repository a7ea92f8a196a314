// Package broker defines the Broker contract task envelopes are
// published through, and the failover strategies a TaskBuilder uses
// to pick the broker for a publish attempt.
package broker

import (
	"context"
	"sync"

	"github.com/marselester/gopher-celery-client/protocol"
)

// Broker transports task envelopes to a worker-visible queue.
type Broker interface {
	// Publish sends env to queue and returns an implementation-defined
	// acknowledgement string, e.g., "flushed to write buffer".
	Publish(ctx context.Context, queue string, env protocol.Envelope) (string, error)
	// Close (aliased by callers as "end") shuts the broker down,
	// releasing pooled connections/channels.
	Close(ctx context.Context) error
}

// Strategy picks the broker a TaskBuilder should use next. prev is
// the broker used for the previous attempt (nil on the very first
// pick); prevFailed reports whether that attempt just failed to
// publish. A Strategy is consulted once per publish attempt, so it
// alone decides whether "current broker" advances on every call
// (round-robin) or only on failure (sticky).
type Strategy func(brokers []Broker, prev Broker, prevFailed bool) Broker

// RoundRobin cycles through brokers on every call regardless of
// prevFailed: the k-th call (1-indexed) returns brokers[(k-1) % N].
func RoundRobin() Strategy {
	var mu sync.Mutex
	var i int
	return func(brokers []Broker, prev Broker, prevFailed bool) Broker {
		if len(brokers) == 0 {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		b := brokers[i%len(brokers)]
		i++
		return b
	}
}

// Sticky keeps returning prev as long as its last use didn't fail,
// and only advances to the next broker in the list on failure (or on
// the first call, when prev is nil).
func Sticky() Strategy {
	var mu sync.Mutex
	var i int
	return func(brokers []Broker, prev Broker, prevFailed bool) Broker {
		if len(brokers) == 0 {
			return nil
		}
		if prev != nil && !prevFailed {
			return prev
		}
		mu.Lock()
		defer mu.Unlock()
		b := brokers[i%len(brokers)]
		i++
		return b
	}
}
