package celery

import (
	"context"
	"sync"
	"time"

	"github.com/marselester/gopher-celery-client/backend"
)

// ResultHandle wraps a single backend Get call started at
// construction. Get(timeout) races the underlying wait against a
// timer; the outcome is memoized, so calling Get more than once
// returns the same value.
type ResultHandle struct {
	taskID  string
	backend backend.Backend

	done   chan struct{}
	value  interface{}
	getErr error

	publishFailOnce sync.Once
	publishFailed   chan struct{}
	publishErr      error
}

// newResultHandle starts backend.Get(taskID) in the background and
// returns a handle that later Get calls race against.
func newResultHandle(ctx context.Context, taskID string, be backend.Backend) *ResultHandle {
	rh := &ResultHandle{
		taskID:        taskID,
		backend:       be,
		done:          make(chan struct{}),
		publishFailed: make(chan struct{}),
	}
	go func() {
		defer close(rh.done)
		res, err := be.Get(ctx, taskID, backend.GetOptions{})
		if err != nil {
			rh.getErr = err
			return
		}
		rh.value = res.Result
	}()
	return rh
}

// failPublish records a terminal publish failure (the envelope never
// reached a broker). It's surfaced through Get so a caller doesn't
// wait out a Get timeout for a result that will never arrive.
func (rh *ResultHandle) failPublish(err error) {
	rh.publishFailOnce.Do(func() {
		rh.publishErr = err
		close(rh.publishFailed)
	})
}

// Get returns the task's result, waiting up to timeout for it to
// arrive. A zero timeout waits indefinitely. A timeout doesn't cancel
// the underlying wait: if it eventually resolves, a later Get call
// observes it.
func (rh *ResultHandle) Get(timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		select {
		case <-rh.done:
			return rh.value, rh.getErr
		case <-rh.publishFailed:
			return nil, rh.publishErr
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rh.done:
		return rh.value, rh.getErr
	case <-rh.publishFailed:
		return nil, rh.publishErr
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Delete removes the task's stored/pending result.
func (rh *ResultHandle) Delete(ctx context.Context) (string, error) {
	return rh.backend.Delete(ctx, rh.taskID)
}
