package celery

import "errors"

// ErrNoBrokers is returned when a Client has no brokers configured.
var ErrNoBrokers = errors.New("celery: no brokers configured")

// ErrTimeout is returned by ResultHandle.Get when the supplied
// timeout elapses before a result arrives. The underlying wait
// continues in the background; a later Get call (or the result
// backend's own cache) still observes the eventual outcome.
var ErrTimeout = errors.New("celery: get timed out")
