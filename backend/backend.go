// Package backend defines the Backend contract task results are
// stored and retrieved through.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/marselester/gopher-celery-client/protocol"
)

// ErrClosed is the rejection reason a pending Get observes when the
// backend shuts down before its result arrived. Check with errors.Is;
// implementations wrap it with their own context.
var ErrClosed = errors.New("backend: closed")

// GetOptions configures a single Get call.
type GetOptions struct {
	// Timeout bounds how long Get waits for the result to arrive. A
	// zero Timeout means wait indefinitely.
	Timeout time.Duration
}

// Backend stores and retrieves task results.
type Backend interface {
	// Put stores env, making it available to a matching Get.
	Put(ctx context.Context, env protocol.Result) (string, error)
	// Get returns the result envelope for taskID, waiting for it to
	// arrive if necessary.
	Get(ctx context.Context, taskID string, opts GetOptions) (protocol.Result, error)
	// Delete removes a stored/pending result and returns an
	// implementation-defined response.
	Delete(ctx context.Context, taskID string) (string, error)
	// Close (aliased by callers as "end") shuts the backend down.
	Close(ctx context.Context) error
	// URI returns a lossy reconstruction of the backend's connection
	// URI, or an error if unsupported (e.g., the RPC backend).
	URI() (string, error)
}
