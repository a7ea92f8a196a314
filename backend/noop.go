package backend

import (
	"context"
	"errors"

	"github.com/marselester/gopher-celery-client/protocol"
)

// ErrIgnored is returned by Noop's Get, since a task built with
// ignoreResult never has a result to retrieve.
var ErrIgnored = errors.New("backend: result ignored for this task")

// Noop is the backend a TaskBuilder substitutes when a task is built
// with ignoreResult: Put is a silent success, Get always rejects.
func Noop() Backend { return noop{} }

type noop struct{}

func (noop) Put(ctx context.Context, env protocol.Result) (string, error) {
	return "ignored", nil
}

func (noop) Get(ctx context.Context, taskID string, opts GetOptions) (protocol.Result, error) {
	return protocol.Result{}, ErrIgnored
}

func (noop) Delete(ctx context.Context, taskID string) (string, error) {
	return "no result found", nil
}

func (noop) Close(ctx context.Context) error { return nil }

func (noop) URI() (string, error) { return "", nil }
