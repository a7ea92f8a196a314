package redisbackend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/marselester/gopher-celery-client/backend"
	"github.com/marselester/gopher-celery-client/protocol"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := New(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := b.Close(context.Background()); err != nil {
			t.Error(err)
		}
	})
	return b
}

func TestPutThenGet(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	env := protocol.Result{
		TaskID: "11111111-1111-4111-8111-111111111111",
		Status: protocol.StatusSuccess,
		Result: "foo",
	}
	if _, err := b.Put(ctx, env); err != nil {
		t.Fatal(err)
	}

	got, err := b.Get(ctx, env.TaskID, backend.GetOptions{Timeout: 15 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != "foo" {
		t.Errorf("expected foo got %v", got.Result)
	}
}

func TestGetObservesPublishedBeforeGetWasCalled(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	taskID := "22222222-2222-4222-8222-222222222222"

	env := protocol.Result{TaskID: taskID, Status: protocol.StatusSuccess, Result: "bar"}
	raw, _ := json.Marshal(env)

	pub := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	t.Cleanup(func() { pub.Close() })

	// Give the subscription a moment, then publish directly (not via
	// Put), simulating a message that arrives before Get is invoked.
	time.Sleep(20 * time.Millisecond)
	if err := pub.Publish(ctx, KeyPrefix+taskID, raw).Err(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	got, err := b.Get(ctx, taskID, backend.GetOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != "bar" {
		t.Errorf("expected bar got %v", got.Result)
	}
}

func TestPutSetsTTL(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	taskID := "33333333-3333-4333-8333-333333333333"

	if _, err := b.Put(ctx, protocol.Result{TaskID: taskID, Status: protocol.StatusSuccess, Result: 1}); err != nil {
		t.Fatal(err)
	}

	d, err := b.client.TTL(ctx, KeyPrefix+taskID).Result()
	if err != nil {
		t.Fatal(err)
	}
	if d < 86398*time.Second {
		t.Errorf("expected TTL close to 24h, got %v", d)
	}
}

func TestDeleteRemovesBothSides(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	taskID := "44444444-4444-4444-8444-444444444444"

	if _, err := b.Put(ctx, protocol.Result{TaskID: taskID, Status: protocol.StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	resp, err := b.Delete(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "1" {
		t.Errorf("expected redis DEL response 1, got %q", resp)
	}

	n, err := b.client.Exists(ctx, KeyPrefix+taskID).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("expected key to no longer exist")
	}
}
