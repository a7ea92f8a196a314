package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireCreatesUpToMax(t *testing.T) {
	var created int32
	p := New(2,
		func(ctx context.Context) (int, error) {
			return int(atomic.AddInt32(&created, 1)), nil
		},
		func(ctx context.Context, r int) (interface{}, error) {
			return nil, nil
		},
	)

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r1 == r2 {
		t.Fatalf("expected distinct resources, got %d and %d", r1, r2)
	}
	if got := atomic.LoadInt32(&created); got != 2 {
		t.Errorf("expected 2 resources created, got %d", got)
	}
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	p := New(1,
		func(ctx context.Context) (int, error) { return 1, nil },
		func(ctx context.Context, r int) (interface{}, error) { return nil, nil },
	)

	ctx := context.Background()
	r, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(waitCtx); err == nil {
		t.Error("expected Acquire to block and time out while at capacity")
	}

	p.Release(r)
}

func TestFairness(t *testing.T) {
	var created int32
	p := New(4,
		func(ctx context.Context) (int, error) { return int(atomic.AddInt32(&created, 1)), nil },
		func(ctx context.Context, r int) (interface{}, error) { return nil, nil },
	)

	ctx := context.Background()
	held := make([]int, 4)
	for i := range held {
		r, err := p.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		held[i] = r
	}

	// Two waiters suspend in order.
	order := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			if _, err := p.Acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			order <- i
		}()
		// Give each goroutine a chance to enqueue before starting the next.
		time.Sleep(10 * time.Millisecond)
	}

	for _, r := range held {
		p.Release(r)
	}
	wg.Wait()
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("expected waiters served in suspension order [0 1], got %v", got)
	}
}

func TestReleaseNotOwnedPanics(t *testing.T) {
	p := New(1,
		func(ctx context.Context) (int, error) { return 1, nil },
		func(ctx context.Context, r int) (interface{}, error) { return nil, nil },
	)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected Release of an unowned resource to panic")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrPoolResourceNotOwned) {
			t.Errorf("expected panic with ErrPoolResourceNotOwned, got %v", r)
		}
	}()
	p.Release(99)
}

func TestDrainAllWaitsForEmptyAndDestroys(t *testing.T) {
	var destroyed []int
	var mu sync.Mutex
	var created int32

	p := New(2,
		func(ctx context.Context) (int, error) { return int(atomic.AddInt32(&created, 1)), nil },
		func(ctx context.Context, r int) (interface{}, error) {
			mu.Lock()
			destroyed = append(destroyed, r)
			mu.Unlock()
			return "closed", nil
		},
	)

	ctx := context.Background()
	r1, _ := p.Acquire(ctx)
	r2, _ := p.Acquire(ctx)
	p.Release(r1)
	p.Release(r2)

	resp, err := p.DrainAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 destroy responses, got %d", len(resp))
	}
	for _, r := range resp {
		if r != "closed" {
			t.Errorf("expected %q got %v", "closed", r)
		}
	}
}

func TestUseReleasesOnError(t *testing.T) {
	p := New(1,
		func(ctx context.Context) (int, error) { return 1, nil },
		func(ctx context.Context, r int) (interface{}, error) { return nil, nil },
	)

	ctx := context.Background()
	_, err := Use(ctx, p, func(r int) (struct{}, error) {
		return struct{}{}, errSentinel
	})
	if err != errSentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	// The resource must have been released despite the error.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(waitCtx); err != nil {
		t.Errorf("expected resource to be available after Use failed, got %v", err)
	}
}

var errSentinel = &sentinelError{}

type sentinelError struct{}

func (*sentinelError) Error() string { return "sentinel" }
