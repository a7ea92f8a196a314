package promise

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetThenResolve(t *testing.T) {
	m := New[string, string]()
	f := m.Get("T1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := f.Await(context.Background())
		if err != nil {
			t.Error(err)
		}
		if v != "foo" {
			t.Errorf("expected foo got %q", v)
		}
	}()

	if m.Resolve("T1", "foo") {
		t.Error("expected Resolve on a pending key to report false")
	}
	<-done
}

func TestResolveThenGet(t *testing.T) {
	m := New[string, string]()
	installed := m.Resolve("T2", "foo")
	if !installed {
		t.Error("expected Resolve on an absent key to report true (fresh entry installed)")
	}

	f := m.Get("T2")
	v, err := f.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "foo" {
		t.Errorf("expected foo got %q", v)
	}
}

func TestResolveOverwritesSettledEntry(t *testing.T) {
	m := New[string, string]()
	m.Resolve("T3", "first")
	m.Resolve("T3", "second")

	v, err := m.Get("T3").Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "second" {
		t.Errorf("expected overwrite to second, got %q", v)
	}
}

func TestRejectAllSkipsSettled(t *testing.T) {
	m := New[string, string]()
	m.Get("pending1")
	m.Get("pending2")
	m.Resolve("settled", "done")

	n := m.RejectAll(errors.New("shutdown"))
	if n != 2 {
		t.Errorf("expected 2 pending entries rejected, got %d", n)
	}
	if !m.IsFulfilled("settled") {
		t.Error("expected settled entry to remain fulfilled")
	}
}

func TestDeleteRejectsPending(t *testing.T) {
	m := New[string, string]()
	f := m.Get("T4")

	if !m.Delete("T4") {
		t.Error("expected Delete to report the key existed")
	}
	_, err := f.Await(context.Background())
	if !errors.Is(err, ErrDeleted) {
		t.Errorf("expected ErrDeleted got %v", err)
	}
	if m.Has("T4") {
		t.Error("expected key to be gone after Delete")
	}
}

func TestClearRejectsAllPending(t *testing.T) {
	m := New[string, string]()
	f1 := m.Get("a")
	f2 := m.Get("b")

	n := m.Clear()
	if n != 2 {
		t.Errorf("expected 2 entries cleared, got %d", n)
	}
	for _, f := range []Future[string]{f1, f2} {
		if _, err := f.Await(context.Background()); !errors.Is(err, ErrCleared) {
			t.Errorf("expected ErrCleared got %v", err)
		}
	}
}

func TestAwaitTimeout(t *testing.T) {
	m := New[string, string]()
	f := m.Get("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); err == nil {
		t.Error("expected timeout error")
	}

	// The future keeps running in the background: a later Get
	// observes the eventual resolution.
	m.Resolve("slow", "late")
	v, err := m.Get("slow").Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "late" {
		t.Errorf("expected late got %q", v)
	}
}

func TestSingleEntryPerKey(t *testing.T) {
	m := New[string, string]()
	f1 := m.Get("k")
	f2 := m.Get("k")

	m.Resolve("k", "v")

	v1, _ := f1.Await(context.Background())
	v2, _ := f2.Await(context.Background())
	if v1 != v2 {
		t.Errorf("expected both futures to observe the same value, got %q and %q", v1, v2)
	}
}

func TestTTLExpiresEntry(t *testing.T) {
	m := New[string, string](WithTTL(20 * time.Millisecond))
	m.Resolve("k", "v")

	if !m.Has("k") {
		t.Fatal("expected entry to exist right after Resolve")
	}
	time.Sleep(60 * time.Millisecond)
	if m.Has("k") {
		t.Error("expected entry to expire after TTL")
	}
}
