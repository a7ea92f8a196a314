package broker

import (
	"context"
	"testing"

	"github.com/marselester/gopher-celery-client/protocol"
)

type fakeBroker struct{ name string }

func (f *fakeBroker) Publish(ctx context.Context, queue string, env protocol.Envelope) (string, error) {
	return "", nil
}
func (f *fakeBroker) Close(ctx context.Context) error { return nil }

func TestRoundRobin(t *testing.T) {
	brokers := []Broker{
		&fakeBroker{"a"}, &fakeBroker{"b"}, &fakeBroker{"c"},
	}
	s := RoundRobin()

	want := []string{"a", "b", "c", "a", "b", "c"}
	var prev Broker
	for i, w := range want {
		b := s(brokers, prev, false)
		got := b.(*fakeBroker).name
		if got != w {
			t.Errorf("publish %d: expected %q got %q", i, w, got)
		}
		prev = b
	}
}

func TestStickyStaysUntilFailure(t *testing.T) {
	brokers := []Broker{&fakeBroker{"a"}, &fakeBroker{"b"}}
	s := Sticky()

	b1 := s(brokers, nil, false)
	b2 := s(brokers, b1, false)
	if b1 != b2 {
		t.Error("expected sticky strategy to keep the same broker absent a failure")
	}

	b3 := s(brokers, b2, true)
	if b3 == b2 {
		t.Error("expected sticky strategy to move off a failed broker")
	}

	b4 := s(brokers, b3, false)
	if b4 != b3 {
		t.Error("expected sticky strategy to stay on the new broker absent a failure")
	}
}
