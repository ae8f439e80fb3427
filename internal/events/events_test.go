package events

import (
	"context"
	"errors"
	"testing"
)

type recordingPublisher struct {
	got []Event
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestMultiPublishesToAll(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("broker down")}
	m := Multi{bad, ok}
	err := m.Publish(context.Background(), New(BookingUpdate, "b1", map[string]string{"status": "accepted"}))
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.got) != 1 || ok.got[0].Key != "b1" {
		t.Fatalf("healthy publisher should still receive the event: %+v", ok.got)
	}
}

func TestRoutingKey(t *testing.T) {
	tests := map[string]string{
		BookingUpdate: "booking.update",
		TripCompleted: "trip.completed",
		PricingUpdate: "pricing.update",
	}
	for in, want := range tests {
		if got := RoutingKey(in); got != want {
			t.Fatalf("RoutingKey(%q) = %q, want %q", in, got, want)
		}
	}
}
