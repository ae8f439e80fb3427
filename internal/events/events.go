// Package events names the lifecycle events the engine emits and streams
// them to external brokers.
package events

import (
	"context"
	"errors"
	"time"
)

const (
	BookingNew          = "booking:new"
	BookingNearby       = "booking:nearby"
	BookingUpdate       = "booking:update"
	BookingAccepted     = "booking:accepted"
	BookingNotification = "booking:notification"
	BookingUnavailable  = "booking:unavailable"
	TripStarted         = "trip_started"
	TripOngoing         = "trip_ongoing"
	TripCompleted       = "trip_completed"
	PricingUpdate       = "pricing:update"
	DriverNotification  = "driver:notification"
	Error               = "error"
)

// Notification types carried in booking:notification payloads.
const (
	NoteBookingAccepted           = "booking_accepted"
	NoteBookingCanceled           = "booking_canceled"
	NoteBookingCanceledDisconnect = "booking_canceled_disconnect"
)

type Event struct {
	Name    string    `json:"event"`
	Channel string    `json:"channel,omitempty"`
	Key     string    `json:"-"`
	Data    any       `json:"data"`
	At      time.Time `json:"at"`
}

func New(name, key string, data any) Event {
	return Event{Name: name, Key: key, Data: data, At: time.Now().UTC()}
}

// Publisher ships events to a stream. Callers treat failures as best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Multi publishes to every configured publisher and joins the errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
