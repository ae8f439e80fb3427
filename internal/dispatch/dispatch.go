// Package dispatch delivers engine events to connected clients: the
// websocket hub first, a push provider for drivers without a socket, then
// the external event stream and the admin mirror.
package dispatch

import (
	"context"
	"strings"
)

const (
	DriversChannel = "drivers"
	AdminsChannel  = "admins"
)

func DriverChannel(id string) string    { return "driver:" + id }
func PassengerChannel(id string) string { return "passenger:" + id }
func BookingChannel(id string) string   { return "booking:" + id }

// Notifier is fire-and-forget. Delivery failures are the implementation's
// to log; callers never see them.
type Notifier interface {
	Send(ctx context.Context, channel, event string, data any)
}

// Message is the outbound websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func splitChannel(channel string) (kind, id string) {
	kind, id, _ = strings.Cut(channel, ":")
	return kind, id
}
