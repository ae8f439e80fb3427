package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

// Pusher reaches a driver that has no open socket.
type Pusher interface {
	Push(ctx context.Context, driverID, event string, data any) error
}

// Fanout is the Notifier the services use.
type Fanout struct {
	Hub    *Hub
	Push   Pusher
	Stream events.Publisher
	Logger *slog.Logger
}

func NewFanout(hub *Hub, push Pusher, stream events.Publisher, logger *slog.Logger) *Fanout {
	return &Fanout{Hub: hub, Push: push, Stream: stream, Logger: logging.OrDiscard(logger)}
}

func (f *Fanout) Send(ctx context.Context, channel, event string, data any) {
	kind, id := splitChannel(channel)
	_, err := f.Hub.Publish(channel, Message{Type: event, Data: data})
	switch {
	case errors.Is(err, ErrNoSession):
		if kind == "driver" && f.Push != nil {
			if perr := f.Push.Push(ctx, id, event, data); perr != nil {
				observability.FanoutFailures.WithLabelValues("push").Inc()
				f.Logger.Warn("push_failed", "driver_id", id, "event", event, "error", perr)
			}
		}
	case err != nil:
		observability.FanoutFailures.WithLabelValues("ws").Inc()
	}

	if f.Stream != nil {
		ev := events.New(event, id, data)
		ev.Channel = channel
		if perr := f.Stream.Publish(ctx, ev); perr != nil {
			observability.FanoutFailures.WithLabelValues("stream").Inc()
			f.Logger.Warn("event_publish_failed", "event", event, "channel", channel, "error", perr)
		}
	}

	if kind == "driver" {
		f.Hub.Publish(AdminsChannel, Message{
			Type: events.DriverNotification,
			Data: map[string]any{"driverId": id, "event": event, "data": data},
		})
	}
}
