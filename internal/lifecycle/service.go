// Package lifecycle is the booking state machine:
//
//	requested -> accepted -> ongoing -> completed
//	requested|accepted -> canceled
//
// Every transition is a conditional write against the booking store, so
// concurrent actors race on the store and never on in-process state.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

const (
	DefaultDisconnectTimeout = 60 * time.Second

	reasonDisconnected = "passenger_disconnected"
	maxCancelAttempts  = 3
)

// Matcher is the dispatch side the state machine drives.
type Matcher interface {
	Dispatch(ctx context.Context, b *models.Booking) (int, error)
	NearbyForDriver(ctx context.Context, driverID string) (int, error)
}

type Service struct {
	Store    storage.Store
	Pricing  *pricing.Calculator
	Surge    *pricing.SurgePolicy // nil keeps the rule multiplier
	Matcher  Matcher
	Trips    *trip.Tracker
	Registry registry.Registry
	Notify   dispatch.Notifier
	Timers   *Timers

	DisconnectTimeout time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

type CreateRequest struct {
	PassengerID string       `json:"passengerId"`
	VehicleType string       `json:"vehicleType"`
	Pickup      models.Coord `json:"pickup"`
	Dropoff     models.Coord `json:"dropoff"`
}

func (r CreateRequest) Validate() error {
	if r.PassengerID == "" {
		return errs.New(errs.Validation, "passengerId is required")
	}
	if r.VehicleType == "" {
		return errs.New(errs.Validation, "vehicleType is required")
	}
	if !geo.ValidCoord(r.Pickup) || !geo.ValidCoord(r.Dropoff) {
		return errs.New(errs.Validation, "pickup and dropoff need valid coordinates")
	}
	return nil
}

func (s *Service) logger() *slog.Logger { return logging.OrDiscard(s.Logger) }

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) timeout() time.Duration {
	if s.DisconnectTimeout <= 0 {
		return DefaultDisconnectTimeout
	}
	return s.DisconnectTimeout
}

func transitioned(to models.BookingStatus) {
	observability.BookingTransitions.WithLabelValues(string(to)).Inc()
}

type statusPatch struct {
	BookingID  string               `json:"bookingId"`
	Status     models.BookingStatus `json:"status"`
	DriverID   string               `json:"driverId,omitempty"`
	CanceledBy models.CanceledBy    `json:"canceledBy,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

type notification struct {
	Type       string            `json:"type"`
	BookingID  string            `json:"bookingId"`
	DriverID   string            `json:"driverId,omitempty"`
	CanceledBy models.CanceledBy `json:"canceledBy,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

func (s *Service) broadcastStatus(ctx context.Context, b *models.Booking) {
	s.Notify.Send(ctx, dispatch.BookingChannel(b.ID), events.BookingUpdate, statusPatch{
		BookingID:  b.ID,
		Status:     b.Status,
		DriverID:   b.DriverID,
		CanceledBy: b.CanceledBy,
		Reason:     b.CanceledReason,
	})
}

// CreateBooking prices and stores a new requested booking, then dispatches
// it. Dispatch failures are logged; the booking still exists.
func (s *Service) CreateBooking(ctx context.Context, req CreateRequest) (*models.Booking, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	dist := geo.DistanceKm(req.Pickup, req.Dropoff)
	fb, err := s.Pricing.Quote(ctx, req.VehicleType, pricing.Input{DistanceKm: dist})
	if err != nil {
		return nil, err
	}
	if s.Surge != nil {
		info, err := s.Surge.At(ctx, req.Pickup, req.VehicleType)
		if err != nil {
			s.logger().Warn("surge_lookup_failed", "vehicle_type", req.VehicleType, "error", err)
		} else if info.Multiplier > fb.SurgeMultiplier {
			fb, err = s.Pricing.Quote(ctx, req.VehicleType, pricing.Input{DistanceKm: dist, SurgeOverride: info.Multiplier})
			if err != nil {
				return nil, err
			}
		}
	}
	fb = pricing.Rounded(fb)

	now := s.now()
	b := &models.Booking{
		ID:            uuid.NewString(),
		PassengerID:   req.PassengerID,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		VehicleType:   req.VehicleType,
		Status:        models.StatusRequested,
		DistanceKm:    pricing.Round2(dist),
		FareEstimated: fb.Total,
		FareBreakdown: fb,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateBooking(ctx, b); err != nil {
		return nil, err
	}
	observability.BookingsCreated.Inc()
	transitioned(models.StatusRequested)
	s.logger().Info("booking_created", "booking_id", b.ID, "passenger_id", b.PassengerID, "vehicle_type", b.VehicleType, "fare", b.FareEstimated)

	if s.Matcher != nil {
		if _, err := s.Matcher.Dispatch(ctx, b); err != nil {
			s.logger().Error("dispatch_failed", "booking_id", b.ID, "error", err)
		}
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Booking, error) {
	return s.Store.GetBooking(ctx, id)
}

func (s *Service) Trip(ctx context.Context, bookingID string) (*models.TripHistory, error) {
	return s.Store.GetTrip(ctx, bookingID)
}

// Accept assigns the booking to driverID if it is still open. Losing the
// race returns a concurrency_conflict error.
func (s *Service) Accept(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	if bookingID == "" || driverID == "" {
		return nil, errs.New(errs.Validation, "bookingId and driverId are required")
	}
	now := s.now()
	ok, err := s.Store.AcceptBooking(ctx, bookingID, driverID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.Store.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if cur.Status == models.StatusCanceled || cur.Status == models.StatusCompleted {
			return nil, errs.New(errs.InvalidTransition, "booking %s is %s", bookingID, cur.Status)
		}
		observability.AcceptConflicts.Inc()
		return nil, errs.New(errs.ConcurrencyConflict, "booking %s is no longer available", bookingID)
	}
	transitioned(models.StatusAccepted)

	if err := s.Store.ResolveAssignments(ctx, bookingID, driverID, now); err != nil {
		s.logger().Error("resolve_assignments_failed", "booking_id", bookingID, "driver_id", driverID, "error", err)
	}
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	s.Notify.Send(ctx, dispatch.DriverChannel(driverID), events.BookingAccepted, b)
	s.Notify.Send(ctx, dispatch.PassengerChannel(b.PassengerID), events.BookingNotification, notification{
		Type:      events.NoteBookingAccepted,
		BookingID: b.ID,
		DriverID:  driverID,
	})
	s.broadcastStatus(ctx, b)
	s.releaseOthers(ctx, b.ID, driverID)
	if s.Registry != nil {
		s.Registry.ClearBooking(b.ID)
	}
	s.logger().Info("booking_accepted", "booking_id", b.ID, "driver_id", driverID)
	return b, nil
}

// releaseOthers tells every other offered driver the booking is gone.
func (s *Service) releaseOthers(ctx context.Context, bookingID, keep string) {
	as, err := s.Store.ListAssignments(ctx, bookingID)
	if err != nil {
		s.logger().Warn("list_assignments_failed", "booking_id", bookingID, "error", err)
		return
	}
	for _, a := range as {
		if a.DriverID == keep {
			continue
		}
		s.Notify.Send(ctx, dispatch.DriverChannel(a.DriverID), events.BookingUnavailable, map[string]string{"bookingId": bookingID})
	}
}

// cancel moves b to canceled if it is still in one of from. It retries when
// the booking moves between allowed states underneath it.
func (s *Service) cancel(ctx context.Context, bookingID string, by models.CanceledBy, reason string, check func(*models.Booking) error, from ...models.BookingStatus) (*models.Booking, models.BookingStatus, error) {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		b, err := s.Store.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, "", err
		}
		if err := check(b); err != nil {
			return nil, "", err
		}
		allowed := false
		for _, st := range from {
			if b.Status == st {
				allowed = true
			}
		}
		if !allowed {
			return nil, "", errs.New(errs.InvalidTransition, "cannot cancel booking %s in status %s", b.ID, b.Status)
		}
		prev := b.Status
		now := s.now()
		b.Status = models.StatusCanceled
		b.CanceledBy = by
		b.CanceledReason = reason
		b.UpdatedAt = now
		ok, err := s.Store.UpdateBookingIf(ctx, b, prev)
		if err != nil {
			return nil, "", err
		}
		if ok {
			transitioned(models.StatusCanceled)
			if err := s.Store.ResolveAssignments(ctx, b.ID, "", now); err != nil {
				s.logger().Error("resolve_assignments_failed", "booking_id", b.ID, "error", err)
			}
			if s.Registry != nil {
				s.Registry.ClearBooking(b.ID)
			}
			s.Timers.Clear(b.ID)
			return b, prev, nil
		}
	}
	return nil, "", errs.New(errs.ConcurrencyConflict, "booking %s changed while canceling", bookingID)
}

// CancelByPassenger cancels a requested or accepted booking.
func (s *Service) CancelByPassenger(ctx context.Context, bookingID, passengerID, reason string) (*models.Booking, error) {
	b, prev, err := s.cancel(ctx, bookingID, models.CanceledByPassenger, reason, func(b *models.Booking) error {
		if b.PassengerID != passengerID {
			return errs.New(errs.Forbidden, "passenger %s does not own booking %s", passengerID, b.ID)
		}
		return nil
	}, models.StatusRequested, models.StatusAccepted)
	if err != nil {
		return nil, err
	}
	if b.DriverID != "" {
		s.Notify.Send(ctx, dispatch.DriverChannel(b.DriverID), events.BookingNotification, notification{
			Type:       events.NoteBookingCanceled,
			BookingID:  b.ID,
			CanceledBy: b.CanceledBy,
			Reason:     reason,
		})
	}
	if prev == models.StatusRequested {
		s.releaseOthers(ctx, b.ID, "")
	}
	s.broadcastStatus(ctx, b)
	s.logger().Info("booking_canceled", "booking_id", b.ID, "canceled_by", b.CanceledBy)
	return b, nil
}

// CancelByDriver releases an accepted booking before the trip starts.
func (s *Service) CancelByDriver(ctx context.Context, bookingID, driverID, reason string) (*models.Booking, error) {
	b, _, err := s.cancel(ctx, bookingID, models.CanceledByDriver, reason, func(b *models.Booking) error {
		if b.Status == models.StatusAccepted && b.DriverID != driverID {
			return errs.New(errs.Forbidden, "driver %s is not assigned to booking %s", driverID, b.ID)
		}
		return nil
	}, models.StatusAccepted)
	if err != nil {
		return nil, err
	}
	s.Notify.Send(ctx, dispatch.PassengerChannel(b.PassengerID), events.BookingNotification, notification{
		Type:       events.NoteBookingCanceled,
		BookingID:  b.ID,
		DriverID:   driverID,
		CanceledBy: b.CanceledBy,
		Reason:     reason,
	})
	s.broadcastStatus(ctx, b)
	s.logger().Info("booking_canceled", "booking_id", b.ID, "canceled_by", b.CanceledBy)
	return b, nil
}

// PassengerDisconnected arms the auto-cancel timer for an accepted booking.
// Other statuses are ignored.
func (s *Service) PassengerDisconnected(ctx context.Context, bookingID, passengerID string) error {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if passengerID != "" && b.PassengerID != passengerID {
		return errs.New(errs.Forbidden, "passenger %s does not own booking %s", passengerID, b.ID)
	}
	if b.Status != models.StatusAccepted {
		return nil
	}
	s.Timers.Arm(b.ID, s.timeout(), func() { s.expire(b.ID) })
	s.logger().Info("disconnect_timer_armed", "booking_id", b.ID, "timeout", s.timeout().String())
	return nil
}

// PassengerReconnected clears any pending auto-cancel timer.
func (s *Service) PassengerReconnected(_ context.Context, bookingID string) bool {
	cleared := s.Timers.Clear(bookingID)
	if cleared {
		s.logger().Info("disconnect_timer_cleared", "booking_id", bookingID)
	}
	return cleared
}

// expire runs when the disconnect timer fires. It uses its own context
// since the passenger's request is long gone.
func (s *Service) expire(bookingID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, _, err := s.cancel(ctx, bookingID, models.CanceledBySystem, reasonDisconnected, func(*models.Booking) error { return nil }, models.StatusAccepted)
	if err != nil {
		if errs.KindOf(err) != errs.InvalidTransition {
			s.logger().Error("disconnect_cancel_failed", "booking_id", bookingID, "error", err)
		}
		return
	}
	observability.DisconnectCancels.Inc()
	s.Notify.Send(ctx, dispatch.DriverChannel(b.DriverID), events.BookingNotification, notification{
		Type:       events.NoteBookingCanceledDisconnect,
		BookingID:  b.ID,
		CanceledBy: b.CanceledBy,
		Reason:     reasonDisconnected,
	})
	s.broadcastStatus(ctx, b)
	s.logger().Info("booking_canceled", "booking_id", b.ID, "canceled_by", b.CanceledBy)
}

func (s *Service) guardDriver(b *models.Booking, driverID string, want models.BookingStatus) error {
	if b.Status != want {
		return errs.New(errs.InvalidTransition, "booking %s is %s, want %s", b.ID, b.Status, want)
	}
	if b.DriverID != driverID {
		return errs.New(errs.Forbidden, "driver %s is not assigned to booking %s", driverID, b.ID)
	}
	return nil
}

// StartTrip moves an accepted booking to ongoing.
func (s *Service) StartTrip(ctx context.Context, bookingID, driverID string, startLocation *models.Coord) (*models.Booking, error) {
	if startLocation != nil && !geo.ValidCoord(*startLocation) {
		return nil, errs.New(errs.Validation, "startLocation has invalid coordinates")
	}
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.guardDriver(b, driverID, models.StatusAccepted); err != nil {
		return nil, err
	}
	now := s.now()
	b.Status = models.StatusOngoing
	b.StartedAt = &now
	b.StartLocation = startLocation
	b.UpdatedAt = now
	ok, err := s.Store.UpdateBookingIf(ctx, b, models.StatusAccepted)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.InvalidTransition, "booking %s is no longer accepted", b.ID)
	}
	transitioned(models.StatusOngoing)
	s.Timers.Clear(b.ID)
	if err := s.Trips.Begin(ctx, b); err != nil {
		s.logger().Error("trip_begin_failed", "booking_id", b.ID, "error", err)
	}
	s.Notify.Send(ctx, dispatch.BookingChannel(b.ID), events.TripStarted, map[string]any{
		"bookingId":     b.ID,
		"driverId":      b.DriverID,
		"startedAt":     now,
		"startLocation": startLocation,
	})
	s.broadcastStatus(ctx, b)
	s.logger().Info("trip_started", "booking_id", b.ID, "driver_id", driverID)
	return b, nil
}

// CompleteTrip prices and settles an ongoing booking.
func (s *Service) CompleteTrip(ctx context.Context, bookingID, driverID string, opts trip.CompleteOptions) (*models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.guardDriver(b, driverID, models.StatusOngoing); err != nil {
		return nil, err
	}
	done, err := s.Trips.Complete(ctx, b, opts)
	if err != nil {
		return nil, err
	}
	s.broadcastStatus(ctx, done)
	return done, nil
}

func (s *Service) RecordLocation(ctx context.Context, bookingID, driverID string, loc models.Coord) (trip.LiveFare, error) {
	return s.Trips.RecordLocation(ctx, bookingID, driverID, loc)
}

func (s *Service) Preview(ctx context.Context, bookingID, driverID string, loc models.Coord) (trip.LiveFare, error) {
	return s.Trips.Preview(ctx, bookingID, driverID, loc)
}

// SetAvailability flips one connection's availability. Turning available
// offers the driver the open bookings around them.
func (s *Service) SetAvailability(ctx context.Context, driverID, connID string, available bool) (int, error) {
	if driverID == "" {
		return 0, errs.New(errs.Validation, "driverId is required")
	}
	s.Registry.SetAvailability(driverID, connID, available)
	if !available || s.Matcher == nil {
		return 0, nil
	}
	n, err := s.Matcher.NearbyForDriver(ctx, driverID)
	if err != nil && errs.KindOf(err) != errs.NotFound {
		s.logger().Warn("nearby_dispatch_failed", "driver_id", driverID, "error", err)
	}
	return n, nil
}
