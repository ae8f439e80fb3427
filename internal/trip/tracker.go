// Package trip records a trip's path, reprices it live and settles it on
// completion.
package trip

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

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
)

type Store interface {
	storage.Bookings
	storage.Trips
	storage.Earnings
}

// Settler moves money between wallets. *wallet.Ledger satisfies it.
type Settler interface {
	Debit(ctx context.Context, userID string, role models.WalletRole, amount float64, meta map[string]string) (*models.Transaction, error)
	Credit(ctx context.Context, userID string, role models.WalletRole, amount float64, meta map[string]string) (*models.Transaction, error)
}

type Tracker struct {
	Store      Store
	Pricing    *pricing.Calculator
	Commission *pricing.CommissionPolicy
	Wallets    Settler // nil skips settlement
	Registry   registry.Registry
	Notify     dispatch.Notifier
	// AdminUserID is the platform wallet credited with commission.
	AdminUserID string
	Logger      *slog.Logger
	Now         func() time.Time
}

// LiveFare is the pricing:update payload.
type LiveFare struct {
	BookingID        string               `json:"bookingId"`
	Location         models.Coord         `json:"location"`
	DistanceTraveled float64              `json:"distanceTraveled"`
	CurrentFare      float64              `json:"currentFare"`
	FareBreakdown    models.FareBreakdown `json:"fareBreakdown"`
	Preview          bool                 `json:"preview,omitempty"`
}

// CompleteOptions are the driver-supplied completion inputs. A zero
// SurgeMultiplier means 1.
type CompleteOptions struct {
	EndLocation          *models.Coord
	SurgeMultiplier      float64
	Discount             float64
	DebitPassengerWallet bool
}

// Completed is the trip_completed payload.
type Completed struct {
	BookingID      string               `json:"bookingId"`
	Amount         float64              `json:"amount"`
	DistanceKm     float64              `json:"distance"`
	WaitingMinutes int                  `json:"waitingTime"`
	Commission     float64              `json:"commission"`
	DriverEarnings float64              `json:"driverEarnings"`
	FareBreakdown  models.FareBreakdown `json:"fareBreakdown"`
}

func (t *Tracker) logger() *slog.Logger { return logging.OrDiscard(t.Logger) }

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func validCoord(c models.Coord) error {
	if !geo.ValidCoord(c) {
		return errs.New(errs.Validation, "invalid coordinates %.6f,%.6f", c.Lat, c.Lon)
	}
	return nil
}

// guard loads the booking and checks it is accepted or ongoing and driven
// by driverID.
func (t *Tracker) guard(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := t.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusOngoing && b.Status != models.StatusAccepted {
		return nil, errs.New(errs.InvalidTransition, "booking %s is %s", b.ID, b.Status)
	}
	if b.DriverID != driverID {
		return nil, errs.New(errs.Forbidden, "driver %s is not assigned to booking %s", driverID, b.ID)
	}
	return b, nil
}

func (t *Tracker) elapsedMinutes(b *models.Booking) float64 {
	if b.StartedAt == nil {
		return 0
	}
	return math.Max(0, t.now().Sub(*b.StartedAt).Minutes())
}

func (t *Tracker) quote(ctx context.Context, b *models.Booking, dist, minutes float64) (models.FareBreakdown, error) {
	return t.Pricing.Quote(ctx, b.VehicleType, pricing.Input{
		DistanceKm:     dist,
		WaitingMinutes: minutes,
		SurgeOverride:  b.FareBreakdown.SurgeMultiplier,
	})
}

func live(b *models.Booking, loc models.Coord, dist float64, fb models.FareBreakdown, preview bool) LiveFare {
	return LiveFare{
		BookingID:        b.ID,
		Location:         loc,
		DistanceTraveled: pricing.Round2(dist),
		CurrentFare:      pricing.Round2(fb.Total),
		FareBreakdown:    pricing.Rounded(fb),
		Preview:          preview,
	}
}

// Begin writes the trip history skeleton for a booking that just started.
func (t *Tracker) Begin(ctx context.Context, b *models.Booking) error {
	started := t.now()
	if b.StartedAt != nil {
		started = *b.StartedAt
	}
	return t.Store.StartTrip(ctx, &models.TripHistory{
		BookingID:   b.ID,
		DriverID:    b.DriverID,
		PassengerID: b.PassengerID,
		VehicleType: b.VehicleType,
		StartedAt:   started,
		Path:        []models.PathPoint{},
	})
}

// RecordLocation handles a driver location update for a booking. While
// ongoing the point is appended to the path; while accepted it only
// previews the fare from the pickup. Either way the room gets a
// pricing:update.
func (t *Tracker) RecordLocation(ctx context.Context, bookingID, driverID string, loc models.Coord) (LiveFare, error) {
	if err := validCoord(loc); err != nil {
		return LiveFare{}, err
	}
	b, err := t.guard(ctx, bookingID, driverID)
	if err != nil {
		return LiveFare{}, err
	}
	now := t.now()
	if t.Registry != nil {
		t.Registry.SetLiveLocation(driverID, models.LiveLocation{Lat: loc.Lat, Lon: loc.Lon, UpdatedAt: now})
	}

	var (
		dist    float64
		minutes float64
		preview = b.Status == models.StatusAccepted
	)
	if preview {
		dist = geo.DistanceKm(b.Pickup, loc)
	} else {
		path, err := t.Store.AppendPathPoint(ctx, b.ID, models.PathPoint{Lat: loc.Lat, Lon: loc.Lon, Timestamp: now})
		if err != nil {
			return LiveFare{}, err
		}
		dist = geo.PathDistanceKm(path)
		minutes = t.elapsedMinutes(b)
	}

	fb, err := t.quote(ctx, b, dist, minutes)
	if err != nil {
		return LiveFare{}, err
	}
	out := live(b, loc, dist, fb, preview)
	room := dispatch.BookingChannel(b.ID)
	if !preview {
		t.Notify.Send(ctx, room, events.TripOngoing, map[string]any{
			"bookingId":        b.ID,
			"location":         loc,
			"distanceTraveled": out.DistanceTraveled,
		})
	}
	t.Notify.Send(ctx, room, events.PricingUpdate, out)
	observability.PricingUpdates.Inc()
	return out, nil
}

// Preview prices the trip as if the driver were at loc, without recording
// anything.
func (t *Tracker) Preview(ctx context.Context, bookingID, driverID string, loc models.Coord) (LiveFare, error) {
	if err := validCoord(loc); err != nil {
		return LiveFare{}, err
	}
	b, err := t.guard(ctx, bookingID, driverID)
	if err != nil {
		return LiveFare{}, err
	}
	var dist, minutes float64
	if b.Status == models.StatusAccepted {
		dist = geo.DistanceKm(b.Pickup, loc)
	} else {
		h, err := t.Store.GetTrip(ctx, b.ID)
		if err != nil {
			return LiveFare{}, err
		}
		dist = geo.PathDistanceKm(h.Path)
		if n := len(h.Path); n > 0 {
			dist += geo.DistanceKm(models.Coord{Lat: h.Path[n-1].Lat, Lon: h.Path[n-1].Lon}, loc)
		}
		minutes = t.elapsedMinutes(b)
	}
	fb, err := t.quote(ctx, b, dist, minutes)
	if err != nil {
		return LiveFare{}, err
	}
	return live(b, loc, dist, fb, true), nil
}

// finalLocation prefers the explicit end, then the last path point, then
// the booked dropoff.
func finalLocation(b *models.Booking, path []models.PathPoint, end *models.Coord) models.Coord {
	if end != nil {
		return *end
	}
	if n := len(path); n > 0 {
		return models.Coord{Lat: path[n-1].Lat, Lon: path[n-1].Lon}
	}
	return b.Dropoff
}

func finalDistance(b *models.Booking, path []models.PathPoint, end models.Coord) float64 {
	if len(path) >= 2 {
		return geo.PathDistanceKm(path)
	}
	if b.StartLocation != nil {
		return geo.DistanceKm(*b.StartLocation, end)
	}
	return geo.DistanceKm(b.Pickup, b.Dropoff)
}

// Complete prices, persists and settles an ongoing booking. The caller has
// already checked the actor. Settlement and reporting records are best
// effort once the booking is marked completed.
func (t *Tracker) Complete(ctx context.Context, b *models.Booking, opts CompleteOptions) (*models.Booking, error) {
	if b.Status != models.StatusOngoing {
		return nil, errs.New(errs.InvalidTransition, "booking %s is %s", b.ID, b.Status)
	}
	if opts.EndLocation != nil {
		if err := validCoord(*opts.EndLocation); err != nil {
			return nil, err
		}
	}
	completedAt := t.now()

	var path []models.PathPoint
	h, err := t.Store.GetTrip(ctx, b.ID)
	switch {
	case err == nil:
		path = h.Path
	case errs.KindOf(err) == errs.NotFound:
		h = &models.TripHistory{BookingID: b.ID, DriverID: b.DriverID, PassengerID: b.PassengerID, VehicleType: b.VehicleType}
		if b.StartedAt != nil {
			h.StartedAt = *b.StartedAt
		}
	default:
		return nil, err
	}

	end := finalLocation(b, path, opts.EndLocation)
	dist := finalDistance(b, path, end)
	waiting := 0
	if b.StartedAt != nil {
		waiting = int(math.Max(0, math.Round(completedAt.Sub(*b.StartedAt).Minutes())))
	}
	surge := opts.SurgeMultiplier
	if surge <= 0 {
		surge = 1
	}
	fb, err := t.Pricing.Quote(ctx, b.VehicleType, pricing.Input{
		DistanceKm:     dist,
		WaitingMinutes: float64(waiting),
		SurgeOverride:  surge,
		Discount:       opts.Discount,
	})
	if err != nil {
		return nil, err
	}
	fb = pricing.Rounded(fb)
	fare := fb.Total

	policy := t.Commission
	if policy == nil {
		policy = pricing.NewCommissionPolicy(nil, pricing.DefaultCommissionRate)
	}
	rate, err := policy.Rate(ctx, b.DriverID)
	if err != nil {
		t.logger().Warn("commission_lookup_failed", "booking_id", b.ID, "driver_id", b.DriverID, "error", err)
	}
	commission, _ := pricing.Split(fare, rate)
	commission = pricing.Round2(commission)
	earnings := pricing.Round2(fare - commission)

	done := *b
	done.Status = models.StatusCompleted
	done.CompletedAt = &completedAt
	done.UpdatedAt = completedAt
	done.FareFinal = fare
	done.FareBreakdown = fb
	done.DistanceKm = pricing.Round2(dist)
	done.WaitingMinutes = waiting
	done.CommissionAmount = commission
	done.DriverEarnings = earnings
	done.EndLocation = &end
	done.Dropoff = end
	ok, err := t.Store.UpdateBookingIf(ctx, &done, models.StatusOngoing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.InvalidTransition, "booking %s is no longer ongoing", b.ID)
	}
	observability.BookingTransitions.WithLabelValues(string(models.StatusCompleted)).Inc()
	observability.TripsCompleted.Inc()

	t.settle(ctx, &done, rate, opts.DebitPassengerWallet)
	t.record(ctx, &done, h, rate)

	payload := Completed{
		BookingID:      done.ID,
		Amount:         fare,
		DistanceKm:     done.DistanceKm,
		WaitingMinutes: waiting,
		Commission:     commission,
		DriverEarnings: earnings,
		FareBreakdown:  fb,
	}
	t.Notify.Send(ctx, dispatch.BookingChannel(done.ID), events.TripCompleted, payload)
	t.Notify.Send(ctx, dispatch.DriverChannel(done.DriverID), events.TripCompleted, payload)
	t.logger().Info("trip_completed", "booking_id", done.ID, "driver_id", done.DriverID, "fare", fare, "commission", commission)
	return &done, nil
}

func (t *Tracker) settle(ctx context.Context, b *models.Booking, rate float64, debitPassenger bool) {
	if t.Wallets == nil {
		return
	}
	meta := map[string]string{"booking_id": b.ID, "kind": "commission", "rate": strconv.FormatFloat(rate, 'f', -1, 64)}
	fail := func(leg string, err error) {
		observability.SettlementFailures.WithLabelValues(leg).Inc()
		t.logger().Error("settlement_failed", "leg", leg, "booking_id", b.ID, "driver_id", b.DriverID, "error", err)
	}
	if b.CommissionAmount > 0 {
		if _, err := t.Wallets.Debit(ctx, b.DriverID, models.RoleDriver, b.CommissionAmount, meta); err != nil {
			fail("driver_commission", err)
		}
		if t.AdminUserID != "" {
			if _, err := t.Wallets.Credit(ctx, t.AdminUserID, models.RoleAdmin, b.CommissionAmount, meta); err != nil {
				fail("admin_commission", err)
			}
		}
	}
	if debitPassenger && b.FareFinal > 0 {
		fareMeta := map[string]string{"booking_id": b.ID, "kind": "fare"}
		if _, err := t.Wallets.Debit(ctx, b.PassengerID, models.RolePassenger, b.FareFinal, fareMeta); err != nil {
			fail("passenger_fare", err)
		}
	}
}

func (t *Tracker) record(ctx context.Context, b *models.Booking, h *models.TripHistory, rate float64) {
	at := *b.CompletedAt
	if err := t.Store.RecordDriverEarnings(ctx, models.DriverEarnings{
		BookingID:  b.ID,
		DriverID:   b.DriverID,
		Fare:       b.FareFinal,
		Commission: b.CommissionAmount,
		NetIncome:  b.DriverEarnings,
		CreatedAt:  at,
	}); err != nil {
		t.logger().Error("driver_earnings_failed", "booking_id", b.ID, "error", err)
	}
	if err := t.Store.RecordAdminEarnings(ctx, models.AdminEarnings{
		BookingID:      b.ID,
		DriverID:       b.DriverID,
		Fare:           b.FareFinal,
		Commission:     b.CommissionAmount,
		CommissionRate: rate,
		CreatedAt:      at,
	}); err != nil {
		t.logger().Error("admin_earnings_failed", "booking_id", b.ID, "error", err)
	}

	h.CompletedAt = &at
	h.Fare = b.FareFinal
	h.DistanceKm = b.DistanceKm
	h.WaitingMinutes = b.WaitingMinutes
	h.Commission = b.CommissionAmount
	h.NetIncome = b.DriverEarnings
	h.DropoffLocation = b.EndLocation
	if err := t.Store.FinalizeTrip(ctx, h); err != nil {
		t.logger().Error("trip_finalize_failed", "booking_id", b.ID, "error", err)
	}
}
