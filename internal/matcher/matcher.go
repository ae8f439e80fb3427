// Package matcher selects and notifies drivers for requested bookings.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
)

const (
	DefaultRadiusKm      = 5.0
	DefaultMaxDrivers    = 50
	MaxDriversCap        = 200
	// DefaultSearchSlackKm widens the index query so drivers whose stored
	// position lags their live one are still considered.
	DefaultSearchSlackKm = 2.0
)

// Store is the part of the booking store the matcher writes to.
type Store interface {
	OfferAssignment(ctx context.Context, bookingID, driverID string, at time.Time) error
	ListBookings(ctx context.Context, status models.BookingStatus, vehicleType string) ([]models.Booking, error)
}

// BalanceSource is the wallet lookup behind the finance rule.
type BalanceSource interface {
	Balance(ctx context.Context, userID string, role models.WalletRole) (float64, error)
}

type Service struct {
	Geo        geo.Geo
	Registry   registry.Registry
	Store      Store
	Wallets    BalanceSource // nil disables the finance rule
	Notify     dispatch.Notifier
	Commission *pricing.CommissionPolicy
	ETAClient  eta.Client

	DefaultSpeedMps float64
	RadiusKm        float64
	SearchSlackKm   float64
	MaxDrivers      int
	Logger          *slog.Logger
}

// Candidate is a driver with a resolved position near the pickup.
type Candidate struct {
	Driver     models.Driver
	Position   models.Coord
	DistanceKm float64
}

// Offer is the payload of booking:new and booking:nearby.
type Offer struct {
	BookingID      string       `json:"bookingId"`
	PassengerID    string       `json:"passengerId"`
	Pickup         models.Coord `json:"pickup"`
	Dropoff        models.Coord `json:"dropoff"`
	VehicleType    string       `json:"vehicleType"`
	FareEstimated  float64      `json:"fareEstimated"`
	TripDistanceKm float64      `json:"tripDistanceKm"`
	DistanceKm     float64      `json:"distanceKm,omitempty"`
	ETASeconds     float64      `json:"etaSeconds,omitempty"`
}

func (s *Service) logger() *slog.Logger { return logging.OrDiscard(s.Logger) }

func (s *Service) radius() float64 {
	if s.RadiusKm <= 0 {
		return DefaultRadiusKm
	}
	return s.RadiusKm
}

// searchRadius is what the driver index is asked for. Candidates are still
// cut at radius() once their live position is known.
func (s *Service) searchRadius() float64 {
	slack := s.SearchSlackKm
	if slack <= 0 {
		slack = DefaultSearchSlackKm
	}
	return s.radius() + slack
}

func (s *Service) limit() int {
	switch {
	case s.MaxDrivers <= 0:
		return DefaultMaxDrivers
	case s.MaxDrivers > MaxDriversCap:
		return MaxDriversCap
	default:
		return s.MaxDrivers
	}
}

// position prefers the live-location cache over the persisted location.
func (s *Service) position(d models.Driver) (models.Coord, bool) {
	if loc, ok := s.Registry.LiveLocation(d.ID); ok {
		return models.Coord{Lat: loc.Lat, Lon: loc.Lon}, true
	}
	if d.Location != nil {
		return *d.Location, true
	}
	return models.Coord{}, false
}

// affordable applies the finance rule against the driver's wallet.
func (s *Service) affordable(ctx context.Context, driverID string, fare float64) bool {
	if s.Wallets == nil {
		return true
	}
	policy := s.Commission
	if policy == nil {
		policy = pricing.NewCommissionPolicy(nil, pricing.DefaultCommissionRate)
	}
	rate, err := policy.Rate(ctx, driverID)
	if err != nil {
		s.logger().Warn("commission_lookup_failed", "driver_id", driverID, "error", err)
	}
	balance, err := s.Wallets.Balance(ctx, driverID, models.RoleDriver)
	if err != nil {
		s.logger().Warn("wallet_lookup_failed", "driver_id", driverID, "error", err)
		return false
	}
	return pricing.CanAccept(balance, fare, rate)
}

// Select ranks the eligible drivers for b, nearest first.
func (s *Service) Select(ctx context.Context, b *models.Booking) ([]Candidate, error) {
	drivers, err := s.Geo.Candidates(ctx, b.VehicleType, b.Pickup, s.searchRadius())
	if err != nil {
		return nil, err
	}
	ranked := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		pos, ok := s.position(d)
		if !ok {
			continue
		}
		dist := geo.DistanceKm(pos, b.Pickup)
		if dist > s.radius() {
			continue
		}
		ranked = append(ranked, Candidate{Driver: d, Position: pos, DistanceKm: dist})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].DistanceKm != ranked[j].DistanceKm {
			return ranked[i].DistanceKm < ranked[j].DistanceKm
		}
		return ranked[i].Driver.ID < ranked[j].Driver.ID
	})

	out := make([]Candidate, 0, len(ranked))
	for _, c := range ranked {
		if !s.affordable(ctx, c.Driver.ID, b.FareEstimated) {
			continue
		}
		if !s.Registry.IsAvailable(c.Driver.ID) {
			continue
		}
		out = append(out, c)
		if len(out) == s.limit() {
			break
		}
	}
	return out, nil
}

func (s *Service) estimate(ctx context.Context, from, to models.Coord) float64 {
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(ctx, from, to); err == nil {
			return v
		}
	}
	// fallback to naive estimator
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}

func offerFor(b *models.Booking) Offer {
	return Offer{
		BookingID:      b.ID,
		PassengerID:    b.PassengerID,
		Pickup:         b.Pickup,
		Dropoff:        b.Dropoff,
		VehicleType:    b.VehicleType,
		FareEstimated:  b.FareEstimated,
		TripDistanceKm: b.DistanceKm,
	}
}

// offer creates the assignment and notifies one driver unless the pair was
// already dispatched.
func (s *Service) offer(ctx context.Context, b *models.Booking, c Candidate, event string) bool {
	if !s.Registry.MarkDispatched(b.ID, c.Driver.ID) {
		return false
	}
	if err := s.Store.OfferAssignment(ctx, b.ID, c.Driver.ID, time.Now().UTC()); err != nil {
		s.Registry.UnmarkDispatched(b.ID, c.Driver.ID)
		s.logger().Error("offer_assignment_failed", "booking_id", b.ID, "driver_id", c.Driver.ID, "error", err)
		return false
	}
	o := offerFor(b)
	o.DistanceKm = pricing.Round2(c.DistanceKm)
	o.ETASeconds = s.estimate(ctx, c.Position, b.Pickup)
	s.Notify.Send(ctx, dispatch.DriverChannel(c.Driver.ID), event, o)
	observability.OffersSent.Inc()
	return true
}

// Dispatch offers b to the nearest eligible drivers and returns how many
// targeted offers went out. Zero is not an error.
func (s *Service) Dispatch(ctx context.Context, b *models.Booking) (int, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	cands, err := s.Select(ctx, b)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, c := range cands {
		if s.offer(ctx, b, c, events.BookingNew) {
			sent++
		}
	}
	s.Notify.Send(ctx, dispatch.DriversChannel, events.BookingNew, offerFor(b))
	s.logger().Info("booking_dispatched", "booking_id", b.ID, "candidates", len(cands), "offers", sent)
	return sent, nil
}

// NearbyForDriver offers a driver who just became available the requested
// bookings around them.
func (s *Service) NearbyForDriver(ctx context.Context, driverID string) (int, error) {
	d, err := s.Geo.Driver(ctx, driverID)
	if err != nil {
		return 0, err
	}
	pos, ok := s.position(d)
	if !ok || !s.Registry.IsAvailable(driverID) {
		return 0, nil
	}
	open, err := s.Store.ListBookings(ctx, models.StatusRequested, d.VehicleType)
	if err != nil {
		return 0, err
	}
	type near struct {
		b    models.Booking
		dist float64
	}
	var list []near
	for _, b := range open {
		dist := geo.DistanceKm(pos, b.Pickup)
		if dist > s.radius() {
			continue
		}
		list = append(list, near{b, dist})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].dist < list[j].dist })

	sent := 0
	for _, n := range list {
		b := n.b
		if !s.affordable(ctx, driverID, b.FareEstimated) {
			continue
		}
		if s.offer(ctx, &b, Candidate{Driver: d, Position: pos, DistanceKm: n.dist}, events.BookingNearby) {
			sent++
		}
	}
	return sent, nil
}

// Density counts requested bookings and available drivers within the
// dispatch radius of near. It satisfies pricing.DensitySource.
func (s *Service) Density(ctx context.Context, near models.Coord, vehicleType string) (int, int, error) {
	open, err := s.Store.ListBookings(ctx, models.StatusRequested, vehicleType)
	if err != nil {
		return 0, 0, err
	}
	demand := 0
	for _, b := range open {
		if geo.DistanceKm(near, b.Pickup) <= s.radius() {
			demand++
		}
	}
	drivers, err := s.Geo.Candidates(ctx, vehicleType, near, s.searchRadius())
	if err != nil {
		return demand, 0, err
	}
	supply := 0
	for _, d := range drivers {
		pos, ok := s.position(d)
		if !ok || geo.DistanceKm(near, pos) > s.radius() {
			continue
		}
		if s.Registry.IsAvailable(d.ID) {
			supply++
		}
	}
	return demand, supply, nil
}
