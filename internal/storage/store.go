package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Bookings is the authoritative booking record. Conditional updates report
// whether they matched; a false result with a nil error means another
// writer got there first.
type Bookings interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	// AcceptBooking sets the driver only if the booking is still requested
	// and unassigned.
	AcceptBooking(ctx context.Context, id, driverID string, at time.Time) (bool, error)
	// UpdateBookingIf writes b only if the stored status equals expected.
	UpdateBookingIf(ctx context.Context, b *models.Booking, expected models.BookingStatus) (bool, error)
	ListBookings(ctx context.Context, status models.BookingStatus, vehicleType string) ([]models.Booking, error)
}

type Assignments interface {
	// OfferAssignment creates an offered assignment unless one already
	// exists for the pair.
	OfferAssignment(ctx context.Context, bookingID, driverID string, at time.Time) error
	ListAssignments(ctx context.Context, bookingID string) ([]models.Assignment, error)
	// ResolveAssignments marks winner accepted and every other open
	// assignment canceled. An empty winner cancels them all.
	ResolveAssignments(ctx context.Context, bookingID, winner string, at time.Time) error
}

type Trips interface {
	StartTrip(ctx context.Context, h *models.TripHistory) error
	AppendPathPoint(ctx context.Context, bookingID string, p models.PathPoint) ([]models.PathPoint, error)
	GetTrip(ctx context.Context, bookingID string) (*models.TripHistory, error)
	FinalizeTrip(ctx context.Context, h *models.TripHistory) error
}

type Earnings interface {
	RecordDriverEarnings(ctx context.Context, e models.DriverEarnings) error
	RecordAdminEarnings(ctx context.Context, e models.AdminEarnings) error
}

// Pricing satisfies pricing.RuleSource and pricing.CommissionSource.
type Pricing interface {
	ActiveRule(ctx context.Context, vehicleType string) (models.PricingRule, error)
	PutRule(ctx context.Context, r models.PricingRule) error
	LatestCommissionRate(ctx context.Context, driverID string) (float64, bool, error)
	PutCommissionOverride(ctx context.Context, o models.CommissionOverride) error
}

type Store interface {
	Bookings
	Assignments
	Trips
	Earnings
	Pricing
}
