package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

func newBooking(id string) *models.Booking {
	now := time.Now()
	return &models.Booking{
		ID:          id,
		PassengerID: "p1",
		Pickup:      models.Coord{Lat: 9.0192, Lon: 38.7525},
		Dropoff:     models.Coord{Lat: 9.03, Lon: 38.76},
		VehicleType: "mini",
		Status:      models.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestAcceptBookingConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateBooking(ctx, newBooking("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const drivers = 20
	var wg sync.WaitGroup
	results := make(chan string, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := s.AcceptBooking(ctx, "b1", id, time.Now())
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			if ok {
				results <- id
			}
		}(fmt.Sprintf("d%d", i))
	}
	wg.Wait()
	close(results)

	var winners []string
	for id := range results {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	b, _ := s.GetBooking(ctx, "b1")
	if b.DriverID != winners[0] || b.Status != models.StatusAccepted {
		t.Fatalf("booking not assigned to winner: %+v", b)
	}
}

func TestAcceptBookingUnknown(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.AcceptBooking(context.Background(), "nope", "d1", time.Now()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateBookingIfChecksStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateBooking(ctx, newBooking("b1"))

	b, _ := s.GetBooking(ctx, "b1")
	b.Status = models.StatusCanceled
	ok, err := s.UpdateBookingIf(ctx, b, models.StatusAccepted)
	if err != nil || ok {
		t.Fatalf("update with wrong expected status should not match: ok=%v err=%v", ok, err)
	}
	ok, err = s.UpdateBookingIf(ctx, b, models.StatusRequested)
	if err != nil || !ok {
		t.Fatalf("update should match: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetBooking(ctx, "b1")
	if got.Status != models.StatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
}

func TestGetBookingReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateBooking(ctx, newBooking("b1"))
	b, _ := s.GetBooking(ctx, "b1")
	b.Status = models.StatusCompleted
	again, _ := s.GetBooking(ctx, "b1")
	if again.Status != models.StatusRequested {
		t.Fatal("mutating a fetched booking must not change the store")
	}
}

func TestResolveAssignments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	for _, d := range []string{"d1", "d2", "d3"} {
		_ = s.OfferAssignment(ctx, "b1", d, now)
	}
	_ = s.OfferAssignment(ctx, "b1", "d1", now)
	if err := s.ResolveAssignments(ctx, "b1", "d2", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	as, _ := s.ListAssignments(ctx, "b1")
	if len(as) != 3 {
		t.Fatalf("duplicate offer should not add a row, have %d", len(as))
	}
	accepted := 0
	for _, a := range as {
		switch a.DriverID {
		case "d2":
			if a.Status != models.AssignmentAccepted {
				t.Fatalf("winner should be accepted: %+v", a)
			}
			accepted++
		default:
			if a.Status != models.AssignmentCanceled {
				t.Fatalf("loser should be canceled: %+v", a)
			}
		}
	}
	if accepted != 1 {
		t.Fatalf("expected one accepted assignment, got %d", accepted)
	}
}

func TestResolveAssignmentsAddsUnofferedWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.ResolveAssignments(ctx, "b1", "d9", time.Now())
	as, _ := s.ListAssignments(ctx, "b1")
	if len(as) != 1 || as[0].Status != models.AssignmentAccepted {
		t.Fatalf("expected accepted assignment for d9, got %+v", as)
	}
}

func TestTripPathAppendsInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.AppendPathPoint(ctx, "b1", models.PathPoint{Lat: 1}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("append before start should be not found, got %v", err)
	}
	_ = s.StartTrip(ctx, &models.TripHistory{BookingID: "b1", DriverID: "d1", StartedAt: time.Now()})
	late := time.Now()
	early := late.Add(-time.Minute)
	_, _ = s.AppendPathPoint(ctx, "b1", models.PathPoint{Lat: 1, Timestamp: late})
	path, err := s.AppendPathPoint(ctx, "b1", models.PathPoint{Lat: 2, Timestamp: early})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(path) != 2 || path[0].Lat != 1 || path[1].Lat != 2 {
		t.Fatalf("expected arrival order, got %+v", path)
	}

	_ = s.FinalizeTrip(ctx, &models.TripHistory{BookingID: "b1", Fare: 20})
	h, _ := s.GetTrip(ctx, "b1")
	if h.Fare != 20 || len(h.Path) != 2 {
		t.Fatalf("finalize should keep the path: %+v", h)
	}
}

func TestPricingRulesAndOverrides(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.ActiveRule(ctx, "mini"); !errors.Is(err, errs.ErrPricingNotFound) {
		t.Fatalf("expected pricing not found, got %v", err)
	}
	_ = s.PutRule(ctx, models.PricingRule{VehicleType: "mini", BaseFare: 5, Active: true})
	if r, err := s.ActiveRule(ctx, "mini"); err != nil || r.BaseFare != 5 {
		t.Fatalf("unexpected rule %+v err=%v", r, err)
	}

	t0 := time.Now()
	_ = s.PutCommissionOverride(ctx, models.CommissionOverride{DriverID: "d1", Rate: 10, CreatedAt: t0})
	_ = s.PutCommissionOverride(ctx, models.CommissionOverride{DriverID: "d1", Rate: 12, CreatedAt: t0.Add(-time.Hour)})
	rate, ok, _ := s.LatestCommissionRate(ctx, "d1")
	if !ok || rate != 10 {
		t.Fatalf("expected most recent override 10, got %f ok=%v", rate, ok)
	}
}
