package trip

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

type sent struct {
	channel, event string
	data           any
}

type fakeNotifier struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeNotifier) Send(_ context.Context, channel, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{channel, event, data})
}

func (f *fakeNotifier) byEvent(event string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.out {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

type failingSettler struct{}

func (failingSettler) Debit(context.Context, string, models.WalletRole, float64, map[string]string) (*models.Transaction, error) {
	return nil, errors.New("ledger down")
}

func (failingSettler) Credit(context.Context, string, models.WalletRole, float64, map[string]string) (*models.Transaction, error) {
	return nil, errors.New("ledger down")
}

var start = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	tracker *Tracker
	store   *storage.MemoryStore
	ledger  *wallet.Ledger
	notify  *fakeNotifier
	reg     *registry.Memory
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		notify: &fakeNotifier{},
		reg:    registry.NewMemory(time.Hour, nil),
		now:    start,
	}
	f.ledger = wallet.NewLedger(wallet.NewMemoryStore(), nil, "", nil)
	_ = f.store.PutRule(context.Background(), models.PricingRule{
		VehicleType: "mini", BaseFare: 5, PerKm: 2, MinimumFare: 10, SurgeMultiplier: 1, Active: true,
	})
	f.tracker = &Tracker{
		Store:       f.store,
		Pricing:     pricing.NewCalculator(f.store),
		Commission:  pricing.NewCommissionPolicy(f.store, pricing.DefaultCommissionRate),
		Wallets:     f.ledger,
		Registry:    f.reg,
		Notify:      f.notify,
		AdminUserID: "admin",
		Now:         func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) booking(t *testing.T, status models.BookingStatus) *models.Booking {
	t.Helper()
	ctx := context.Background()
	b := &models.Booking{
		ID:          "b1",
		PassengerID: "p1",
		DriverID:    "d1",
		Pickup:      models.Coord{Lat: 9.0192, Lon: 38.7525},
		Dropoff:     models.Coord{Lat: 9.03, Lon: 38.76},
		VehicleType: "mini",
		Status:      status,
		CreatedAt:   start,
	}
	if status == models.StatusOngoing {
		s := start
		b.StartedAt = &s
	}
	if err := f.store.CreateBooking(ctx, b); err != nil {
		t.Fatal(err)
	}
	if status == models.StatusOngoing {
		if err := f.tracker.Begin(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	return b
}

var points = []models.Coord{
	{Lat: 9.00, Lon: 38.70},
	{Lat: 9.01, Lon: 38.71},
	{Lat: 9.02, Lon: 38.72},
}

func TestRecordLocationAppendsAndReprices(t *testing.T) {
	f := newFixture(t)
	f.booking(t, models.StatusOngoing)
	ctx := context.Background()

	last := -1.0
	for i, p := range points {
		f.now = start.Add(time.Duration(i+1) * time.Minute)
		lf, err := f.tracker.RecordLocation(ctx, "b1", "d1", p)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if lf.DistanceTraveled <= last {
			t.Fatalf("distance did not grow: %v after %v", lf.DistanceTraveled, last)
		}
		last = lf.DistanceTraveled
	}
	h, _ := f.store.GetTrip(ctx, "b1")
	if len(h.Path) != 3 {
		t.Fatalf("path len = %d, want 3", len(h.Path))
	}
	updates := f.notify.byEvent(events.PricingUpdate)
	if len(updates) != 3 || updates[0].channel != "booking:b1" {
		t.Fatalf("pricing updates = %+v", updates)
	}
	if _, ok := f.reg.LiveLocation("d1"); !ok {
		t.Fatal("live location should be cached")
	}
	want := pricing.Round2(geo.PathDistanceKm(h.Path))
	if last != want {
		t.Fatalf("distance = %v, want %v", last, want)
	}
}

func TestRecordLocationWhileAcceptedIsPreview(t *testing.T) {
	f := newFixture(t)
	f.booking(t, models.StatusAccepted)
	lf, err := f.tracker.RecordLocation(context.Background(), "b1", "d1", points[0])
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !lf.Preview {
		t.Fatal("expected preview while accepted")
	}
	if _, err := f.store.GetTrip(context.Background(), "b1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("no trip should exist before start, got %v", err)
	}
	if len(f.notify.byEvent(events.TripOngoing)) != 0 {
		t.Fatal("trip_ongoing must not fire before start")
	}
}

func TestRecordLocationGuards(t *testing.T) {
	tests := []struct {
		name   string
		status models.BookingStatus
		driver string
		loc    models.Coord
		want   error
	}{
		{"wrong driver", models.StatusOngoing, "d2", points[0], errs.ErrForbidden},
		{"requested", models.StatusRequested, "d1", points[0], errs.ErrInvalidTransition},
		{"completed", models.StatusCompleted, "d1", points[0], errs.ErrInvalidTransition},
		{"bad latitude", models.StatusOngoing, "d1", models.Coord{Lat: 91, Lon: 38}, errs.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.booking(t, tt.status)
			_, err := f.tracker.RecordLocation(context.Background(), "b1", tt.driver, tt.loc)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	f := newFixture(t)
	if _, err := f.tracker.RecordLocation(context.Background(), "missing", "d1", points[0]); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing booking: %v", err)
	}
}

func TestPreviewDoesNotAppend(t *testing.T) {
	f := newFixture(t)
	f.booking(t, models.StatusOngoing)
	ctx := context.Background()
	_, _ = f.tracker.RecordLocation(ctx, "b1", "d1", points[0])
	lf, err := f.tracker.Preview(ctx, "b1", "d1", points[1])
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	h, _ := f.store.GetTrip(ctx, "b1")
	if len(h.Path) != 1 {
		t.Fatalf("preview appended a point: %d", len(h.Path))
	}
	want := pricing.Round2(geo.DistanceKm(points[0], points[1]))
	if lf.DistanceTraveled != want {
		t.Fatalf("preview distance = %v, want %v", lf.DistanceTraveled, want)
	}
}

func TestCompleteSettles(t *testing.T) {
	f := newFixture(t)
	f.booking(t, models.StatusOngoing)
	ctx := context.Background()
	for _, p := range points {
		if _, err := f.tracker.RecordLocation(ctx, "b1", "d1", p); err != nil {
			t.Fatal(err)
		}
	}
	f.now = start.Add(10*time.Minute + 20*time.Second)
	b, _ := f.store.GetBooking(ctx, "b1")

	done, err := f.tracker.Complete(ctx, b, CompleteOptions{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	h, _ := f.store.GetTrip(ctx, "b1")
	dist := geo.PathDistanceKm(h.Path)
	wantFare := pricing.Round2(math.Max(10, 5+2*dist))
	if done.Status != models.StatusCompleted || done.FareFinal != wantFare {
		t.Fatalf("booking = %s fare %v, want completed %v", done.Status, done.FareFinal, wantFare)
	}
	if done.WaitingMinutes != 10 {
		t.Fatalf("waiting = %d, want 10", done.WaitingMinutes)
	}
	if done.Dropoff != (models.Coord{Lat: 9.02, Lon: 38.72}) {
		t.Fatalf("dropoff should be the last path point, got %+v", done.Dropoff)
	}
	c, _ := pricing.Split(wantFare, pricing.DefaultCommissionRate)
	commission := pricing.Round2(c)
	if done.CommissionAmount != commission || done.DriverEarnings != pricing.Round2(wantFare-commission) {
		t.Fatalf("split = %v/%v", done.CommissionAmount, done.DriverEarnings)
	}
	if bal, _ := f.ledger.Balance(ctx, "d1", models.RoleDriver); bal != -commission {
		t.Fatalf("driver balance = %v, want %v", bal, -commission)
	}
	if bal, _ := f.ledger.Balance(ctx, "admin", models.RoleAdmin); bal != commission {
		t.Fatalf("admin balance = %v, want %v", bal, commission)
	}
	if got := f.store.AdminEarnings(); len(got) != 1 || got[0].Commission != commission {
		t.Fatalf("admin earnings = %+v", got)
	}
	if h.CompletedAt == nil || h.Fare != wantFare || h.NetIncome != done.DriverEarnings {
		t.Fatalf("trip not finalized: %+v", h)
	}
	if len(f.notify.byEvent(events.TripCompleted)) == 0 {
		t.Fatal("trip_completed not emitted")
	}
	stored, _ := f.store.GetBooking(ctx, "b1")
	if stored.Status != models.StatusCompleted {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestCompleteWithoutPathUsesBookedRoute(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, models.StatusOngoing)
	end := models.Coord{Lat: 9.05, Lon: 38.8}
	done, err := f.tracker.Complete(context.Background(), b, CompleteOptions{EndLocation: &end, Discount: 1})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	want := pricing.Round2(geo.DistanceKm(b.Pickup, b.Dropoff))
	if done.DistanceKm != want {
		t.Fatalf("distance = %v, want %v", done.DistanceKm, want)
	}
	if *done.EndLocation != end {
		t.Fatalf("end = %+v", done.EndLocation)
	}
	// ~1.5 km: 5+3 < 10, floored at 10 then discounted
	if done.FareFinal != 9 {
		t.Fatalf("fare = %v, want 9", done.FareFinal)
	}
}

func TestCompleteSurvivesSettlementFailure(t *testing.T) {
	f := newFixture(t)
	f.tracker.Wallets = failingSettler{}
	b := f.booking(t, models.StatusOngoing)
	done, err := f.tracker.Complete(context.Background(), b, CompleteOptions{DebitPassengerWallet: true})
	if err != nil {
		t.Fatalf("complete should not fail on settlement: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
}

func TestCompleteUsesCommissionOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.PutCommissionOverride(ctx, models.CommissionOverride{DriverID: "d1", Rate: 10})
	b := f.booking(t, models.StatusOngoing)
	done, err := f.tracker.Complete(ctx, b, CompleteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := pricing.Split(done.FareFinal, 10)
	if done.CommissionAmount != pricing.Round2(c) {
		t.Fatalf("commission = %v for fare %v", done.CommissionAmount, done.FareFinal)
	}
}

func TestCompleteRejectsNonOngoing(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, models.StatusAccepted)
	if _, err := f.tracker.Complete(context.Background(), b, CompleteOptions{}); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompleteDebitsPassengerWhenAsked(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, models.StatusOngoing)
	ctx := context.Background()
	done, err := f.tracker.Complete(ctx, b, CompleteOptions{DebitPassengerWallet: true})
	if err != nil {
		t.Fatal(err)
	}
	if bal, _ := f.ledger.Balance(ctx, "p1", models.RolePassenger); bal != -done.FareFinal {
		t.Fatalf("passenger balance = %v, want %v", bal, -done.FareFinal)
	}
}
