package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in maps behind one mutex, which makes every
// conditional update atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	bookings    map[string]*models.Booking
	assignments map[string][]*models.Assignment
	trips       map[string]*models.TripHistory
	driverEarn  []models.DriverEarnings
	adminEarn   []models.AdminEarnings
	rules       map[string]models.PricingRule
	overrides   map[string]models.CommissionOverride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:    make(map[string]*models.Booking),
		assignments: make(map[string][]*models.Assignment),
		trips:       make(map[string]*models.TripHistory),
		rules:       make(map[string]models.PricingRule),
		overrides:   make(map[string]models.CommissionOverride),
	}
}

func cloneBooking(b *models.Booking) *models.Booking {
	c := *b
	if b.StartLocation != nil {
		s := *b.StartLocation
		c.StartLocation = &s
	}
	if b.EndLocation != nil {
		e := *b.EndLocation
		c.EndLocation = &e
	}
	return &c
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return errs.New(errs.ConcurrencyConflict, "booking %s already exists", b.ID)
	}
	m.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "booking %s not found", id)
	}
	return cloneBooking(b), nil
}

func (m *MemoryStore) AcceptBooking(_ context.Context, id, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, errs.New(errs.NotFound, "booking %s not found", id)
	}
	if b.Status != models.StatusRequested || b.DriverID != "" {
		return false, nil
	}
	b.Status = models.StatusAccepted
	b.DriverID = driverID
	b.AcceptedAt = &at
	b.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) UpdateBookingIf(_ context.Context, b *models.Booking, expected models.BookingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return false, errs.New(errs.NotFound, "booking %s not found", b.ID)
	}
	if cur.Status != expected {
		return false, nil
	}
	m.bookings[b.ID] = cloneBooking(b)
	return true, nil
}

func (m *MemoryStore) ListBookings(_ context.Context, status models.BookingStatus, vehicleType string) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Booking, 0)
	for _, b := range m.bookings {
		if b.Status != status {
			continue
		}
		if vehicleType != "" && b.VehicleType != vehicleType {
			continue
		}
		out = append(out, *cloneBooking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) OfferAssignment(_ context.Context, bookingID, driverID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments[bookingID] {
		if a.DriverID == driverID {
			return nil
		}
	}
	m.assignments[bookingID] = append(m.assignments[bookingID], &models.Assignment{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		DriverID:  driverID,
		Status:    models.AssignmentOffered,
		CreatedAt: at,
		UpdatedAt: at,
	})
	return nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, bookingID string) ([]models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Assignment, 0, len(m.assignments[bookingID]))
	for _, a := range m.assignments[bookingID] {
		out = append(out, *a)
	}
	return out, nil
}

func (m *MemoryStore) ResolveAssignments(_ context.Context, bookingID, winner string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, a := range m.assignments[bookingID] {
		switch {
		case winner != "" && a.DriverID == winner:
			a.Status = models.AssignmentAccepted
			a.UpdatedAt = at
			found = true
		case a.Status != models.AssignmentCanceled:
			a.Status = models.AssignmentCanceled
			a.UpdatedAt = at
		}
	}
	if winner != "" && !found {
		m.assignments[bookingID] = append(m.assignments[bookingID], &models.Assignment{
			ID:        uuid.NewString(),
			BookingID: bookingID,
			DriverID:  winner,
			Status:    models.AssignmentAccepted,
			CreatedAt: at,
			UpdatedAt: at,
		})
	}
	return nil
}

func cloneTrip(h *models.TripHistory) *models.TripHistory {
	c := *h
	c.Path = append([]models.PathPoint(nil), h.Path...)
	if h.DropoffLocation != nil {
		d := *h.DropoffLocation
		c.DropoffLocation = &d
	}
	return &c
}

// StartTrip upserts the skeleton. A repeated start keeps the recorded path.
func (m *MemoryStore) StartTrip(_ context.Context, h *models.TripHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneTrip(h)
	if cur, ok := m.trips[h.BookingID]; ok {
		c.Path = cur.Path
	}
	m.trips[h.BookingID] = c
	return nil
}

func (m *MemoryStore) AppendPathPoint(_ context.Context, bookingID string, p models.PathPoint) ([]models.PathPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.trips[bookingID]
	if !ok {
		return nil, errs.New(errs.NotFound, "trip %s not found", bookingID)
	}
	h.Path = append(h.Path, p)
	return append([]models.PathPoint(nil), h.Path...), nil
}

func (m *MemoryStore) GetTrip(_ context.Context, bookingID string) (*models.TripHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.trips[bookingID]
	if !ok {
		return nil, errs.New(errs.NotFound, "trip %s not found", bookingID)
	}
	return cloneTrip(h), nil
}

func (m *MemoryStore) FinalizeTrip(_ context.Context, h *models.TripHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneTrip(h)
	if cur, ok := m.trips[h.BookingID]; ok {
		c.Path = cur.Path
	}
	m.trips[h.BookingID] = c
	return nil
}

func (m *MemoryStore) RecordDriverEarnings(_ context.Context, e models.DriverEarnings) error {
	m.mu.Lock()
	m.driverEarn = append(m.driverEarn, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) RecordAdminEarnings(_ context.Context, e models.AdminEarnings) error {
	m.mu.Lock()
	m.adminEarn = append(m.adminEarn, e)
	m.mu.Unlock()
	return nil
}

// AdminEarnings returns a copy of the recorded platform earnings.
func (m *MemoryStore) AdminEarnings() []models.AdminEarnings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AdminEarnings(nil), m.adminEarn...)
}

func (m *MemoryStore) DriverEarnings() []models.DriverEarnings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.DriverEarnings(nil), m.driverEarn...)
}

func (m *MemoryStore) ActiveRule(_ context.Context, vehicleType string) (models.PricingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[vehicleType]
	if !ok || !r.Active {
		return models.PricingRule{}, errs.New(errs.PricingNotFound, "no active pricing for vehicle type %q", vehicleType)
	}
	return r, nil
}

func (m *MemoryStore) PutRule(_ context.Context, r models.PricingRule) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.rules[r.VehicleType] = r
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LatestCommissionRate(_ context.Context, driverID string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.overrides[driverID]
	return o.Rate, ok, nil
}

func (m *MemoryStore) PutCommissionOverride(_ context.Context, o models.CommissionOverride) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.overrides[o.DriverID]; ok && cur.CreatedAt.After(o.CreatedAt) {
		return nil
	}
	m.overrides[o.DriverID] = o
	return nil
}
