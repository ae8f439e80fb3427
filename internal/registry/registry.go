// Package registry holds the process-local dispatch state: offer dedup,
// live driver locations and per-connection availability. None of it is
// authoritative; every guard re-checks the booking store.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const DefaultDispatchTTL = 24 * time.Hour

// Registry operations never fail; implementations backed by a network store
// log and degrade.
type Registry interface {
	MarkDispatched(bookingID, driverID string) bool
	WasDispatched(bookingID, driverID string) bool
	// UnmarkDispatched forgets one pair so a failed offer can be retried.
	UnmarkDispatched(bookingID, driverID string)
	ClearBooking(bookingID string)

	SetLiveLocation(driverID string, loc models.LiveLocation)
	LiveLocation(driverID string) (models.LiveLocation, bool)

	RegisterConnection(driverID, connID string)
	UnregisterConnection(driverID, connID string)
	SetAvailability(driverID, connID string, available bool)
	IsAvailable(driverID string) bool
}

type dispatchKey struct{ booking, driver string }

// Memory is the in-process Registry. Construct one per process and share it.
type Memory struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	dispatched map[dispatchKey]time.Time
	locations  map[string]models.LiveLocation
	conns      map[string]map[string]struct{}
	available  map[string]map[string]struct{}
}

func NewMemory(ttl time.Duration, logger *slog.Logger) *Memory {
	if ttl <= 0 {
		ttl = DefaultDispatchTTL
	}
	return &Memory{
		ttl:        ttl,
		now:        time.Now,
		logger:     logging.OrDiscard(logger),
		dispatched: make(map[dispatchKey]time.Time),
		locations:  make(map[string]models.LiveLocation),
		conns:      make(map[string]map[string]struct{}),
		available:  make(map[string]map[string]struct{}),
	}
}

// MarkDispatched records the offer and reports whether this call was the
// first one inside the TTL window.
func (m *Memory) MarkDispatched(bookingID, driverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dispatchKey{bookingID, driverID}
	if at, ok := m.dispatched[k]; ok && m.now().Sub(at) < m.ttl {
		return false
	}
	m.dispatched[k] = m.now()
	return true
}

func (m *Memory) WasDispatched(bookingID, driverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dispatchKey{bookingID, driverID}
	at, ok := m.dispatched[k]
	if !ok {
		return false
	}
	if m.now().Sub(at) >= m.ttl {
		delete(m.dispatched, k)
		return false
	}
	return true
}

func (m *Memory) UnmarkDispatched(bookingID, driverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dispatched, dispatchKey{bookingID, driverID})
}

func (m *Memory) ClearBooking(bookingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.dispatched {
		if k.booking == bookingID {
			delete(m.dispatched, k)
		}
	}
}

func (m *Memory) SetLiveLocation(driverID string, loc models.LiveLocation) {
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = m.now()
	}
	m.mu.Lock()
	m.locations[driverID] = loc
	m.mu.Unlock()
}

func (m *Memory) LiveLocation(driverID string) (models.LiveLocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[driverID]
	return loc, ok
}

func (m *Memory) RegisterConnection(driverID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.conns[driverID]
	if !ok {
		set = make(map[string]struct{})
		m.conns[driverID] = set
	}
	set[connID] = struct{}{}
}

// UnregisterConnection drops the connection and its availability flag. The
// live location is dropped with the driver's last connection.
func (m *Memory) UnregisterConnection(driverID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.conns[driverID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.conns, driverID)
			delete(m.locations, driverID)
		}
	}
	m.setAvailableLocked(driverID, connID, false)
}

func (m *Memory) SetAvailability(driverID, connID string, available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAvailableLocked(driverID, connID, available)
}

func (m *Memory) setAvailableLocked(driverID, connID string, available bool) {
	set, ok := m.available[driverID]
	if available {
		if !ok {
			set = make(map[string]struct{})
			m.available[driverID] = set
			observability.DriversAvailable.Inc()
		}
		set[connID] = struct{}{}
		return
	}
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m.available, driverID)
		observability.DriversAvailable.Dec()
	}
}

func (m *Memory) IsAvailable(driverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.available[driverID]) > 0
}

// Sweep evicts expired dedup entries and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, at := range m.dispatched {
		if now.Sub(at) >= m.ttl {
			delete(m.dispatched, k)
			n++
		}
	}
	return n
}

// Run sweeps on every tick until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info("cache_cleanup", "evicted", n)
			}
		}
	}
}
