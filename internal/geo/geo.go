package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

// Geo is the driver directory the matcher queries: the identity service's
// driver records joined with their last persisted position.
type Geo interface {
	Candidates(ctx context.Context, vehicleType string, near models.Coord, radiusKm float64) ([]models.Driver, error)
	Driver(ctx context.Context, id string) (models.Driver, error)
	Apply(ctx context.Context, p models.LocationPing) error
}

// ValidLatitude reports whether lat is a usable latitude.
func ValidLatitude(lat float64) bool {
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) && lat >= -90 && lat <= 90
}

// ValidCoord reports whether c has a usable latitude and longitude.
func ValidCoord(c models.Coord) bool {
	return ValidLatitude(c.Lat) && !math.IsNaN(c.Lon) && c.Lon >= -180 && c.Lon <= 180
}

// DistanceKm is the haversine great-circle distance between a and b.
// It returns +Inf when either point has no valid latitude.
func DistanceKm(a, b models.Coord) float64 {
	if !ValidLatitude(a.Lat) || !ValidLatitude(b.Lat) || math.IsNaN(a.Lon) || math.IsNaN(b.Lon) {
		return math.Inf(1)
	}
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// PathDistanceKm sums consecutive segments. Fewer than two points is 0.
func PathDistanceKm(path []models.PathPoint) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += DistanceKm(
			models.Coord{Lat: path[i-1].Lat, Lon: path[i-1].Lon},
			models.Coord{Lat: path[i].Lat, Lon: path[i].Lon},
		)
	}
	return total
}

// Index is an in-memory Geo used for single-instance runs and tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

func (g *Index) Apply(_ context.Context, p models.LocationPing) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.drivers[p.DriverID]
	d.ID = p.DriverID
	if p.VehicleType != "" {
		d.VehicleType = p.VehicleType
	}
	d.Location = &models.Coord{Lat: p.Lat, Lon: p.Lon}
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Driver(_ context.Context, id string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	if !ok {
		return models.Driver{}, errs.New(errs.NotFound, "driver %s not found", id)
	}
	return d, nil
}

// Candidates returns every driver of the vehicle type (all types when empty).
// Drivers without a persisted location are returned too: the caller may
// know their live position.
func (g *Index) Candidates(_ context.Context, vehicleType string, _ models.Coord, _ float64) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Driver, 0, len(g.drivers))
	for _, d := range g.drivers {
		if vehicleType != "" && d.VehicleType != vehicleType {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
