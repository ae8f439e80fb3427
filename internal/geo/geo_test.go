package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceZero(t *testing.T) {
	a := models.Coord{Lat: 9.0192, Lon: 38.7525}
	if d := DistanceKm(a, a); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := models.Coord{Lat: 9.0192, Lon: 38.7525}
	b := models.Coord{Lat: 9.03, Lon: 38.76}
	if DistanceKm(a, b) != DistanceKm(b, a) {
		t.Fatalf("distance not symmetric: %f vs %f", DistanceKm(a, b), DistanceKm(b, a))
	}
}

func TestDistanceOneDegreeLatitude(t *testing.T) {
	a := models.Coord{Lat: 9.0192, Lon: 38.7525}
	b := models.Coord{Lat: 10.0192, Lon: 38.7525}
	d := DistanceKm(a, b)
	if math.Abs(d-111) > 111*0.01 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func TestDistanceInvalidLatitude(t *testing.T) {
	tests := []struct {
		name string
		a, b models.Coord
	}{
		{"nan", models.Coord{Lat: math.NaN(), Lon: 1}, models.Coord{Lat: 1, Lon: 1}},
		{"out of range", models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 95, Lon: 1}},
		{"inf", models.Coord{Lat: math.Inf(-1), Lon: 1}, models.Coord{Lat: 1, Lon: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := DistanceKm(tt.a, tt.b); !math.IsInf(d, 1) {
				t.Fatalf("expected +Inf, got %f", d)
			}
		})
	}
}

func TestValidCoord(t *testing.T) {
	cases := []struct {
		c    models.Coord
		want bool
	}{
		{models.Coord{Lat: 9.0192, Lon: 38.7525}, true},
		{models.Coord{Lat: -90, Lon: 180}, true},
		{models.Coord{Lat: 91, Lon: 0}, false},
		{models.Coord{Lat: 0, Lon: -180.5}, false},
		{models.Coord{Lat: math.NaN(), Lon: 0}, false},
		{models.Coord{Lat: 0, Lon: math.NaN()}, false},
	}
	for _, c := range cases {
		if got := ValidCoord(c.c); got != c.want {
			t.Errorf("ValidCoord(%v) = %v, want %v", c.c, got, c.want)
		}
	}
}

func TestPathDistanceSumsSegments(t *testing.T) {
	path := []models.PathPoint{
		{Lat: 9.00, Lon: 38.70},
		{Lat: 9.01, Lon: 38.71},
		{Lat: 9.02, Lon: 38.72},
	}
	want := DistanceKm(models.Coord{Lat: 9.00, Lon: 38.70}, models.Coord{Lat: 9.01, Lon: 38.71}) +
		DistanceKm(models.Coord{Lat: 9.01, Lon: 38.71}, models.Coord{Lat: 9.02, Lon: 38.72})
	got := PathDistanceKm(path)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, got)
	}
	direct := DistanceKm(models.Coord{Lat: 9.00, Lon: 38.70}, models.Coord{Lat: 9.02, Lon: 38.72})
	if got < direct {
		t.Fatalf("path %f shorter than straight line %f", got, direct)
	}
}

func TestPathDistanceShortPath(t *testing.T) {
	if d := PathDistanceKm(nil); d != 0 {
		t.Fatalf("expected 0 for empty path, got %f", d)
	}
	if d := PathDistanceKm([]models.PathPoint{{Lat: 1, Lon: 1}}); d != 0 {
		t.Fatalf("expected 0 for single point, got %f", d)
	}
}

func TestIndexFiltersByVehicleType(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "b", VehicleType: "mini"})
	idx.Upsert(models.Driver{ID: "a", VehicleType: "mini"})
	idx.Upsert(models.Driver{ID: "c", VehicleType: "suv"})
	_ = idx.Apply(context.Background(), models.LocationPing{DriverID: "a", Lat: 9, Lon: 38})

	got, err := idx.Candidates(context.Background(), "mini", models.Coord{}, 5)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if got[0].Location == nil || got[0].VehicleType != "mini" {
		t.Fatalf("ping should keep vehicle type and set location: %+v", got[0])
	}
	all, _ := idx.Candidates(context.Background(), "", models.Coord{}, 5)
	if len(all) != 3 {
		t.Fatalf("expected 3 drivers without a type filter, got %d", len(all))
	}
}
