package pricing

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fixedDensity struct{ demand, supply int }

func (f fixedDensity) Density(context.Context, models.Coord, string) (int, int, error) {
	return f.demand, f.supply, nil
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		m    float64
		want Level
	}{
		{1, LevelNormal},
		{1.2, LevelNormal},
		{1.3, LevelMedium},
		{1.5, LevelMedium},
		{1.51, LevelHigh},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.m); got != tt.want {
			t.Fatalf("LevelFor(%v) = %s, want %s", tt.m, got, tt.want)
		}
	}
}

func TestRatioSurge(t *testing.T) {
	f := RatioSurge(2)
	if got := f(0, 0); got != 1 {
		t.Fatalf("no demand should be 1, got %f", got)
	}
	if got := f(3, 0); got != 2 {
		t.Fatalf("no supply should hit the cap, got %f", got)
	}
	if got := f(2, 4); got != 1 {
		t.Fatalf("excess supply should be 1, got %f", got)
	}
	if got := f(3, 1); got != 1.5 {
		t.Fatalf("ratio 3 should be 1.5, got %f", got)
	}
	if got := f(100, 1); got != 2 {
		t.Fatalf("expected cap 2, got %f", got)
	}
}

func TestSurgePolicyAt(t *testing.T) {
	p := &SurgePolicy{Density: fixedDensity{demand: 5, supply: 2}}
	info, err := p.At(context.Background(), models.Coord{}, "mini")
	if err != nil {
		t.Fatalf("surge: %v", err)
	}
	if info.Multiplier != 1.38 || info.Level != LevelMedium {
		t.Fatalf("unexpected surge info: %+v", info)
	}
}

func TestCommissionPolicy(t *testing.T) {
	p := NewCommissionPolicy(nil, DefaultCommissionRate)
	rate, err := p.Rate(context.Background(), "d1")
	if err != nil || rate != DefaultCommissionRate {
		t.Fatalf("expected default rate, got %f err=%v", rate, err)
	}
	c, e := Split(200, 15)
	if c != 30 || e != 170 {
		t.Fatalf("unexpected split %f/%f", c, e)
	}
	if !CanAccept(3, 20, 15) || CanAccept(2.99, 20, 15) {
		t.Fatalf("finance rule should require balance >= commission")
	}
}

type fixedRates map[string]float64

func (f fixedRates) LatestCommissionRate(_ context.Context, driverID string) (float64, bool, error) {
	r, ok := f[driverID]
	return r, ok, nil
}

func TestCommissionPolicyHonoursZeroRate(t *testing.T) {
	p := NewCommissionPolicy(fixedRates{"d2": 10}, 0)
	rate, err := p.Rate(context.Background(), "d1")
	if err != nil || rate != 0 {
		t.Fatalf("zero default rate became %f (err=%v)", rate, err)
	}
	if rate, _ := p.Rate(context.Background(), "d2"); rate != 10 {
		t.Fatalf("override rate = %f, want 10", rate)
	}
	if c, e := Split(40, 0); c != 0 || e != 40 {
		t.Fatalf("split at zero commission = %f/%f", c, e)
	}
	if !CanAccept(0, 40, 0) {
		t.Fatal("an empty wallet covers zero commission")
	}
}
