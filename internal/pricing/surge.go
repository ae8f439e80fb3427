package pricing

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

type Level string

const (
	LevelNormal Level = "normal"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

func LevelFor(multiplier float64) Level {
	switch {
	case multiplier > 1.5:
		return LevelHigh
	case multiplier > 1.2:
		return LevelMedium
	default:
		return LevelNormal
	}
}

// DensitySource counts open requests (demand) and available drivers (supply)
// around a point.
type DensitySource interface {
	Density(ctx context.Context, near models.Coord, vehicleType string) (demand, supply int, err error)
}

// SurgeFunc maps demand and supply to a multiplier >= 1.
type SurgeFunc func(demand, supply int) float64

// RatioSurge grows by a quarter per unit of demand/supply ratio above 1,
// capped at limit. No supply with open demand is limit.
func RatioSurge(limit float64) SurgeFunc {
	if limit < 1 {
		limit = 1
	}
	return func(demand, supply int) float64 {
		if demand <= 0 {
			return 1
		}
		if supply <= 0 {
			return limit
		}
		ratio := float64(demand) / float64(supply)
		m := 1 + 0.25*(ratio-1)
		return math.Min(limit, math.Max(1, m))
	}
}

type SurgeInfo struct {
	Multiplier float64 `json:"multiplier"`
	Level      Level   `json:"level"`
	Demand     int     `json:"demand"`
	Supply     int     `json:"supply"`
}

type SurgePolicy struct {
	Density DensitySource
	Func    SurgeFunc
}

func (p *SurgePolicy) At(ctx context.Context, near models.Coord, vehicleType string) (SurgeInfo, error) {
	demand, supply, err := p.Density.Density(ctx, near, vehicleType)
	if err != nil {
		return SurgeInfo{Multiplier: 1, Level: LevelNormal}, err
	}
	f := p.Func
	if f == nil {
		f = RatioSurge(2)
	}
	m := Round2(f(demand, supply))
	return SurgeInfo{Multiplier: m, Level: LevelFor(m), Demand: demand, Supply: supply}, nil
}
