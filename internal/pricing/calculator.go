// Package pricing turns distance and time into a fare breakdown and decides
// surge and commission.
package pricing

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// RuleSource returns the active rule for a vehicle type, or an
// errs.PricingNotFound error when there is none.
type RuleSource interface {
	ActiveRule(ctx context.Context, vehicleType string) (models.PricingRule, error)
}

type Input struct {
	DistanceKm     float64
	WaitingMinutes float64
	// SurgeOverride replaces the rule's multiplier when > 0.
	SurgeOverride float64
	Discount      float64
}

type Calculator struct {
	Rules RuleSource
}

func NewCalculator(rules RuleSource) *Calculator {
	return &Calculator{Rules: rules}
}

// Quote loads the active rule for vehicleType and computes the fare.
// A missing rule is never defaulted.
func (c *Calculator) Quote(ctx context.Context, vehicleType string, in Input) (models.FareBreakdown, error) {
	rule, err := c.Rules.ActiveRule(ctx, vehicleType)
	if err != nil {
		return models.FareBreakdown{}, err
	}
	if !rule.Active {
		return models.FareBreakdown{}, errs.New(errs.PricingNotFound, "no active pricing for vehicle type %q", vehicleType)
	}
	return Compute(rule, in)
}

// Compute is the pure fare formula:
//
//	total = max(minimumFare, (base+distance+time+waiting)*surge) - discount
//
// clamped to >= 0 and to maximumFare when set.
func Compute(rule models.PricingRule, in Input) (models.FareBreakdown, error) {
	if in.DistanceKm < 0 || math.IsNaN(in.DistanceKm) || math.IsInf(in.DistanceKm, 0) {
		return models.FareBreakdown{}, errs.New(errs.Validation, "distance must be a finite value >= 0")
	}
	if in.WaitingMinutes < 0 || math.IsNaN(in.WaitingMinutes) {
		return models.FareBreakdown{}, errs.New(errs.Validation, "waiting minutes must be >= 0")
	}
	if in.Discount < 0 {
		return models.FareBreakdown{}, errs.New(errs.Validation, "discount must be >= 0")
	}

	surge := rule.SurgeMultiplier
	if in.SurgeOverride > 0 {
		surge = in.SurgeOverride
	}
	if surge < 1 {
		surge = 1
	}

	b := models.FareBreakdown{
		Base:            rule.BaseFare,
		DistanceCost:    in.DistanceKm * rule.PerKm,
		TimeCost:        in.WaitingMinutes * rule.PerMinute,
		WaitingCost:     in.WaitingMinutes * rule.WaitingPerMinute,
		SurgeMultiplier: surge,
		Discount:        in.Discount,
	}
	total := (b.Base + b.DistanceCost + b.TimeCost + b.WaitingCost) * surge
	total = math.Max(rule.MinimumFare, total) - in.Discount
	if total < 0 {
		total = 0
	}
	if rule.MaximumFare > 0 && total > rule.MaximumFare {
		total = rule.MaximumFare
	}
	b.Total = total
	return b, nil
}

// Round2 rounds a currency amount for presentation.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Rounded returns a copy of b with every currency field rounded.
func Rounded(b models.FareBreakdown) models.FareBreakdown {
	b.Base = Round2(b.Base)
	b.DistanceCost = Round2(b.DistanceCost)
	b.TimeCost = Round2(b.TimeCost)
	b.WaitingCost = Round2(b.WaitingCost)
	b.Discount = Round2(b.Discount)
	b.Total = Round2(b.Total)
	return b
}
