package pricing

import "context"

const DefaultCommissionRate = 15.0

// CommissionSource returns the most recent driver-specific rate, if any.
type CommissionSource interface {
	LatestCommissionRate(ctx context.Context, driverID string) (rate float64, ok bool, err error)
}

// CommissionPolicy resolves the commission percentage for a driver.
// DefaultRate is used as given, so zero means no commission.
type CommissionPolicy struct {
	Overrides   CommissionSource
	DefaultRate float64
}

func NewCommissionPolicy(overrides CommissionSource, defaultRate float64) *CommissionPolicy {
	return &CommissionPolicy{Overrides: overrides, DefaultRate: defaultRate}
}

// Rate returns the driver's override or the platform default. On lookup
// failure it still returns the default alongside the error.
func (p *CommissionPolicy) Rate(ctx context.Context, driverID string) (float64, error) {
	def := p.DefaultRate
	if p.Overrides == nil {
		return def, nil
	}
	rate, ok, err := p.Overrides.LatestCommissionRate(ctx, driverID)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return rate, nil
}

// Split returns the platform commission and the driver's share of fare.
func Split(fare, ratePct float64) (commission, earnings float64) {
	commission = fare * ratePct / 100
	return commission, fare - commission
}

// CanAccept is the default finance rule: the driver's balance must cover the
// commission the booking would generate.
func CanAccept(balance, fareEstimate, ratePct float64) bool {
	return balance >= fareEstimate*ratePct/100
}
