package sentinel

import (
	"context"
	"math"
	"time"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// ScoreContext carries the fleet state a scorer may consult
type ScoreContext struct {
	// PoolInterruptionRate is the fraction of recent signals in the
	// agent's pool that were termination notices, in [0,1]
	PoolInterruptionRate float64

	// InstanceAge is how long the agent's current instance has been up
	InstanceAge time.Duration

	// PriceVolatility is the relative standard deviation of the pool's
	// recent clean prices
	PriceVolatility float64
}

// RiskScorer scores an interruption signal in [0,1]. Implementations may
// call out to an external model; any error makes the caller fall back to
// the rule-based formula.
type RiskScorer interface {
	Score(ctx context.Context, sig *types.InterruptionSignal, sc ScoreContext) (float64, error)
}

// Normalization ceilings for the rule formula. An instance older than
// ageCeiling or a pool more volatile than volatilityCeiling contributes
// its full weight.
const (
	ageCeiling        = 7 * 24 * time.Hour
	volatilityCeiling = 0.20
)

// Rule formula weights
const (
	weightPoolRate   = 0.40
	weightAge        = 0.30
	weightVolatility = 0.30
)

// RuleScorer is the default scorer: a fixed weighted sum of pool
// interruption history, instance age and price volatility
type RuleScorer struct{}

func (RuleScorer) Score(_ context.Context, _ *types.InterruptionSignal, sc ScoreContext) (float64, error) {
	score := weightPoolRate*clamp01(sc.PoolInterruptionRate) +
		weightAge*clamp01(sc.InstanceAge.Seconds()/ageCeiling.Seconds()) +
		weightVolatility*clamp01(sc.PriceVolatility/volatilityCeiling)
	return clamp01(score), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
