// Package bandit implements the risk-adjusted UCB1/LCB scoring used to rank
// templates and decide freeze eligibility.
package bandit

import (
	"math"
	"time"
)

// Params bundles the scoring and freeze tunables. Zero values are not useful;
// use DefaultParams as a base.
type Params struct {
	// UCBC is the UCB1 exploration constant.
	UCBC float64
	// RiskPenalty scales the sqrt(variance) penalty subtracted from scores.
	RiskPenalty float64
	// LCBZ is the z-score used by the lower-confidence-bound freeze gate.
	LCBZ float64
	// FreezeMinN is the trade count required by the absolute-mean freeze gate.
	FreezeMinN int
	// MeanThreshold is the mean reward below which a well-observed template
	// is frozen.
	MeanThreshold float64
	// StaleAfter freezes templates unused for longer than this; zero disables
	// the staleness gate.
	StaleAfter time.Duration
}

// DefaultParams mirrors the production tuning.
func DefaultParams() Params {
	return Params{
		UCBC:          2.0,
		RiskPenalty:   0.05,
		LCBZ:          1.0,
		FreezeMinN:    20,
		MeanThreshold: 0.0,
	}
}

// Summary is the cross-regime aggregate the scorer consumes. Variance is the
// approximate pooled variance (sum of per-regime M2 over total n).
type Summary struct {
	NTrades    int
	RewardMean float64
	Variance   float64
	LastUsedAt time.Time
	IsFrozen   bool
}

// UCB1 returns the upper confidence bound mean + c*sqrt(ln(total)/n). An
// unplayed arm (n==0) scores +Inf so it always outranks any finite arm.
func UCB1(mean float64, n, totalPlays int, c float64) float64 {
	if n <= 0 {
		return math.Inf(1)
	}
	if totalPlays < 1 {
		totalPlays = 1
	}
	return mean + c*math.Sqrt(math.Log(float64(totalPlays))/float64(n))
}

// LCB returns the lower confidence bound mean - z*sqrt(var/n). A single sample
// cannot be bounded, so n<=1 returns the mean unchanged.
func LCB(mean float64, n int, variance, z float64) float64 {
	if n <= 1 {
		return mean
	}
	return mean - z*math.Sqrt(math.Max(variance, 0)/float64(n))
}

// Score is the selection score: UCB1 minus a volatility penalty.
func Score(s Summary, totalPlays int, p Params) float64 {
	score := UCB1(s.RewardMean, s.NTrades, totalPlays, p.UCBC)
	return score - p.RiskPenalty*math.Sqrt(math.Max(s.Variance, 0))
}

// ShouldFreeze applies the three-gate OR rule: (1) enough trades with a mean
// below threshold, (2) a risk-adjusted LCB below zero at half the trade gate,
// (3) optionally, no use for longer than StaleAfter.
func ShouldFreeze(s Summary, p Params, now time.Time) bool {
	if s.NTrades >= p.FreezeMinN && s.RewardMean < p.MeanThreshold {
		return true
	}
	halfGate := p.FreezeMinN / 2
	if halfGate < 5 {
		halfGate = 5
	}
	if s.NTrades >= halfGate && LCB(s.RewardMean, s.NTrades, s.Variance, p.LCBZ) < 0 {
		return true
	}
	if p.StaleAfter > 0 && !now.IsZero() && !s.LastUsedAt.IsZero() {
		if now.Sub(s.LastUsedAt) > p.StaleAfter {
			return true
		}
	}
	return false
}
