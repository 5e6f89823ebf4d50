// Package exit holds the exit rules of every strategy. The rules are pure:
// they read a position and an observation gathered by the caller and return
// a domain.Decision. Nothing here touches a venue or the store.
package exit

import "time"

// FundingParams configure the funding-arb rules.
type FundingParams struct {
	Timeout       time.Duration // max holding time
	RateDropRatio float64       // close when |rate| < ratio * |entry rate|
}

// SpreadParams configure the spread rules. Percentages are in percent units
// (0.03 = 0.03%).
type SpreadParams struct {
	Timeout       time.Duration
	CloseBelowPct float64
	ProfitTakePct float64
}

// PredictionParams configure the two-level re-evaluation.
type PredictionParams struct {
	ReevalTrigger float64 // relative move that escalates to Level 2 (0.05 = 5%)
	MinEdge       float64 // below this held-side edge the bet is sold
	AlertEdge     float64 // below this (and >= MinEdge) the operator is alerted
}

// SettlementParams configure the hold-to-resolution rules.
type SettlementParams struct {
	Grace time.Duration // how long past the end date before giving up on resolution
}

// DefaultFundingParams returns the production defaults.
func DefaultFundingParams() FundingParams {
	return FundingParams{Timeout: 24 * time.Hour, RateDropRatio: 0.5}
}

// DefaultSpreadParams returns the production defaults.
func DefaultSpreadParams() SpreadParams {
	return SpreadParams{Timeout: time.Hour, CloseBelowPct: 0.03, ProfitTakePct: 0.5}
}

// DefaultPredictionParams returns the production defaults.
func DefaultPredictionParams() PredictionParams {
	return PredictionParams{ReevalTrigger: 0.05, MinEdge: 0.01, AlertEdge: 0.03}
}

// DefaultSettlementParams returns the production defaults.
func DefaultSettlementParams() SettlementParams {
	return SettlementParams{Grace: 2 * time.Hour}
}
