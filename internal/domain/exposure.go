package domain

import "fmt"

// Exposure is the deployed capital over a set of open positions.
// It is always computed from the positions themselves, never kept as a
// running counter.
type Exposure struct {
	Total      float64
	ByCategory map[string]float64
	ByStrategy map[Strategy]float64
	Positions  int
}

// ComputeExposure sums SizeUSD over the open positions in ps.
// Closed positions are ignored so callers may pass a mixed slice.
func ComputeExposure(ps []Position) Exposure {
	exp := Exposure{
		ByCategory: make(map[string]float64),
		ByStrategy: make(map[Strategy]float64),
	}
	for _, p := range ps {
		if !p.IsOpen() {
			continue
		}
		exp.Total += p.SizeUSD
		exp.ByCategory[p.Category()] += p.SizeUSD
		exp.ByStrategy[p.Strategy] += p.SizeUSD
		exp.Positions++
	}
	return exp
}

// ExposureLimits are the caps checked before a new position is admitted.
// Zero disables a cap.
type ExposureLimits struct {
	Bankroll            float64              // max total deployed
	MaxCategoryFraction float64              // max share of PredictionBankroll per prediction category
	PredictionBankroll  float64              // base for the category cap
	MaxPerStrategy      map[Strategy]float64 // absolute USD per strategy
	MaxPositionUSD      map[Strategy]float64 // absolute USD per single position
}

// CheckLimits returns an ErrExposureCap error when adding candidate to the
// current exposure would breach one of the limits.
func (l ExposureLimits) CheckLimits(current Exposure, candidate Position) error {
	size := candidate.SizeUSD

	if max := l.MaxPositionUSD[candidate.Strategy]; max > 0 && size > max {
		return fmt.Errorf("%w: position $%.2f > max $%.2f for %s", ErrExposureCap, size, max, candidate.Strategy)
	}
	if l.Bankroll > 0 && current.Total+size > l.Bankroll {
		return fmt.Errorf("%w: total $%.2f + $%.2f > bankroll $%.2f", ErrExposureCap, current.Total, size, l.Bankroll)
	}
	if max := l.MaxPerStrategy[candidate.Strategy]; max > 0 && current.ByStrategy[candidate.Strategy]+size > max {
		return fmt.Errorf("%w: %s $%.2f + $%.2f > $%.2f", ErrExposureCap,
			candidate.Strategy, current.ByStrategy[candidate.Strategy], size, max)
	}
	if candidate.Strategy == StrategyPrediction && l.MaxCategoryFraction > 0 && l.PredictionBankroll > 0 {
		cat := candidate.Category()
		capUSD := l.MaxCategoryFraction * l.PredictionBankroll
		if current.ByCategory[cat]+size > capUSD {
			return fmt.Errorf("%w: category %q $%.2f + $%.2f > $%.2f", ErrExposureCap,
				cat, current.ByCategory[cat], size, capUSD)
		}
	}
	return nil
}
