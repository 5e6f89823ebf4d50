package exit

import (
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// SettlementObservation is the venue state of a position held to resolution
// (pm_arb, micro_arb, and prediction bets whose token is gone).
type SettlementObservation struct {
	Held  domain.Leg // legs the venue still reports; LegNone once all are gone
	Price float64    // held token price (the pending leg's during a retry), 0 if unknown
	Now   time.Time
}

// Settlement records positions whose tokens the venue no longer reports as
// resolved, and sells positions still held past their end date plus grace.
// While a partial close is pending only the pending leg is considered.
func Settlement(pos domain.Position, obs SettlementObservation, p SettlementParams) domain.Decision {
	if pos.PendingLeg != domain.LegNone {
		return finishSettlement(pos, obs)
	}
	if obs.Held == domain.LegNone {
		price, pnl := settledValue(pos, obs.Price)
		return domain.RecordClose(domain.ReasonResolved, price, pnl)
	}

	end := settlementEnd(pos)
	if !end.IsZero() && obs.Now.After(end.Add(p.Grace)) {
		d := domain.CloseLegs(domain.ReasonExpired, pos.Legs().Overlap(obs.Held), false)
		d.Price = obs.Price
		return d
	}
	return domain.Hold()
}

// finishSettlement retries the leg left open by a partial close with its
// original reason. A pending leg the venue no longer holds was redeemed in
// the meantime and the close is recorded.
func finishSettlement(pos domain.Position, obs SettlementObservation) domain.Decision {
	reason := pos.PendingReason
	if reason == "" {
		reason = domain.ReasonExpired
	}

	left := pos.PendingLeg.Overlap(obs.Held)
	if left != domain.LegNone {
		d := domain.CloseLegs(reason, left, false)
		d.Price = obs.Price
		return d
	}

	// LastCheckPrice holds the fill of the leg already sold
	done := pos.ReferencePrice()
	rest := obs.Price
	if rest <= 0 {
		rest = max(1-done, 0)
	}
	set := done + rest
	return domain.RecordClose(reason, set, domain.LinearPnL(domain.SideLong, pos.EntryPrice, set, pos.Quantity))
}

// settledValue is the close price and pnl of a resolved position. A YES+NO
// set always pays out $1; a single token is valued at its last price, or at
// the last observed one when the book is already gone.
func settledValue(pos domain.Position, last float64) (float64, float64) {
	if pos.Arb != nil {
		return 1, domain.LinearPnL(domain.SideLong, pos.EntryPrice, 1, pos.Quantity)
	}
	if last <= 0 {
		last = pos.ReferencePrice()
	}
	return last, domain.PredictionPnL(pos.EntryPrice, last, pos.Quantity)
}

func settlementEnd(pos domain.Position) time.Time {
	switch {
	case pos.MicroArb != nil:
		return pos.MicroArb.WindowEnd
	case pos.Arb != nil:
		return pos.Arb.EndDate
	case pos.Prediction != nil:
		return pos.Prediction.EndDate
	}
	return time.Time{}
}
