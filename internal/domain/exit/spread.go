package exit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// SpreadObservation is the state of both legs of a spread position.
// Buy is the quote of the envelope leg, Sell the quote of the payload leg.
type SpreadObservation struct {
	BuyLegOpen  bool
	SellLegOpen bool
	Buy         domain.Quote
	Sell        domain.Quote
	Now         time.Time
}

// Spread decides on a two-leg spread position. A pending partial close is
// finished first; after that the first matching rule wins: stop-loss
// triggers, timeout_1h, spread_closed, profit_take.
func Spread(pos domain.Position, obs SpreadObservation, p SpreadParams) domain.Decision {
	if pos.PendingLeg != domain.LegNone {
		return finishPending(pos, obs)
	}

	switch {
	case !obs.BuyLegOpen && !obs.SellLegOpen:
		price := lastOrBid(obs.Buy)
		return domain.RecordClose(domain.ReasonBothSLTriggered, price, domain.SpreadPnL(pos, price))
	case !obs.BuyLegOpen:
		return closeSurvivor(pos, domain.ReasonBuySLTriggered, domain.LegOther, obs.Sell.Ask)
	case !obs.SellLegOpen:
		return closeSurvivor(pos, domain.ReasonSellSLTriggered, domain.LegPrimary, obs.Buy.Bid)
	}

	if p.Timeout > 0 && pos.Age(obs.Now) >= p.Timeout {
		return domain.CloseLegs(domain.ReasonTimeout1h, domain.LegBoth, true)
	}
	return SpreadConvergence(pos, obs.Buy.Bid, obs.Sell.Ask, p)
}

// SpreadConvergence applies the price rules only. The spread watcher calls
// it on every ticker update; leg state and timeouts stay with the poller.
func SpreadConvergence(pos domain.Position, buyBid, sellAsk float64, p SpreadParams) domain.Decision {
	spread, ok := spreadPct(buyBid, sellAsk)
	if !ok {
		return domain.Hold()
	}
	switch {
	case spread.LessThanOrEqual(decimal.NewFromFloat(p.CloseBelowPct)):
		d := domain.CloseLegs(domain.ReasonSpreadClosed, domain.LegBoth, true)
		d.Price = buyBid
		return d
	case p.ProfitTakePct > 0 && spread.GreaterThanOrEqual(decimal.NewFromFloat(p.ProfitTakePct)):
		d := domain.CloseLegs(domain.ReasonProfitTake, domain.LegBoth, true)
		d.Price = buyBid
		return d
	}
	return domain.Hold()
}

// CurrentSpreadPct is (buy-leg bid - sell-leg ask) / sell-leg ask * 100.
// It returns false when either price is missing.
func CurrentSpreadPct(buyBid, sellAsk float64) (float64, bool) {
	s, ok := spreadPct(buyBid, sellAsk)
	if !ok {
		return 0, false
	}
	return s.InexactFloat64(), true
}

func spreadPct(buyBid, sellAsk float64) (decimal.Decimal, bool) {
	if buyBid <= 0 || sellAsk <= 0 {
		return decimal.Zero, false
	}
	ask := decimal.NewFromFloat(sellAsk)
	return decimal.NewFromFloat(buyBid).Sub(ask).Div(ask).Mul(decimal.NewFromInt(100)), true
}

// closeSurvivor closes the leg the venue still holds after the other leg's
// stop fired. Its own SL order is cancelled first.
func closeSurvivor(pos domain.Position, reason domain.CloseReason, leg domain.Leg, price float64) domain.Decision {
	d := domain.CloseLegs(reason, leg, true)
	d.Price = price
	d.PnL = domain.SurvivingLegPnL(pos, leg, price)
	return d
}

func finishPending(pos domain.Position, obs SpreadObservation) domain.Decision {
	reason := pos.PendingReason
	if reason == "" {
		reason = domain.ReasonManual
	}

	left := domain.LegNone
	switch pos.PendingLeg {
	case domain.LegPrimary:
		if obs.BuyLegOpen {
			left = domain.LegPrimary
		}
	case domain.LegOther:
		if obs.SellLegOpen {
			left = domain.LegOther
		}
	case domain.LegBoth:
		switch {
		case obs.BuyLegOpen && obs.SellLegOpen:
			left = domain.LegBoth
		case obs.BuyLegOpen:
			left = domain.LegPrimary
		case obs.SellLegOpen:
			left = domain.LegOther
		}
	}

	if left == domain.LegNone {
		price := lastOrBid(obs.Buy)
		return domain.RecordClose(reason, price, domain.SpreadPnL(pos, price))
	}
	d := domain.CloseLegs(reason, left, false)
	if left == domain.LegOther {
		d.Price = obs.Sell.Ask
	} else {
		d.Price = obs.Buy.Bid
	}
	return d
}

func lastOrBid(q domain.Quote) float64 {
	if q.Last > 0 {
		return q.Last
	}
	return q.Bid
}
