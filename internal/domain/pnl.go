package domain

import "github.com/shopspring/decimal"

// pnlPlaces is the rounding applied to every recorded pnl (USD).
const pnlPlaces = 6

// LinearPnL is the pnl of a single leg of qty units opened at entry and
// closed at exit. Short legs profit when the price falls.
func LinearPnL(side string, entry, exit, qty float64) float64 {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	q := decimal.NewFromFloat(qty)

	var diff decimal.Decimal
	if side == SideShort {
		diff = e.Sub(x)
	} else {
		diff = x.Sub(e)
	}
	return diff.Mul(q).Round(pnlPlaces).InexactFloat64()
}

// SpreadPnL approximates the pnl of closing both legs of a spread using the
// buy leg's price delta only. The sell leg is ignored; a dual-leg
// mark-to-market can replace this function without touching the engine.
func SpreadPnL(pos Position, buyLegExit float64) float64 {
	return LinearPnL(SideLong, pos.EntryPrice, buyLegExit, pos.Quantity)
}

// SurvivingLegPnL approximates the pnl recorded when one spread leg was
// stopped out on the venue and the engine closed the other at exit.
// Like SpreadPnL it is measured against the buy leg's entry price.
func SurvivingLegPnL(pos Position, surviving Leg, exit float64) float64 {
	if surviving == LegOther {
		return LinearPnL(SideShort, pos.EntryPrice, exit, pos.Quantity)
	}
	return LinearPnL(SideLong, pos.EntryPrice, exit, pos.Quantity)
}

// PredictionPnL is the pnl of selling qty outcome tokens bought at entry.
func PredictionPnL(entry, sell, qty float64) float64 {
	return LinearPnL(SideLong, entry, sell, qty)
}

// PriceDelta is the relative move from entry to exit, signed (0.05 = +5%).
func PriceDelta(entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	e := decimal.NewFromFloat(entry)
	return decimal.NewFromFloat(exit).Sub(e).Div(e).Round(pnlPlaces).InexactFloat64()
}
