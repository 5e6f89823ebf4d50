package exit

import (
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Level1Result is the cheap check run on every price observation.
type Level1Result struct {
	MovePct      float64 // |price - reference| / reference
	EdgeInverted bool    // market now prices the held side above our estimate
	Moved        bool    // MovePct reached the trigger
	Escalate     bool
}

// PredictionLevel1 compares the held token price with the last observation
// (or the entry price) and with the estimate recorded at entry. A move of
// at least ReevalTrigger, or an inverted edge, escalates to Level 2.
func PredictionLevel1(pos domain.Position, price float64, p PredictionParams) Level1Result {
	var res Level1Result
	if price <= 0 {
		return res
	}

	ref := pos.ReferencePrice()
	if ref > 0 {
		r := decimal.NewFromFloat(ref)
		move := decimal.NewFromFloat(price).Sub(r).Abs().Div(r)
		res.MovePct = move.Round(6).InexactFloat64()
		if p.ReevalTrigger > 0 && move.GreaterThanOrEqual(decimal.NewFromFloat(p.ReevalTrigger)) {
			res.Moved = true
			res.Escalate = true
		}
	}

	if pos.Prediction != nil {
		held := domain.HeldProbability(pos.Side, pos.Prediction.EstimatedProb)
		if price > held {
			res.EdgeInverted = true
			res.Escalate = true
		}
	}
	return res
}

// Level2Result is the verdict after a fresh probability estimate.
type Level2Result struct {
	Verdict domain.ReevalVerdict
	Reason  domain.CloseReason // set when Verdict is SOLD
	OurEdge float64            // held-side probability minus held token price
}

// PredictionLevel2 turns a fresh estimate into HOLD, ALERT or SOLD.
// The edge is measured on the held side: YES uses p, NO uses 1-p, and price
// is the held token's price. A recommendation for the opposite side sells.
func PredictionLevel2(pos domain.Position, price float64, est domain.Estimate, p PredictionParams) Level2Result {
	held := decimal.NewFromFloat(domain.HeldProbability(pos.Side, est.Probability))
	edge := held.Sub(decimal.NewFromFloat(price))
	res := Level2Result{Verdict: domain.VerdictHold, OurEdge: edge.Round(6).InexactFloat64()}

	flipped := (est.RecommendedSide == domain.SideYes || est.RecommendedSide == domain.SideNo) &&
		est.RecommendedSide != pos.Side

	switch {
	case edge.LessThan(decimal.NewFromFloat(p.MinEdge)) || flipped:
		res.Verdict = domain.VerdictSold
		if edge.IsNegative() {
			res.Reason = domain.ReasonEdgeInverted
		} else {
			res.Reason = domain.ReasonEdgeTooThin
		}
	case edge.LessThan(decimal.NewFromFloat(p.AlertEdge)):
		res.Verdict = domain.VerdictAlert
	}
	return res
}
