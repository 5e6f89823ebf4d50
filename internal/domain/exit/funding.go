package exit

import (
	"math"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// FundingObservation is what the caller fetched from the venue for one
// funding-arb position.
type FundingObservation struct {
	VenueHasPosition bool
	Last             float64 // last traded price, used for record-only closes
	Rate             float64 // current funding rate per period
	Now              time.Time
}

// Funding decides on a funding-arb position. The first matching rule wins:
//
//  1. the venue no longer has the position and a TP or SL was attached:
//     the exchange closed it, record tp_sl_triggered
//  2. the venue no longer has the position and no TP/SL exists: escalate
//     position_missing so the caller re-fetches before acting
//  3. age >= timeout: timeout_24h
//  4. rate sign flipped: rate_flipped
//  5. |rate| fell below RateDropRatio of the entry rate: rate_dropped
func Funding(pos domain.Position, obs FundingObservation, p FundingParams) domain.Decision {
	if !obs.VenueHasPosition {
		if pos.Exits.HasAny() {
			pnl := domain.LinearPnL(pos.Side, pos.EntryPrice, obs.Last, pos.Quantity)
			return domain.RecordClose(domain.ReasonTPSLTriggered, obs.Last, pnl)
		}
		return domain.Escalate(domain.ReasonPositionMissing)
	}

	if p.Timeout > 0 && pos.Age(obs.Now) >= p.Timeout {
		return domain.CloseLegs(domain.ReasonTimeout24h, domain.LegPrimary, true)
	}

	var entry float64
	if pos.Funding != nil {
		entry = pos.Funding.EntryRate
	}
	if entry == 0 {
		return domain.Hold()
	}
	if obs.Rate*entry < 0 {
		return domain.CloseLegs(domain.ReasonRateFlipped, domain.LegPrimary, true)
	}
	if math.Abs(obs.Rate) < p.RateDropRatio*math.Abs(entry) {
		return domain.CloseLegs(domain.ReasonRateDropped, domain.LegPrimary, true)
	}
	return domain.Hold()
}
