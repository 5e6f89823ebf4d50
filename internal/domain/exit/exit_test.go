package exit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/domain/exit"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fundingPos(entryRate float64, age time.Duration) domain.Position {
	return domain.Position{
		ID:         "f-1",
		Strategy:   domain.StrategyFunding,
		Exchange:   "hyperliquid",
		Symbol:     "SEI/USDT:USDT",
		Side:       domain.SideShort,
		Quantity:   100,
		EntryPrice: 0.40,
		EntryTime:  now.Add(-age),
		SizeUSD:    40,
		Funding:    &domain.FundingPayload{EntryRate: entryRate, Direction: "short_perp", Pair: "SEI/USDT"},
		Status:     domain.StatusOpen,
	}
}

// --- Funding ---

func TestFunding_ExchangeNativeExit(t *testing.T) {
	pos := fundingPos(0.02, time.Hour)
	pos.Exits.TPOrderID = "X"

	d := exit.Funding(pos, exit.FundingObservation{VenueHasPosition: false, Last: 0.38, Now: now}, exit.DefaultFundingParams())

	assert.Equal(t, domain.ActionClose, d.Action)
	assert.Equal(t, domain.ReasonTPSLTriggered, d.Reason)
	assert.Equal(t, domain.LegNone, d.Legs, "el exchange ya cerró, solo se registra")
	assert.InDelta(t, 2.0, d.PnL, 1e-9) // short: (0.40-0.38)*100
	assert.Equal(t, 0.38, d.Price)
}

func TestFunding_MissingWithoutExitsEscalates(t *testing.T) {
	d := exit.Funding(fundingPos(0.02, time.Hour), exit.FundingObservation{Now: now}, exit.DefaultFundingParams())
	assert.Equal(t, domain.ActionEscalate, d.Action)
	assert.Equal(t, domain.ReasonPositionMissing, d.Reason)
}

func TestFunding_TimeoutBeatsRateFlip(t *testing.T) {
	pos := fundingPos(0.02, 25*time.Hour)
	d := exit.Funding(pos, exit.FundingObservation{VenueHasPosition: true, Rate: -0.01, Now: now}, exit.DefaultFundingParams())

	assert.Equal(t, domain.ReasonTimeout24h, d.Reason)
	assert.True(t, d.CancelExits)
	assert.Equal(t, domain.LegPrimary, d.Legs)
}

func TestFunding_TimeoutBoundary(t *testing.T) {
	p := exit.DefaultFundingParams()
	obs := exit.FundingObservation{VenueHasPosition: true, Rate: 0.02, Now: now}

	assert.True(t, exit.Funding(fundingPos(0.02, 24*time.Hour-time.Second), obs, p).IsHold())
	assert.Equal(t, domain.ReasonTimeout24h, exit.Funding(fundingPos(0.02, 24*time.Hour), obs, p).Reason)
}

func TestFunding_RateRules(t *testing.T) {
	tests := []struct {
		name   string
		entry  float64
		rate   float64
		want   domain.Action
		reason domain.CloseReason
	}{
		{"flipped", 0.02, -0.001, domain.ActionClose, domain.ReasonRateFlipped},
		{"flipped negative entry", -0.02, 0.001, domain.ActionClose, domain.ReasonRateFlipped},
		{"dropped", 0.02, 0.0099, domain.ActionClose, domain.ReasonRateDropped},
		{"half is kept", 0.02, 0.01, domain.ActionHold, ""},
		{"healthy", 0.02, 0.03, domain.ActionHold, ""},
		{"no entry rate", 0, -0.5, domain.ActionHold, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := exit.FundingObservation{VenueHasPosition: true, Rate: tt.rate, Now: now}
			d := exit.Funding(fundingPos(tt.entry, time.Hour), obs, exit.DefaultFundingParams())
			assert.Equal(t, tt.want, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

// --- Spread ---

func spreadPos(age time.Duration) domain.Position {
	return domain.Position{
		ID:         "s-1",
		Strategy:   domain.StrategySpread,
		Exchange:   "binance",
		Symbol:     "ETH/USDT",
		Side:       domain.SideLong,
		Quantity:   2,
		EntryPrice: 1000,
		EntryTime:  now.Add(-age),
		SizeUSD:    2000,
		Spread: &domain.SpreadPayload{
			OtherExchange: "okx",
			OtherSymbol:   "ETH/USDT",
			OtherSide:     domain.SideShort,
			SellPrice:     1010,
		},
		Status: domain.StatusOpen,
	}
}

func bothOpen(buyBid, sellAsk float64) exit.SpreadObservation {
	return exit.SpreadObservation{
		BuyLegOpen:  true,
		SellLegOpen: true,
		Buy:         domain.Quote{Bid: buyBid, Ask: buyBid + 1, Last: buyBid},
		Sell:        domain.Quote{Bid: sellAsk - 1, Ask: sellAsk, Last: sellAsk},
		Now:         now,
	}
}

func TestSpread_BuyLegStopped(t *testing.T) {
	obs := bothOpen(990, 1005)
	obs.BuyLegOpen = false

	d := exit.Spread(spreadPos(10*time.Minute), obs, exit.DefaultSpreadParams())

	require.Equal(t, domain.ActionClose, d.Action)
	assert.Equal(t, domain.ReasonBuySLTriggered, d.Reason)
	assert.Equal(t, domain.LegOther, d.Legs, "solo se cierra la pierna que queda")
	assert.Equal(t, 1005.0, d.Price)
	assert.True(t, d.CancelExits)
}

func TestSpread_SellLegStopped(t *testing.T) {
	obs := bothOpen(990, 1005)
	obs.SellLegOpen = false

	d := exit.Spread(spreadPos(10*time.Minute), obs, exit.DefaultSpreadParams())

	assert.Equal(t, domain.ReasonSellSLTriggered, d.Reason)
	assert.Equal(t, domain.LegPrimary, d.Legs)
	assert.Equal(t, 990.0, d.Price)
	assert.InDelta(t, -20.0, d.PnL, 1e-9)
}

func TestSpread_BothStoppedRecordsOnly(t *testing.T) {
	obs := bothOpen(995, 1005)
	obs.BuyLegOpen, obs.SellLegOpen = false, false

	d := exit.Spread(spreadPos(time.Minute), obs, exit.DefaultSpreadParams())

	assert.Equal(t, domain.ReasonBothSLTriggered, d.Reason)
	assert.Equal(t, domain.LegNone, d.Legs)
	assert.InDelta(t, -10.0, d.PnL, 1e-9) // (995-1000)*2, buy leg only
}

func TestSpread_Timeout(t *testing.T) {
	d := exit.Spread(spreadPos(time.Hour), bothOpen(1001, 1000), exit.DefaultSpreadParams())
	assert.Equal(t, domain.ReasonTimeout1h, d.Reason)
	assert.Equal(t, domain.LegBoth, d.Legs)
}

func TestSpread_ConvergenceRules(t *testing.T) {
	p := exit.DefaultSpreadParams()
	pos := spreadPos(5 * time.Minute)

	// (1000.3-1000)/1000*100 = 0.03 -> cerrado
	assert.Equal(t, domain.ReasonSpreadClosed, exit.Spread(pos, bothOpen(1000.3, 1000), p).Reason)
	assert.True(t, exit.Spread(pos, bothOpen(1001, 1000), p).IsHold())
	assert.Equal(t, domain.ReasonProfitTake, exit.Spread(pos, bothOpen(1005, 1000), p).Reason)
	assert.Equal(t, domain.ReasonSpreadClosed, exit.Spread(pos, bothOpen(990, 1000), p).Reason)
}

func TestSpreadConvergence_MissingPricesHold(t *testing.T) {
	p := exit.DefaultSpreadParams()
	assert.True(t, exit.SpreadConvergence(spreadPos(0), 0, 1000, p).IsHold())
	assert.True(t, exit.SpreadConvergence(spreadPos(0), 1000, 0, p).IsHold())
}

func TestCurrentSpreadPct(t *testing.T) {
	s, ok := exit.CurrentSpreadPct(1005, 1000)
	require.True(t, ok)
	assert.InDelta(t, 0.5, s, 1e-12)

	_, ok = exit.CurrentSpreadPct(0, 1000)
	assert.False(t, ok)
}

func TestSpread_PendingLegRetried(t *testing.T) {
	pos := spreadPos(2 * time.Hour)
	pos.PendingLeg = domain.LegOther
	pos.PendingReason = domain.ReasonTimeout1h

	d := exit.Spread(pos, bothOpen(1001, 1000), exit.DefaultSpreadParams())
	assert.Equal(t, domain.ReasonTimeout1h, d.Reason)
	assert.Equal(t, domain.LegOther, d.Legs)
	assert.False(t, d.CancelExits)

	obs := bothOpen(1001, 1000)
	obs.SellLegOpen = false
	d = exit.Spread(pos, obs, exit.DefaultSpreadParams())
	assert.Equal(t, domain.LegNone, d.Legs, "la pierna pendiente ya no existe")
	assert.Equal(t, domain.ReasonTimeout1h, d.Reason)
}

// --- Prediction ---

func predictionPos(side string, prob, entry, lastCheck float64) domain.Position {
	return domain.Position{
		ID:             "p-1",
		Strategy:       domain.StrategyPrediction,
		Exchange:       "polymarket",
		Symbol:         "tok-yes",
		Side:           side,
		Quantity:       10,
		EntryPrice:     entry,
		EntryTime:      now.Add(-time.Hour),
		SizeUSD:        entry * 10,
		LastCheckPrice: lastCheck,
		Prediction: &domain.PredictionPayload{
			MarketID:      "0xabc",
			Question:      "Will it rain?",
			Category:      "weather",
			EstimatedProb: prob,
			TokenID:       "tok-yes",
		},
		Status: domain.StatusOpen,
	}
}

func TestPredictionLevel1_EscalationBoundary(t *testing.T) {
	p := exit.DefaultPredictionParams()
	pos := predictionPos(domain.SideYes, 0.70, 0.50, 0.50)

	below := exit.PredictionLevel1(pos, 0.524, p)
	assert.False(t, below.Escalate)
	assert.False(t, below.EdgeInverted)
	assert.InDelta(t, 0.048, below.MovePct, 1e-9)

	at := exit.PredictionLevel1(pos, 0.525, p)
	assert.True(t, at.Escalate)
	assert.True(t, at.Moved)
	assert.InDelta(t, 0.05, at.MovePct, 1e-9)

	down := exit.PredictionLevel1(pos, 0.475, p)
	assert.True(t, down.Escalate)
}

func TestPredictionLevel1_ReferenceFallsBackToEntry(t *testing.T) {
	pos := predictionPos(domain.SideYes, 0.70, 0.50, 0)
	assert.True(t, exit.PredictionLevel1(pos, 0.53, exit.DefaultPredictionParams()).Escalate)
}

func TestPredictionLevel1_EdgeInverted(t *testing.T) {
	p := exit.DefaultPredictionParams()

	yes := predictionPos(domain.SideYes, 0.60, 0.59, 0.60)
	res := exit.PredictionLevel1(yes, 0.61, p) // 1.7% move, pero el precio superó 0.60
	assert.True(t, res.EdgeInverted)
	assert.True(t, res.Escalate)
	assert.False(t, res.Moved)

	// NO: probabilidad del lado = 1-0.60 = 0.40
	no := predictionPos(domain.SideNo, 0.60, 0.39, 0.40)
	assert.True(t, exit.PredictionLevel1(no, 0.41, p).EdgeInverted)
	assert.False(t, exit.PredictionLevel1(no, 0.395, p).EdgeInverted)
}

func TestPredictionLevel2_EdgeTooThin(t *testing.T) {
	p := exit.DefaultPredictionParams()
	pos := predictionPos(domain.SideYes, 0.65, 0.58, 0.6095)

	l1 := exit.PredictionLevel1(pos, 0.64, p)
	require.True(t, l1.Escalate)

	res := exit.PredictionLevel2(pos, 0.64, domain.Estimate{Probability: 0.64, RecommendedSide: domain.SideYes}, p)
	assert.Equal(t, domain.VerdictSold, res.Verdict)
	assert.Equal(t, domain.ReasonEdgeTooThin, res.Reason)
	assert.InDelta(t, 0.0, res.OurEdge, 1e-9)
}

func TestPredictionLevel2_Verdicts(t *testing.T) {
	p := exit.DefaultPredictionParams()
	tests := []struct {
		name    string
		side    string
		prob    float64
		rec     string
		price   float64
		verdict domain.ReevalVerdict
		reason  domain.CloseReason
	}{
		{"inverted", domain.SideYes, 0.50, domain.SideYes, 0.55, domain.VerdictSold, domain.ReasonEdgeInverted},
		{"alert band", domain.SideYes, 0.57, domain.SideYes, 0.55, domain.VerdictAlert, ""},
		{"alert at min edge", domain.SideYes, 0.56, domain.SideYes, 0.55, domain.VerdictAlert, ""},
		{"hold", domain.SideYes, 0.70, domain.SideYes, 0.55, domain.VerdictHold, ""},
		{"side flip", domain.SideYes, 0.70, domain.SideNo, 0.55, domain.VerdictSold, domain.ReasonEdgeTooThin},
		{"skip is not a flip", domain.SideYes, 0.70, "SKIP", 0.55, domain.VerdictHold, ""},
		{"NO side uses 1-p", domain.SideNo, 0.30, domain.SideNo, 0.60, domain.VerdictHold, ""},
		{"NO side inverted", domain.SideNo, 0.50, domain.SideNo, 0.60, domain.VerdictSold, domain.ReasonEdgeInverted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := predictionPos(tt.side, 0.6, 0.5, 0.5)
			res := exit.PredictionLevel2(pos, tt.price, domain.Estimate{Probability: tt.prob, RecommendedSide: tt.rec}, p)
			assert.Equal(t, tt.verdict, res.Verdict)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

// --- Settlement ---

func TestSettlement_ArbResolved(t *testing.T) {
	pos := domain.Position{
		ID: "a-1", Strategy: domain.StrategyPMArb, Exchange: "polymarket", Symbol: "yes",
		Quantity: 10, EntryPrice: 0.97, EntryTime: now.Add(-24 * time.Hour), SizeUSD: 9.7,
		Arb:    &domain.ArbPayload{YesTokenID: "yes", NoTokenID: "no"},
		Status: domain.StatusOpen,
	}
	d := exit.Settlement(pos, exit.SettlementObservation{Held: domain.LegNone, Now: now}, exit.DefaultSettlementParams())

	assert.Equal(t, domain.ReasonResolved, d.Reason)
	assert.Equal(t, domain.LegNone, d.Legs)
	assert.InDelta(t, 0.3, d.PnL, 1e-9)
}

func TestSettlement_MicroArbExpired(t *testing.T) {
	pos := domain.Position{
		ID: "m-1", Strategy: domain.StrategyMicroArb, Exchange: "polymarket", Symbol: "up",
		Side: domain.SideYes, Quantity: 5, EntryPrice: 0.5, EntryTime: now.Add(-4 * time.Hour), SizeUSD: 2.5,
		MicroArb: &domain.MicroArbPayload{Asset: "BTC", Duration: "5m", TokenID: "up", WindowEnd: now.Add(-3 * time.Hour)},
		Status:   domain.StatusOpen,
	}
	p := exit.DefaultSettlementParams()

	d := exit.Settlement(pos, exit.SettlementObservation{Held: domain.LegPrimary, Price: 0.99, Now: now}, p)
	assert.Equal(t, domain.ReasonExpired, d.Reason)
	assert.Equal(t, domain.LegPrimary, d.Legs)

	pos.MicroArb.WindowEnd = now.Add(-time.Minute)
	assert.True(t, exit.Settlement(pos, exit.SettlementObservation{Held: domain.LegPrimary, Price: 0.99, Now: now}, p).IsHold())
}

func arbPos(end time.Time) domain.Position {
	return domain.Position{
		ID: "a-2", Strategy: domain.StrategyPMArb, Exchange: "polymarket", Symbol: "yes",
		Quantity: 10, EntryPrice: 0.97, EntryTime: end.Add(-24 * time.Hour), SizeUSD: 9.7,
		Arb:    &domain.ArbPayload{YesTokenID: "yes", NoTokenID: "no", EndDate: end},
		Status: domain.StatusOpen,
	}
}

func TestSettlement_ExpiredSellsOnlyHeldLegs(t *testing.T) {
	pos := arbPos(now.Add(-3 * time.Hour))

	d := exit.Settlement(pos, exit.SettlementObservation{Held: domain.LegBoth, Now: now}, exit.DefaultSettlementParams())
	assert.Equal(t, domain.LegBoth, d.Legs)

	d = exit.Settlement(pos, exit.SettlementObservation{Held: domain.LegOther, Now: now}, exit.DefaultSettlementParams())
	assert.Equal(t, domain.ReasonExpired, d.Reason)
	assert.Equal(t, domain.LegOther, d.Legs)
}

func TestSettlement_PendingLegRetriedAlone(t *testing.T) {
	pos := arbPos(now.Add(-3 * time.Hour))
	pos.PendingLeg = domain.LegOther
	pos.PendingReason = domain.ReasonExpired
	pos.LastCheckPrice = 0.50

	// the primary leg is gone because it was sold, not because it resolved
	d := exit.Settlement(pos, exit.SettlementObservation{Held: domain.LegOther, Price: 0.49, Now: now}, exit.DefaultSettlementParams())
	assert.Equal(t, domain.ActionClose, d.Action)
	assert.Equal(t, domain.ReasonExpired, d.Reason)
	assert.Equal(t, domain.LegOther, d.Legs)
	assert.InDelta(t, 0.49, d.Price, 1e-9)
}

func TestSettlement_PendingLegGoneIsRecorded(t *testing.T) {
	pos := arbPos(now.Add(-3 * time.Hour))
	pos.PendingLeg = domain.LegOther
	pos.PendingReason = domain.ReasonExpired
	pos.LastCheckPrice = 0.50

	d := exit.Settlement(pos, exit.SettlementObservation{Held: domain.LegNone, Now: now}, exit.DefaultSettlementParams())
	assert.Equal(t, domain.ReasonExpired, d.Reason)
	assert.Equal(t, domain.LegNone, d.Legs)
	// without a price the set is valued at par: 0.50 + 0.50
	assert.InDelta(t, 1.0, d.Price, 1e-9)
	assert.InDelta(t, 0.3, d.PnL, 1e-9)
}

func TestSettlement_ResolvedWithoutBookUsesLastObservedPrice(t *testing.T) {
	pos := domain.Position{
		ID: "p-9", Strategy: domain.StrategyPrediction, Exchange: "polymarket", Symbol: "tok",
		Side: domain.SideYes, Quantity: 4, EntryPrice: 0.50, EntryTime: now.Add(-48 * time.Hour), SizeUSD: 2,
		LastCheckPrice: 0.90,
		Prediction:     &domain.PredictionPayload{TokenID: "tok", EstimatedProb: 0.7},
		Status:         domain.StatusOpen,
	}

	d := exit.Settlement(pos, exit.SettlementObservation{Held: domain.LegNone, Now: now}, exit.DefaultSettlementParams())
	assert.Equal(t, domain.ReasonResolved, d.Reason)
	assert.InDelta(t, 0.90, d.Price, 1e-9)
	assert.InDelta(t, 1.6, d.PnL, 1e-9)
}
