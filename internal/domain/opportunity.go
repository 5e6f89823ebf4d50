package domain

import "time"

// Opportunity records are produced by the scanners. The executor places the
// entry orders and turns the record plus its Entry into a Position.

// Entry is what the executor learned from a successful entry order.
type Entry struct {
	Quantity float64
	Price    float64
	OrderIDs []string
	Exits    ExitOrders
	At       time.Time
}

func (e Entry) time() time.Time {
	if e.At.IsZero() {
		return time.Now().UTC()
	}
	return e.At.UTC()
}

// FundingOpportunity is a perp with a funding rate worth harvesting.
type FundingOpportunity struct {
	Pair         string  // SEI/USDT
	Symbol       string  // SEI/USDT:USDT
	Exchange     string  // hyperliquid
	Direction    string  // short_perp | long_perp
	FundingRate  float64 // per period, signed
	PositionSize float64 // USD
}

// NewFundingPosition builds the open position for a filled funding arb.
func NewFundingPosition(opp FundingOpportunity, e Entry) Position {
	side := SideLong
	if opp.Direction == "short_perp" {
		side = SideShort
	}
	return Position{
		ID:         NewPositionID(),
		Strategy:   StrategyFunding,
		Exchange:   opp.Exchange,
		Symbol:     opp.Symbol,
		Side:       side,
		Quantity:   e.Quantity,
		EntryPrice: e.Price,
		EntryTime:  e.time(),
		SizeUSD:    opp.PositionSize,
		OrderIDs:   e.OrderIDs,
		Exits:      e.Exits,
		Funding: &FundingPayload{
			EntryRate: opp.FundingRate,
			Direction: opp.Direction,
			Pair:      opp.Pair,
		},
		Status: StatusOpen,
	}
}

// SpreadOpportunity is a price gap between two venues for the same pair.
type SpreadOpportunity struct {
	Pair         string
	BuyExchange  string
	BuySymbol    string
	SellExchange string
	SellSymbol   string
	BuyPrice     float64
	SellPrice    float64
	SpreadPct    float64
	PositionSize float64
}

// SpreadEntry adds the sell-leg details to the buy-leg Entry.
type SpreadEntry struct {
	Entry
	SellPrice      float64
	SellOrderID    string
	OtherSLOrderID string
	OtherSLPrice   float64
}

// NewSpreadPosition builds the open position for a filled two-leg spread.
// The envelope is the long buy leg; the payload is the short sell leg.
func NewSpreadPosition(opp SpreadOpportunity, e SpreadEntry) Position {
	sellPrice := e.SellPrice
	if sellPrice == 0 {
		sellPrice = opp.SellPrice
	}
	return Position{
		ID:         NewPositionID(),
		Strategy:   StrategySpread,
		Exchange:   opp.BuyExchange,
		Symbol:     opp.BuySymbol,
		Side:       SideLong,
		Quantity:   e.Quantity,
		EntryPrice: e.Price,
		EntryTime:  e.time(),
		SizeUSD:    opp.PositionSize,
		OrderIDs:   e.OrderIDs,
		Exits:      e.Exits,
		Spread: &SpreadPayload{
			OtherExchange:  opp.SellExchange,
			OtherSymbol:    opp.SellSymbol,
			OtherSide:      SideShort,
			OtherOrderID:   e.SellOrderID,
			OtherSLOrderID: e.OtherSLOrderID,
			OtherSLPrice:   e.OtherSLPrice,
			SellPrice:      sellPrice,
		},
		Status: StatusOpen,
	}
}

// PredictionOpportunity is a market the estimator thinks is mispriced.
type PredictionOpportunity struct {
	MarketID    string
	Question    string
	Category    string
	YesTokenID  string
	NoTokenID   string
	Side        string  // YES | NO
	Probability float64 // estimated P(YES)
	Thesis      string
	Bet         float64 // USD
	EndDate     time.Time
}

// NewPredictionPosition builds the open position for a filled prediction bet.
func NewPredictionPosition(opp PredictionOpportunity, e Entry) Position {
	token := opp.YesTokenID
	if opp.Side == SideNo {
		token = opp.NoTokenID
	}
	return Position{
		ID:             NewPositionID(),
		Strategy:       StrategyPrediction,
		Exchange:       "polymarket",
		Symbol:         token,
		Side:           opp.Side,
		Quantity:       e.Quantity,
		EntryPrice:     e.Price,
		EntryTime:      e.time(),
		SizeUSD:        opp.Bet,
		OrderIDs:       e.OrderIDs,
		Exits:          e.Exits,
		LastCheckPrice: e.Price,
		Prediction: &PredictionPayload{
			MarketID:      opp.MarketID,
			Question:      opp.Question,
			Category:      opp.Category,
			EstimatedProb: opp.Probability,
			Thesis:        opp.Thesis,
			TokenID:       token,
			EndDate:       opp.EndDate,
		},
		Status: StatusOpen,
	}
}

// ArbOpportunity is a binary market whose YES+NO asks sum below $1.
type ArbOpportunity struct {
	MarketID        string
	Question        string
	YesTokenID      string
	NoTokenID       string
	YesPrice        float64
	NoPrice         float64
	ProfitPerDollar float64
	Bet             float64
	EndDate         time.Time
	NegRisk         bool
}

// NewArbPosition builds the open position for a filled YES+NO pair. Quantity
// is the number of complete sets; EntryPrice is the cost of one set.
func NewArbPosition(opp ArbOpportunity, e Entry) Position {
	return Position{
		ID:         NewPositionID(),
		Strategy:   StrategyPMArb,
		Exchange:   "polymarket",
		Symbol:     opp.YesTokenID,
		Side:       SideYes,
		Quantity:   e.Quantity,
		EntryPrice: opp.YesPrice + opp.NoPrice,
		EntryTime:  e.time(),
		SizeUSD:    opp.Bet,
		OrderIDs:   e.OrderIDs,
		Arb: &ArbPayload{
			MarketID:       opp.MarketID,
			Question:       opp.Question,
			YesTokenID:     opp.YesTokenID,
			NoTokenID:      opp.NoTokenID,
			YesPrice:       opp.YesPrice,
			NoPrice:        opp.NoPrice,
			ExpectedProfit: opp.Bet * opp.ProfitPerDollar,
			EndDate:        opp.EndDate,
			NegRisk:        opp.NegRisk,
		},
		Status: StatusOpen,
	}
}

// MicroArbOpportunity is a short up/down window lagging a spot move.
type MicroArbOpportunity struct {
	Asset      string
	Duration   string
	MarketID   string
	YesTokenID string
	NoTokenID  string
	Side       string
	EntryPrice float64
	Bet        float64
	EdgePct    float64
	WindowEnd  time.Time
}

// NewMicroArbPosition builds the open position for a filled micro-arb order.
func NewMicroArbPosition(opp MicroArbOpportunity, e Entry) Position {
	token := opp.YesTokenID
	if opp.Side == SideNo {
		token = opp.NoTokenID
	}
	price := e.Price
	if price == 0 {
		price = opp.EntryPrice
	}
	return Position{
		ID:         NewPositionID(),
		Strategy:   StrategyMicroArb,
		Exchange:   "polymarket",
		Symbol:     token,
		Side:       opp.Side,
		Quantity:   e.Quantity,
		EntryPrice: price,
		EntryTime:  e.time(),
		SizeUSD:    opp.Bet,
		OrderIDs:   e.OrderIDs,
		MicroArb: &MicroArbPayload{
			Asset:     opp.Asset,
			Duration:  opp.Duration,
			MarketID:  opp.MarketID,
			TokenID:   token,
			EdgePct:   opp.EdgePct,
			WindowEnd: opp.WindowEnd,
		},
		Status: StatusOpen,
	}
}
