package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Strategy identifies the strategy family that opened a position.
type Strategy string

const (
	StrategyPrediction Strategy = "prediction"
	StrategyPMArb      Strategy = "pm_arb"
	StrategyFunding    Strategy = "funding_arb"
	StrategySpread     Strategy = "spread"
	StrategyMicroArb   Strategy = "micro_arb"
)

// Strategies lists every strategy in the order the poller sweeps them.
var Strategies = []Strategy{
	StrategyFunding,
	StrategySpread,
	StrategyPrediction,
	StrategyPMArb,
	StrategyMicroArb,
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	for _, k := range Strategies {
		if k == s {
			return true
		}
	}
	return false
}

// PositionStatus is one-way: open → closed.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// Side of the primary leg.
const (
	SideLong  = "long"
	SideShort = "short"
	SideYes   = "YES"
	SideNo    = "NO"
)

// Leg selects one or both legs of a position.
type Leg int

const (
	LegNone Leg = iota
	LegPrimary
	LegOther
	LegBoth
)

func (l Leg) String() string {
	switch l {
	case LegPrimary:
		return "primary"
	case LegOther:
		return "other"
	case LegBoth:
		return "both"
	default:
		return "none"
	}
}

// LegSet builds the Leg value covering the selected legs.
func LegSet(primary, other bool) Leg {
	switch {
	case primary && other:
		return LegBoth
	case primary:
		return LegPrimary
	case other:
		return LegOther
	}
	return LegNone
}

// Has reports whether l covers part.
func (l Leg) Has(part Leg) bool {
	return part != LegNone && (l == part || l == LegBoth)
}

// Overlap returns the legs covered by both l and o.
func (l Leg) Overlap(o Leg) Leg {
	return LegSet(l.Has(LegPrimary) && o.Has(LegPrimary), l.Has(LegOther) && o.Has(LegOther))
}

// ExitOrders are the exchange-native TP/SL orders attached to the primary leg.
// The engine tracks them but never re-implements them.
type ExitOrders struct {
	TPOrderID string
	SLOrderID string
	TPPrice   float64
	SLPrice   float64
}

// HasAny reports whether a TP or SL order was recorded.
func (e ExitOrders) HasAny() bool {
	return e.TPOrderID != "" || e.SLOrderID != ""
}

// FundingPayload is the funding-arb specific state.
type FundingPayload struct {
	EntryRate float64 `json:"entry_rate"`
	Direction string  `json:"direction"` // short_perp | long_perp
	Pair      string  `json:"pair"`
}

// SpreadPayload describes the counterparty (sell) leg of a spread position.
// The envelope holds the buy leg.
type SpreadPayload struct {
	OtherExchange  string  `json:"other_exchange"`
	OtherSymbol    string  `json:"other_symbol"`
	OtherSide      string  `json:"other_side"`
	OtherOrderID   string  `json:"other_order_id"`
	OtherSLOrderID string  `json:"other_sl_order_id,omitempty"`
	OtherSLPrice   float64 `json:"other_sl_price,omitempty"`
	SellPrice      float64 `json:"sell_price"`
}

// PredictionPayload is the state of a directional prediction-market bet.
type PredictionPayload struct {
	MarketID      string    `json:"market_id"`
	Question      string    `json:"question"`
	Category      string    `json:"category"`
	EstimatedProb float64   `json:"estimated_prob"` // P(YES) at entry
	Thesis        string    `json:"thesis"`
	TokenID       string    `json:"token_id"`
	EndDate       time.Time `json:"end_date,omitempty"`
}

// ArbPayload is a YES+NO pair bought below $1 and held to resolution.
type ArbPayload struct {
	MarketID       string    `json:"market_id"`
	Question       string    `json:"question"`
	YesTokenID     string    `json:"yes_token_id"`
	NoTokenID      string    `json:"no_token_id"`
	YesPrice       float64   `json:"yes_price"`
	NoPrice        float64   `json:"no_price"`
	ExpectedProfit float64   `json:"expected_profit"`
	EndDate        time.Time `json:"end_date,omitempty"`
	NegRisk        bool      `json:"neg_risk,omitempty"`
}

// MicroArbPayload is a latency bet on a short crypto up/down window.
type MicroArbPayload struct {
	Asset     string    `json:"asset"`
	Duration  string    `json:"duration"` // 5m | 15m
	MarketID  string    `json:"market_id"`
	TokenID   string    `json:"token_id"`
	EdgePct   float64   `json:"edge_pct"`
	WindowEnd time.Time `json:"window_end"`
}

// Position is a tracked trade. The envelope is common to every strategy and
// exactly one payload pointer, selected by Strategy, is non-nil.
type Position struct {
	ID         string
	Strategy   Strategy
	Exchange   string
	Symbol     string
	Side       string
	Quantity   float64
	EntryPrice float64
	EntryTime  time.Time
	SizeUSD    float64
	OrderIDs   []string
	Exits      ExitOrders

	Funding    *FundingPayload
	Spread     *SpreadPayload
	Prediction *PredictionPayload
	Arb        *ArbPayload
	MicroArb   *MicroArbPayload

	// Monitoring cache, written only by the reconciliation loops.
	LastCheckPrice float64
	LastReevalTime *time.Time
	PendingLeg     Leg         // surviving leg of a partially executed close
	PendingReason  CloseReason // reason of that close, reused on retry

	Status      PositionStatus
	CloseTime   *time.Time
	ClosePrice  float64
	CloseReason CloseReason
	PnL         *float64
}

// NewPositionID returns a fresh opaque position id.
func NewPositionID() string {
	return uuid.NewString()
}

// IsOpen reports whether the position is still open.
func (p Position) IsOpen() bool { return p.Status == StatusOpen }

// Age returns how long the position has been open at now.
func (p Position) Age(now time.Time) time.Duration {
	if p.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(p.EntryTime)
}

// Category returns the exposure bucket of the position. Prediction bets use
// their market category; every other strategy is bucketed by strategy name.
func (p Position) Category() string {
	if p.Prediction != nil {
		if p.Prediction.Category != "" {
			return p.Prediction.Category
		}
		return "uncategorized"
	}
	return string(p.Strategy)
}

// ReferencePrice is the last cheap observation, or the entry price if none yet.
func (p Position) ReferencePrice() float64 {
	if p.LastCheckPrice > 0 {
		return p.LastCheckPrice
	}
	return p.EntryPrice
}

// Validate checks the envelope and that the payload matches the strategy tag.
func (p Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidPosition)
	}
	if !p.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidPosition, p.Strategy)
	}
	if p.SizeUSD < 0 || p.Quantity < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidPosition)
	}

	payloads := 0
	for _, set := range []bool{p.Funding != nil, p.Spread != nil, p.Prediction != nil, p.Arb != nil, p.MicroArb != nil} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("%w: %s position needs exactly one payload, has %d", ErrInvalidPosition, p.Strategy, payloads)
	}

	ok := false
	switch p.Strategy {
	case StrategyFunding:
		ok = p.Funding != nil
	case StrategySpread:
		ok = p.Spread != nil
	case StrategyPrediction:
		ok = p.Prediction != nil
	case StrategyPMArb:
		ok = p.Arb != nil
	case StrategyMicroArb:
		ok = p.MicroArb != nil
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match strategy %s", ErrInvalidPosition, p.Strategy)
	}
	return nil
}

// ShortID is the first 8 chars of the id, for log lines and notifications.
func (p Position) ShortID() string {
	if len(p.ID) > 8 {
		return p.ID[:8]
	}
	return p.ID
}

// Label is a short human-readable description of the position.
func (p Position) Label() string {
	switch {
	case p.Prediction != nil:
		return TruncateQuestion(p.Prediction.Question, p.Prediction.MarketID, 40)
	case p.Arb != nil:
		return TruncateQuestion(p.Arb.Question, p.Arb.MarketID, 40)
	case p.MicroArb != nil:
		return fmt.Sprintf("%s %s", p.MicroArb.Asset, p.MicroArb.Duration)
	case p.Spread != nil:
		return fmt.Sprintf("%s %s→%s", p.Symbol, p.Exchange, p.Spread.OtherExchange)
	default:
		return fmt.Sprintf("%s@%s", p.Symbol, p.Exchange)
	}
}

// LegRef locates one leg of a position on its venue.
type LegRef struct {
	Venue    string
	Symbol   string
	Side     string
	Quantity float64
	SLOrder  string
}

// LegRef returns the venue coordinates of leg l. The second value is false
// when the position has no such leg.
func (p Position) LegRef(l Leg) (LegRef, bool) {
	switch l {
	case LegPrimary:
		return LegRef{Venue: p.Exchange, Symbol: p.Symbol, Side: p.Side, Quantity: p.Quantity, SLOrder: p.Exits.SLOrderID}, true
	case LegOther:
		switch {
		case p.Spread != nil && p.Spread.OtherSymbol != "":
			return LegRef{
				Venue:    p.Spread.OtherExchange,
				Symbol:   p.Spread.OtherSymbol,
				Side:     p.Spread.OtherSide,
				Quantity: p.Quantity,
				SLOrder:  p.Spread.OtherSLOrderID,
			}, true
		case p.Arb != nil && p.Arb.NoTokenID != "":
			return LegRef{Venue: p.Exchange, Symbol: p.Arb.NoTokenID, Side: SideLong, Quantity: p.Quantity}, true
		}
	}
	return LegRef{}, false
}

// Legs returns the legs the position holds on venues.
func (p Position) Legs() Leg {
	if _, ok := p.LegRef(LegOther); ok {
		return LegBoth
	}
	return LegPrimary
}

// MonitorUpdate is the only partial update the reconciliation loops may
// apply to an open position. Nil fields are left untouched.
type MonitorUpdate struct {
	LastCheckPrice *float64
	LastReevalTime *time.Time
	PendingLeg     *Leg
	PendingReason  *CloseReason
}

// Empty reports whether the update carries no field.
func (u MonitorUpdate) Empty() bool {
	return u.LastCheckPrice == nil && u.LastReevalTime == nil && u.PendingLeg == nil && u.PendingReason == nil
}

// Apply copies the set fields of u onto p.
func (u MonitorUpdate) Apply(p *Position) {
	if u.LastCheckPrice != nil {
		p.LastCheckPrice = *u.LastCheckPrice
	}
	if u.LastReevalTime != nil {
		t := u.LastReevalTime.UTC()
		p.LastReevalTime = &t
	}
	if u.PendingLeg != nil {
		p.PendingLeg = *u.PendingLeg
	}
	if u.PendingReason != nil {
		p.PendingReason = *u.PendingReason
	}
}

// CloseRecord holds the terminal fields written atomically with the
// open → closed transition.
type CloseRecord struct {
	Time   time.Time
	Price  float64
	Reason CloseReason
	PnL    float64
}
