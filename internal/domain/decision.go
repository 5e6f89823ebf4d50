package domain

import "fmt"

// CloseReason is the recorded cause of an open → closed transition.
type CloseReason string

const (
	ReasonTPSLTriggered   CloseReason = "tp_sl_triggered"
	ReasonPositionMissing CloseReason = "position_missing"
	ReasonTimeout24h      CloseReason = "timeout_24h"
	ReasonRateFlipped     CloseReason = "rate_flipped"
	ReasonRateDropped     CloseReason = "rate_dropped"

	ReasonBuySLTriggered  CloseReason = "buy_sl_triggered"
	ReasonSellSLTriggered CloseReason = "sell_sl_triggered"
	ReasonBothSLTriggered CloseReason = "both_sl_triggered"
	ReasonTimeout1h       CloseReason = "timeout_1h"
	ReasonSpreadClosed    CloseReason = "spread_closed"
	ReasonProfitTake      CloseReason = "profit_take"

	ReasonEdgeInverted CloseReason = "edge_inverted"
	ReasonEdgeTooThin  CloseReason = "edge_too_thin"

	ReasonResolved CloseReason = "resolved"
	ReasonExpired  CloseReason = "expired"
	ReasonManual   CloseReason = "manual"
)

// Action is the outcome class of an exit rule.
type Action int

const (
	ActionHold Action = iota
	ActionClose
	ActionEscalate
)

func (a Action) String() string {
	switch a {
	case ActionClose:
		return "CLOSE"
	case ActionEscalate:
		return "ESCALATE"
	default:
		return "HOLD"
	}
}

// Decision is what an exit rule returns for one position and one observation.
//
// For ActionClose, Legs says which legs must still be traded on the venue
// (LegNone = the venue already closed everything and the close is only
// recorded), CancelExits asks for the TP/SL orders to be cancelled first, and
// Price/PnL are the observed close price and the approximate pnl when they
// are already known from the observation.
type Decision struct {
	Action      Action
	Reason      CloseReason
	Legs        Leg
	CancelExits bool
	Price       float64
	PnL         float64
}

// Hold is the no-op decision.
func Hold() Decision { return Decision{Action: ActionHold} }

// Escalate asks the caller to gather costlier state before deciding.
func Escalate(reason CloseReason) Decision {
	return Decision{Action: ActionEscalate, Reason: reason}
}

// CloseLegs closes the given legs on the venue.
func CloseLegs(reason CloseReason, legs Leg, cancelExits bool) Decision {
	return Decision{Action: ActionClose, Reason: reason, Legs: legs, CancelExits: cancelExits}
}

// RecordClose records a closure the venue already executed.
func RecordClose(reason CloseReason, price, pnl float64) Decision {
	return Decision{Action: ActionClose, Reason: reason, Legs: LegNone, Price: price, PnL: pnl}
}

// IsHold reports whether nothing has to happen.
func (d Decision) IsHold() bool { return d.Action == ActionHold }

func (d Decision) String() string {
	if d.Action == ActionHold {
		return "HOLD"
	}
	return fmt.Sprintf("%s(%s legs=%s)", d.Action, d.Reason, d.Legs)
}
