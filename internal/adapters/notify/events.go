package notify

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Topics de los eventos publicados.
const (
	TopicOpened      = "position.opened"
	TopicClosed      = "position.closed"
	TopicReeval      = "prediction.reeval"
	TopicCloseFailed = "position.close_failed"
)

// Events publica cada evento como JSON a través de un ports.EventPublisher.
type Events struct {
	pub ports.EventPublisher
}

var _ ports.Notifier = (*Events)(nil)

func NewEvents(pub ports.EventPublisher) *Events {
	return &Events{pub: pub}
}

// EventPosition es la vista plana de una posición que viaja en los eventos.
type EventPosition struct {
	ID         string          `json:"id"`
	Strategy   domain.Strategy `json:"strategy"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Label      string          `json:"label"`
	Category   string          `json:"category"`
	SizeUSD    float64         `json:"size_usd"`
	EntryPrice float64         `json:"entry_price"`
	EntryTime  time.Time       `json:"entry_time"`
}

// ClosedEvent es el payload de TopicClosed.
type ClosedEvent struct {
	Position   EventPosition      `json:"position"`
	Reason     domain.CloseReason `json:"reason"`
	ClosePrice float64            `json:"close_price"`
	PnL        float64            `json:"pnl"`
	PriceDelta float64            `json:"price_delta"`
	OrderIDs   []string           `json:"order_ids,omitempty"`
	Source     domain.Source      `json:"source"`
	At         time.Time          `json:"at"`
}

// ReevalPayload es el payload de TopicReeval.
type ReevalPayload struct {
	Position       EventPosition        `json:"position"`
	Verdict        domain.ReevalVerdict `json:"verdict"`
	Reason         domain.CloseReason   `json:"reason,omitempty"`
	CurrentPrice   float64              `json:"current_price"`
	NewProbability float64              `json:"new_probability"`
	OurEdge        float64              `json:"our_edge"`
	MovePct        float64              `json:"move_pct"`
	Confidence     string               `json:"confidence,omitempty"`
	PnL            float64              `json:"pnl,omitempty"`
	At             time.Time            `json:"at"`
}

// FailurePayload es el payload de TopicCloseFailed.
type FailurePayload struct {
	Position   EventPosition      `json:"position"`
	Reason     domain.CloseReason `json:"reason"`
	PendingLeg string             `json:"pending_leg"`
	Error      string             `json:"error"`
	At         time.Time          `json:"at"`
}

func toEventPosition(p domain.Position) EventPosition {
	return EventPosition{
		ID:         p.ID,
		Strategy:   p.Strategy,
		Exchange:   p.Exchange,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Label:      p.Label(),
		Category:   p.Category(),
		SizeUSD:    p.SizeUSD,
		EntryPrice: p.EntryPrice,
		EntryTime:  p.EntryTime,
	}
}

func (e *Events) PositionOpened(ctx context.Context, pos domain.Position) error {
	return e.pub.Publish(ctx, TopicOpened, toEventPosition(pos))
}

func (e *Events) PositionClosed(ctx context.Context, ev domain.CloseEvent) error {
	return e.pub.Publish(ctx, TopicClosed, ClosedEvent{
		Position:   toEventPosition(ev.Position),
		Reason:     ev.Reason,
		ClosePrice: ev.ClosePrice,
		PnL:        ev.PnL,
		PriceDelta: ev.PriceDelta,
		OrderIDs:   ev.OrderIDs,
		Source:     ev.Source,
		At:         ev.At,
	})
}

func (e *Events) PredictionReeval(ctx context.Context, ev domain.ReevalEvent) error {
	return e.pub.Publish(ctx, TopicReeval, ReevalPayload{
		Position:       toEventPosition(ev.Position),
		Verdict:        ev.Verdict,
		Reason:         ev.Reason,
		CurrentPrice:   ev.CurrentPrice,
		NewProbability: ev.NewProbability,
		OurEdge:        ev.OurEdge,
		MovePct:        ev.MovePct,
		Confidence:     ev.Confidence,
		PnL:            ev.PnL,
		At:             ev.At,
	})
}

func (e *Events) CloseFailed(ctx context.Context, f domain.CloseFailure) error {
	return e.pub.Publish(ctx, TopicCloseFailed, FailurePayload{
		Position:   toEventPosition(f.Position),
		Reason:     f.Reason,
		PendingLeg: f.PendingLeg.String(),
		Error:      f.Err,
		At:         f.At,
	})
}
