package ports

import (
	"context"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// ExchangeAdapter is the venue surface the lifecycle engine consumes.
// Errors are transient: an error never means "position closed".
type ExchangeAdapter interface {
	Name() string

	// HasOpenPosition reports whether the venue still holds a position in symbol.
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)

	Quote(ctx context.Context, symbol string) (domain.Quote, error)

	// FundingRate returns the current funding rate per period for a perp.
	FundingRate(ctx context.Context, symbol string) (float64, error)

	// ClosePosition sends a market, reduce-only order for the given leg.
	ClosePosition(ctx context.Context, order domain.CloseOrder) (domain.Fill, error)

	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// TickerStreamer is implemented by venues that push quote updates.
// The channel is closed when ctx ends or the stream fails.
type TickerStreamer interface {
	WatchTicker(ctx context.Context, symbol string) (<-chan domain.Quote, error)
}

// PositionStreamer is implemented by venues that push position snapshots.
// Every message is the full set of open venue positions.
type PositionStreamer interface {
	WatchPositions(ctx context.Context) (<-chan []domain.VenuePosition, error)
}

// LegTracker is implemented by simulated venues that must be told which
// legs exist before they can report or close them.
type LegTracker interface {
	TrackLeg(leg domain.LegRef)
}

// Merger converts complete YES+NO sets back into collateral on-chain. A
// pm_arb pair is closed this way instead of selling both books.
type Merger interface {
	MergeSets(ctx context.Context, conditionID string, sets float64, negRisk bool) (domain.MergeResult, error)
}
