package ports

import (
	"context"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// MarketTick is one price observation of an outcome token.
type MarketTick struct {
	TokenID string
	Quote   domain.Quote
}

// MarketFeed streams prices of outcome tokens. Subscriptions can change
// while Run is active.
type MarketFeed interface {
	// Run connects and delivers ticks until ctx is cancelled or the
	// connection fails.
	Run(ctx context.Context, ticks chan<- MarketTick) error
	Subscribe(tokenIDs ...string)
	Unsubscribe(tokenIDs ...string)
	Subscribed() []string
}
