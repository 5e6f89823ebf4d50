package ports

import (
	"context"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Reestimator re-prices a prediction market (research + probability model).
// Calls are slow and costly; the lifecycle engine gates them behind Level 1.
type Reestimator interface {
	Reestimate(ctx context.Context, mc domain.MarketContext) (domain.Estimate, error)
}
