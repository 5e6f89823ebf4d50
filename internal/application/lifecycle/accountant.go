package lifecycle

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Accountant answers exposure questions. Every answer is recomputed from
// the open positions in the store; there is no running counter to drift.
type Accountant struct {
	store  ports.PositionStore
	limits domain.ExposureLimits
}

// NewAccountant returns an Accountant that checks candidates against limits.
func NewAccountant(store ports.PositionStore, limits domain.ExposureLimits) *Accountant {
	return &Accountant{store: store, limits: limits}
}

// Limits returns the configured caps.
func (a *Accountant) Limits() domain.ExposureLimits { return a.limits }

// Exposure returns the full breakdown over the current open set.
func (a *Accountant) Exposure(ctx context.Context) (domain.Exposure, error) {
	open, err := a.store.GetOpen(ctx, "")
	if err != nil {
		return domain.Exposure{}, fmt.Errorf("accountant.Exposure: %w", err)
	}
	return domain.ComputeExposure(open), nil
}

// TotalExposure is the sum of SizeUSD over every open position.
func (a *Accountant) TotalExposure(ctx context.Context) (float64, error) {
	exp, err := a.Exposure(ctx)
	return exp.Total, err
}

// CategoryExposure is the deployed USD per exposure category.
func (a *Accountant) CategoryExposure(ctx context.Context) (map[string]float64, error) {
	exp, err := a.Exposure(ctx)
	return exp.ByCategory, err
}

// StrategyExposure is the deployed USD per strategy.
func (a *Accountant) StrategyExposure(ctx context.Context) (map[domain.Strategy]float64, error) {
	exp, err := a.Exposure(ctx)
	return exp.ByStrategy, err
}

// Admit returns a wrapped domain.ErrExposureCap if opening candidate now
// would breach a cap. It does not reserve anything; Opener serializes
// Admit with the Save that follows.
func (a *Accountant) Admit(ctx context.Context, candidate domain.Position) error {
	exp, err := a.Exposure(ctx)
	if err != nil {
		return err
	}
	if err := a.limits.CheckLimits(exp, candidate); err != nil {
		return fmt.Errorf("accountant.Admit %s: %w", candidate.ShortID(), err)
	}
	return nil
}
