package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/domain/exit"
)

// OnPredictionTick runs the two-level check for every open prediction
// position holding tokenID. It is the market feed's entry point.
func (m *Manager) OnPredictionTick(ctx context.Context, tokenID string, q domain.Quote) error {
	open, err := m.store.GetOpen(ctx, domain.StrategyPrediction)
	if err != nil {
		return fmt.Errorf("lifecycle.OnPredictionTick: %w", err)
	}
	var errs []error
	for _, pos := range open {
		if pos.Prediction == nil || pos.Prediction.TokenID != tokenID {
			continue
		}
		if _, err := m.evaluatePrediction(ctx, pos, q, domain.SourceStream); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkPrediction is the poll path: a token the venue no longer holds is
// a resolved market, otherwise the quote goes through the two levels.
func (m *Manager) checkPrediction(ctx context.Context, pos domain.Position, source domain.Source) (*domain.CloseResult, error) {
	v, err := m.venues.Get(pos.Exchange)
	if err != nil {
		return nil, fmt.Errorf("checkPrediction %s: %w", pos.ShortID(), err)
	}

	held, err := m.heldLegs(ctx, v, pos)
	if err != nil {
		return nil, fmt.Errorf("checkPrediction %s: %w", pos.ShortID(), err)
	}
	if held == domain.LegNone {
		obs := exit.SettlementObservation{Held: held, Now: m.now()}
		if q, qerr := v.Quote(ctx, pos.Symbol); qerr == nil {
			obs.Price = q.Mid()
		}
		return m.apply(ctx, pos, exit.Settlement(pos, obs, m.cfg.Settlement), source)
	}

	q, err := v.Quote(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("checkPrediction %s: quote: %w", pos.ShortID(), err)
	}
	return m.evaluatePrediction(ctx, pos, q, source)
}

// evaluatePrediction is Level 1. Below the trigger it only stores the
// observed price; above it Level 2 runs, at most once at a time per
// position.
func (m *Manager) evaluatePrediction(ctx context.Context, pos domain.Position, q domain.Quote, source domain.Source) (*domain.CloseResult, error) {
	price := q.Mid()
	if price <= 0 {
		return nil, fmt.Errorf("evaluatePrediction %s: no price for %s", pos.ShortID(), pos.Symbol)
	}

	l1 := exit.PredictionLevel1(pos, price, m.cfg.Prediction)
	if !l1.Escalate {
		return nil, m.storePrice(ctx, pos, price)
	}

	v, err, shared := m.reevals.Do(pos.ID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ReevalTimeout)
		defer cancel()
		return m.reevaluate(rctx, pos.ID, q, source)
	})
	if shared {
		slog.Debug("lifecycle: joined in-flight re-evaluation", "id", pos.ShortID())
	}
	res, _ := v.(*domain.CloseResult)
	if res != nil {
		cp := *res
		res = &cp
	}
	return res, err
}

// reevaluate is Level 2. It reloads the position so a trigger computed on a
// snapshot older than the last re-evaluation does not pay for another one.
func (m *Manager) reevaluate(ctx context.Context, id string, q domain.Quote, source domain.Source) (*domain.CloseResult, error) {
	pos, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reevaluate %s: %w", id, err)
	}
	if !pos.IsOpen() || pos.Prediction == nil {
		return nil, nil
	}

	price := q.Mid()
	l1 := exit.PredictionLevel1(pos, price, m.cfg.Prediction)
	if !l1.Escalate || m.coolingDown(pos, l1) {
		return nil, m.storePrice(ctx, pos, price)
	}
	if m.reest == nil {
		slog.Warn("lifecycle: re-evaluation needed but no estimator configured", "id", pos.ShortID())
		return nil, m.storePrice(ctx, pos, price)
	}

	slog.Info("lifecycle: price trigger, re-evaluating",
		"id", pos.ShortID(),
		"market", pos.Label(),
		"move_pct", fmt.Sprintf("%.2f%%", l1.MovePct*100),
		"edge_inverted", l1.EdgeInverted,
	)

	est, err := m.reest.Reestimate(ctx, domain.MarketContext{
		MarketID:     pos.Prediction.MarketID,
		Question:     pos.Prediction.Question,
		Category:     pos.Prediction.Category,
		HeldSide:     pos.Side,
		CurrentPrice: price,
		EntryProb:    pos.Prediction.EstimatedProb,
		Thesis:       pos.Prediction.Thesis,
	})
	if err != nil {
		// neither timestamp nor price is stored so the next tick retries
		slog.Warn("lifecycle: re-estimation failed", "id", pos.ShortID(), "err", err)
		return nil, fmt.Errorf("reevaluate %s: %w", pos.ShortID(), err)
	}

	l2 := exit.PredictionLevel2(pos, price, est, m.cfg.Prediction)
	now := m.now()
	if err := m.store.UpdateMonitor(ctx, pos.ID, domain.MonitorUpdate{LastCheckPrice: &price, LastReevalTime: &now}); err != nil {
		if errors.Is(err, domain.ErrPositionClosed) {
			return nil, nil
		}
		return nil, fmt.Errorf("reevaluate %s: store: %w", pos.ShortID(), err)
	}
	pos.LastCheckPrice = price
	pos.LastReevalTime = &now

	slog.Info("lifecycle: re-evaluation",
		"id", pos.ShortID(),
		"verdict", l2.Verdict,
		"price", price,
		"new_prob", est.Probability,
		"edge", fmt.Sprintf("%+.4f", l2.OurEdge),
		"confidence", est.Confidence,
	)

	ev := domain.ReevalEvent{
		Position:       pos,
		Verdict:        l2.Verdict,
		Reason:         l2.Reason,
		CurrentPrice:   price,
		NewProbability: est.Probability,
		OurEdge:        l2.OurEdge,
		MovePct:        l1.MovePct,
		Confidence:     est.Confidence,
		At:             now,
	}

	switch l2.Verdict {
	case domain.VerdictSold:
		d := domain.CloseLegs(l2.Reason, domain.LegPrimary, false)
		d.Price = q.Bid
		res, err := m.execute(ctx, pos, d, source)
		if err != nil {
			return res, err
		}
		if res != nil && res.Recorded {
			ev.PnL = res.PnL
			m.notify("prediction_reeval", m.notifier.PredictionReeval(ctx, ev))
		}
		return res, nil
	case domain.VerdictAlert:
		m.notify("prediction_reeval", m.notifier.PredictionReeval(ctx, ev))
	}
	return nil, nil
}

func (m *Manager) coolingDown(pos domain.Position, l1 exit.Level1Result) bool {
	if l1.Moved || m.cfg.ReevalCooldown <= 0 || pos.LastReevalTime == nil {
		return false
	}
	return m.now().Sub(*pos.LastReevalTime) < m.cfg.ReevalCooldown
}

func (m *Manager) storePrice(ctx context.Context, pos domain.Position, price float64) error {
	err := m.store.UpdateMonitor(ctx, pos.ID, domain.MonitorUpdate{LastCheckPrice: &price})
	if err != nil && !errors.Is(err, domain.ErrPositionClosed) {
		return fmt.Errorf("store price %s: %w", pos.ShortID(), err)
	}
	return nil
}
