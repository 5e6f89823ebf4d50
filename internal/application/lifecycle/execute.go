package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// execute runs a CLOSE decision. Concurrent calls for the same position
// inside this process share one execution; calls from a stale snapshot
// after the position closed return a not-recorded success. The work runs
// on a context detached from the caller's cancellation.
func (m *Manager) execute(ctx context.Context, pos domain.Position, d domain.Decision, source domain.Source) (*domain.CloseResult, error) {
	v, err, shared := m.closes.Do(pos.ID, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CloseTimeout)
		defer cancel()
		return m.closeOnce(cctx, pos, d, source)
	})
	if shared {
		slog.Debug("lifecycle: joined in-flight close", "id", pos.ShortID(), "source", source)
	}
	res, _ := v.(*domain.CloseResult)
	if res != nil {
		cp := *res
		res = &cp
	}
	return res, err
}

func (m *Manager) closeOnce(ctx context.Context, pos domain.Position, d domain.Decision, source domain.Source) (*domain.CloseResult, error) {
	cur, err := m.store.Get(ctx, pos.ID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle.close %s: load: %w", pos.ShortID(), err)
	}
	if !cur.IsOpen() {
		slog.Debug("lifecycle: already closed", "id", pos.ShortID(), "reason", cur.CloseReason, "source", source)
		res := &domain.CloseResult{
			PositionID: cur.ID,
			Strategy:   cur.Strategy,
			Reason:     cur.CloseReason,
			Success:    true,
			ClosePrice: cur.ClosePrice,
		}
		if cur.PnL != nil {
			res.PnL = *cur.PnL
		}
		return res, nil
	}
	if cur.PendingLeg != pos.PendingLeg {
		// a partial close happened since the decision was taken; the next
		// pass decides again on the fresh state
		slog.Debug("lifecycle: stale decision, skipping", "id", pos.ShortID())
		return nil, nil
	}
	pos = cur

	res := &domain.CloseResult{PositionID: pos.ID, Strategy: pos.Strategy, Reason: d.Reason}
	price, pnl := d.Price, d.PnL

	if d.Legs != domain.LegNone {
		merged := false
		if m.canMerge(pos, d) {
			mr, err := m.merger.MergeSets(ctx, pos.Arb.MarketID, pos.Quantity, pos.Arb.NegRisk)
			switch {
			case err == nil:
				merged = true
				price = 1
				pnl = domain.LinearPnL(domain.SideLong, pos.EntryPrice, 1, mr.Sets)
				res.OrderIDs = append(res.OrderIDs, mr.TxHash)
				if !mr.Confirmed {
					slog.Warn("lifecycle: merge sent but not confirmed yet", "id", pos.ShortID(), "tx", mr.TxHash)
				}
			case errors.Is(err, domain.ErrNotSupported):
				slog.Info("lifecycle: merge not available, selling both legs", "id", pos.ShortID(), "err", err)
			default:
				return m.fail(ctx, pos, d, pos.PendingLeg, res, fmt.Errorf("merge: %w", err))
			}
		}
		if !merged {
			price, pnl, err = m.closeLegs(ctx, pos, d, res)
			if err != nil {
				return res, err
			}
		}
	}

	rec := domain.CloseRecord{Time: m.now(), Price: price, Reason: d.Reason, PnL: pnl}
	recorded, err := m.store.Close(ctx, pos.ID, rec)
	if err != nil {
		slog.Error("lifecycle: venue closed but store write failed",
			"id", pos.ShortID(), "reason", d.Reason, "err", err)
		res.Err = err
		return res, fmt.Errorf("lifecycle.close %s: record: %w", pos.ShortID(), err)
	}

	res.Success = true
	res.Recorded = recorded
	res.ClosePrice = price
	res.PnL = pnl
	if !recorded {
		slog.Info("lifecycle: close already recorded by another detector", "id", pos.ShortID(), "source", source)
		return res, nil
	}

	slog.Info("lifecycle: CLOSED",
		"id", pos.ShortID(),
		"strategy", pos.Strategy,
		"reason", d.Reason,
		"price", fmt.Sprintf("%.6f", price),
		"pnl", fmt.Sprintf("$%.4f", pnl),
		"source", source,
	)
	m.notify("position_closed", m.notifier.PositionClosed(ctx, domain.CloseEvent{
		Position:   pos,
		Reason:     d.Reason,
		ClosePrice: price,
		PnL:        pnl,
		PriceDelta: domain.PriceDelta(pos.EntryPrice, price),
		OrderIDs:   res.OrderIDs,
		Source:     source,
		At:         rec.Time,
	}))
	return res, nil
}

// closeLegs sends the market close of every leg in d.Legs, primary first.
// If the primary leg fails nothing was traded and the position is left as
// is. If a later leg fails the position is marked with that pending leg and
// the original reason, and the next pass closes only what is left.
func (m *Manager) closeLegs(ctx context.Context, pos domain.Position, d domain.Decision, res *domain.CloseResult) (float64, float64, error) {
	legs := expandLegs(d.Legs)
	fills := make(map[domain.Leg]domain.Fill, len(legs))

	for i, l := range legs {
		fill, err := m.closeLeg(ctx, pos, l, d, len(legs) == 1 || l == domain.LegPrimary)
		if err != nil {
			if i == 0 {
				_, ferr := m.fail(ctx, pos, d, pos.PendingLeg, res, fmt.Errorf("%s leg: %w", l, err))
				return 0, 0, ferr
			}
			return 0, 0, m.partial(ctx, pos, d, l, fills[legs[0]], res, err)
		}
		fills[l] = fill
		if fill.OrderID != "" {
			res.OrderIDs = append(res.OrderIDs, fill.OrderID)
		}
	}

	price, pnl := closeValue(pos, d, fills)
	return price, pnl, nil
}

func (m *Manager) closeLeg(ctx context.Context, pos domain.Position, l domain.Leg, d domain.Decision, useDecisionPrice bool) (domain.Fill, error) {
	ref, ok := pos.LegRef(l)
	if !ok {
		return domain.Fill{}, fmt.Errorf("%w: no %s leg", domain.ErrInvalidPosition, l)
	}
	v, err := m.venues.Get(ref.Venue)
	if err != nil {
		return domain.Fill{}, err
	}
	if d.CancelExits {
		m.cancelExits(ctx, v, pos, l, ref)
	}

	var refPrice float64
	if useDecisionPrice {
		refPrice = d.Price
	}
	fill, err := v.ClosePosition(ctx, domain.CloseOrder{
		PositionID: pos.ID,
		Symbol:     ref.Symbol,
		Side:       domain.CloseSide(ref.Side),
		Quantity:   ref.Quantity,
		Price:      refPrice,
		ReduceOnly: true,
	})
	if err != nil {
		return domain.Fill{}, err
	}
	if fill.Price <= 0 {
		if q, qerr := v.Quote(ctx, ref.Symbol); qerr == nil {
			fill.Price = lastPrice(q)
		} else {
			fill.Price = refPrice
		}
	}
	slog.Info("lifecycle: leg closed",
		"id", pos.ShortID(), "leg", l, "venue", ref.Venue, "symbol", ref.Symbol,
		"order", fill.OrderID, "price", fill.Price)
	return fill, nil
}

// cancelExits cancels the exchange-native TP/SL orders of one leg. The
// orders may already be gone, so failures are only logged.
func (m *Manager) cancelExits(ctx context.Context, v ports.ExchangeAdapter, pos domain.Position, l domain.Leg, ref domain.LegRef) {
	var ids []string
	switch l {
	case domain.LegPrimary:
		ids = []string{pos.Exits.TPOrderID, pos.Exits.SLOrderID}
	case domain.LegOther:
		ids = []string{ref.SLOrder}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := v.CancelOrder(ctx, ref.Symbol, id); err != nil {
			slog.Warn("lifecycle: cancel exit order failed", "id", pos.ShortID(), "order", id, "err", err)
		}
	}
}

func (m *Manager) canMerge(pos domain.Position, d domain.Decision) bool {
	return m.merger != nil &&
		pos.Strategy == domain.StrategyPMArb &&
		pos.Arb != nil &&
		d.Legs == domain.LegBoth &&
		pos.PendingLeg == domain.LegNone
}

func (m *Manager) partial(ctx context.Context, pos domain.Position, d domain.Decision, pending domain.Leg, done domain.Fill, res *domain.CloseResult, cause error) error {
	reason := d.Reason
	upd := domain.MonitorUpdate{PendingLeg: &pending, PendingReason: &reason}
	if done.Price > 0 {
		// the price of the closed leg, needed for the pnl once the rest closes
		upd.LastCheckPrice = &done.Price
	}
	if err := m.store.UpdateMonitor(ctx, pos.ID, upd); err != nil {
		slog.Error("lifecycle: could not mark partial close", "id", pos.ShortID(), "err", err)
	}
	_, err := m.fail(ctx, pos, d, pending, res, fmt.Errorf("%w: %s leg: %w", domain.ErrPartialClose, pending, cause))
	return err
}

func (m *Manager) fail(ctx context.Context, pos domain.Position, d domain.Decision, pending domain.Leg, res *domain.CloseResult, err error) (*domain.CloseResult, error) {
	slog.Error("lifecycle: close failed, position stays open",
		"id", pos.ShortID(), "strategy", pos.Strategy, "reason", d.Reason, "pending", pending, "err", err)
	res.Err = err
	m.notify("close_failed", m.notifier.CloseFailed(ctx, domain.CloseFailure{
		Position:   pos,
		Reason:     d.Reason,
		PendingLeg: pending,
		Err:        err.Error(),
		At:         m.now(),
	}))
	return res, fmt.Errorf("lifecycle.close %s: %w", pos.ShortID(), err)
}

func (m *Manager) notify(event string, err error) {
	if err != nil {
		slog.Warn("lifecycle: notification failed", "event", event, "err", err)
	}
}

func expandLegs(l domain.Leg) []domain.Leg {
	switch l {
	case domain.LegBoth:
		return []domain.Leg{domain.LegPrimary, domain.LegOther}
	case domain.LegPrimary, domain.LegOther:
		return []domain.Leg{l}
	}
	return nil
}

// closeValue is the recorded close price and approximate pnl once the
// legs in fills are closed. A leg closed by an earlier partial attempt is
// valued at the price stored in LastCheckPrice at that time.
func closeValue(pos domain.Position, d domain.Decision, fills map[domain.Leg]domain.Fill) (float64, float64) {
	legPrice := func(l domain.Leg) float64 {
		if f, ok := fills[l]; ok {
			return f.Price
		}
		return pos.ReferencePrice()
	}

	switch pos.Strategy {
	case domain.StrategyFunding:
		p := legPrice(domain.LegPrimary)
		return p, domain.LinearPnL(pos.Side, pos.EntryPrice, p, pos.Quantity)

	case domain.StrategySpread:
		switch d.Reason {
		case domain.ReasonBuySLTriggered:
			p := legPrice(domain.LegOther)
			return p, domain.SurvivingLegPnL(pos, domain.LegOther, p)
		case domain.ReasonSellSLTriggered:
			p := legPrice(domain.LegPrimary)
			return p, domain.SurvivingLegPnL(pos, domain.LegPrimary, p)
		}
		p := legPrice(domain.LegPrimary)
		return p, domain.SpreadPnL(pos, p)

	case domain.StrategyPMArb:
		set := legPrice(domain.LegPrimary) + legPrice(domain.LegOther)
		return set, domain.LinearPnL(domain.SideLong, pos.EntryPrice, set, pos.Quantity)
	}

	p := legPrice(domain.LegPrimary)
	return p, domain.PredictionPnL(pos.EntryPrice, p, pos.Quantity)
}
