package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/domain/exit"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

const (
	defaultCloseTimeout   = time.Minute
	defaultReevalTimeout  = 3 * time.Minute
	defaultReevalCooldown = 30 * time.Minute
)

// Config holds the exit-rule parameters and execution timeouts.
type Config struct {
	Funding    exit.FundingParams
	Spread     exit.SpreadParams
	Prediction exit.PredictionParams
	Settlement exit.SettlementParams

	// CloseTimeout bounds a close once started. Closes run detached from the
	// caller's cancellation so a venue order is never abandoned before the
	// store write.
	CloseTimeout  time.Duration
	ReevalTimeout time.Duration

	// ReevalCooldown spaces Level 2 runs triggered only by an inverted edge.
	// A price move at or above the trigger always re-evaluates.
	ReevalCooldown time.Duration

	Now func() time.Time // nil = time.Now
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		Funding:        exit.DefaultFundingParams(),
		Spread:         exit.DefaultSpreadParams(),
		Prediction:     exit.DefaultPredictionParams(),
		Settlement:     exit.DefaultSettlementParams(),
		CloseTimeout:   defaultCloseTimeout,
		ReevalTimeout:  defaultReevalTimeout,
		ReevalCooldown: defaultReevalCooldown,
	}
}

// Deps are the collaborators of the Manager. Reestimator, Notifier and
// Merger are optional.
type Deps struct {
	Store       ports.PositionStore
	Venues      *Registry
	Reestimator ports.Reestimator
	Notifier    ports.Notifier
	Merger      ports.Merger
}

// Manager is the reconciliation core shared by the poll loop and the
// streaming watchers. Both call into the same rules and the same close
// path; PositionStore.Close decides which of them records the close.
type Manager struct {
	store    ports.PositionStore
	venues   *Registry
	reest    ports.Reestimator
	notifier ports.Notifier
	merger   ports.Merger
	cfg      Config

	closes  singleflight.Group // in-process dedup of venue closes per position id
	reevals singleflight.Group // at most one Level 2 per position id
}

// NewManager wires a Manager. Zero timeouts take the defaults.
func NewManager(d Deps, cfg Config) *Manager {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.ReevalTimeout <= 0 {
		cfg.ReevalTimeout = defaultReevalTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	n := d.Notifier
	if n == nil {
		n = nopNotifier{}
	}
	return &Manager{
		store:    d.Store,
		venues:   d.Venues,
		reest:    d.Reestimator,
		notifier: n,
		merger:   d.Merger,
		cfg:      cfg,
	}
}

func (m *Manager) now() time.Time { return m.cfg.Now().UTC() }

// OpenPositions returns the open positions of strategy (empty = all).
func (m *Manager) OpenPositions(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error) {
	ps, err := m.store.GetOpen(ctx, strategy)
	if err != nil {
		return nil, fmt.Errorf("lifecycle.OpenPositions: %w", err)
	}
	return ps, nil
}

// CheckAll runs one poll pass over every open position. A failure on one
// position is logged and the sweep continues; only store reads that fail
// for a whole strategy are returned.
func (m *Manager) CheckAll(ctx context.Context) ([]domain.CloseResult, error) {
	var (
		results []domain.CloseResult
		errs    []error
		checked int
	)
	for _, s := range domain.Strategies {
		if ctx.Err() != nil {
			break
		}
		open, err := m.store.GetOpen(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("get open %s: %w", s, err))
			continue
		}
		for _, pos := range open {
			if ctx.Err() != nil {
				break
			}
			checked++
			res, err := m.CheckPosition(ctx, pos, domain.SourcePoll)
			if err != nil {
				slog.Warn("lifecycle: check failed, retrying next pass",
					"id", pos.ShortID(), "strategy", pos.Strategy, "err", err)
			}
			if res != nil {
				results = append(results, *res)
			}
		}
	}
	if len(results) > 0 {
		slog.Info("lifecycle: poll pass", "checked", checked, "closes", len(results))
	} else {
		slog.Debug("lifecycle: poll pass", "checked", checked)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("lifecycle.CheckAll: %w", errors.Join(errs...))
	}
	return results, nil
}

// CheckPosition gathers the venue state of pos, applies its exit rule and
// executes the decision. It returns a non-nil result when a close was
// attempted. Adapter errors abort the check without touching the position.
func (m *Manager) CheckPosition(ctx context.Context, pos domain.Position, source domain.Source) (*domain.CloseResult, error) {
	if !pos.IsOpen() {
		return nil, nil
	}
	switch pos.Strategy {
	case domain.StrategyFunding:
		return m.checkFunding(ctx, pos, source)
	case domain.StrategySpread:
		return m.checkSpread(ctx, pos, source)
	case domain.StrategyPrediction:
		return m.checkPrediction(ctx, pos, source)
	case domain.StrategyPMArb, domain.StrategyMicroArb:
		return m.checkSettlement(ctx, pos, source)
	}
	return nil, fmt.Errorf("lifecycle.CheckPosition: %w: strategy %q", domain.ErrInvalidPosition, pos.Strategy)
}

// --- funding ---

func (m *Manager) checkFunding(ctx context.Context, pos domain.Position, source domain.Source) (*domain.CloseResult, error) {
	v, err := m.venues.Get(pos.Exchange)
	if err != nil {
		return nil, fmt.Errorf("checkFunding %s: %w", pos.ShortID(), err)
	}

	obs := exit.FundingObservation{Now: m.now()}
	obs.VenueHasPosition, err = v.HasOpenPosition(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("checkFunding %s: has position: %w", pos.ShortID(), err)
	}

	if !obs.VenueHasPosition {
		q, err := v.Quote(ctx, pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("checkFunding %s: quote: %w", pos.ShortID(), err)
		}
		obs.Last = lastPrice(q)
	} else if m.cfg.Funding.Timeout <= 0 || pos.Age(obs.Now) < m.cfg.Funding.Timeout {
		// the rate is only needed when the timeout rule does not fire first
		obs.Rate, err = v.FundingRate(ctx, pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("checkFunding %s: funding rate: %w", pos.ShortID(), err)
		}
	}

	d := exit.Funding(pos, obs, m.cfg.Funding)
	if d.Action == domain.ActionEscalate {
		d, err = m.confirmMissing(ctx, v, pos, obs.Last)
		if err != nil {
			return nil, err
		}
	}
	return m.apply(ctx, pos, d, source)
}

// confirmMissing handles a funding position the venue no longer reports
// although no TP/SL was attached. That is an anomaly, so the venue is asked
// again before the close is recorded.
func (m *Manager) confirmMissing(ctx context.Context, v ports.ExchangeAdapter, pos domain.Position, last float64) (domain.Decision, error) {
	slog.Warn("lifecycle: venue reports no position and no TP/SL was recorded, re-checking",
		"id", pos.ShortID(), "venue", v.Name(), "symbol", pos.Symbol)

	has, err := v.HasOpenPosition(ctx, pos.Symbol)
	if err != nil {
		return domain.Hold(), fmt.Errorf("confirmMissing %s: %w", pos.ShortID(), err)
	}
	if has {
		slog.Info("lifecycle: position is back on the venue, holding", "id", pos.ShortID())
		return domain.Hold(), nil
	}
	slog.Warn("lifecycle: position confirmed missing on venue, recording close",
		"id", pos.ShortID(), "symbol", pos.Symbol)
	pnl := domain.LinearPnL(pos.Side, pos.EntryPrice, last, pos.Quantity)
	return domain.RecordClose(domain.ReasonPositionMissing, last, pnl), nil
}

// --- spread ---

func (m *Manager) checkSpread(ctx context.Context, pos domain.Position, source domain.Source) (*domain.CloseResult, error) {
	buyRef, _ := pos.LegRef(domain.LegPrimary)
	sellRef, ok := pos.LegRef(domain.LegOther)
	if !ok {
		return nil, fmt.Errorf("checkSpread %s: %w: no sell leg", pos.ShortID(), domain.ErrInvalidPosition)
	}
	buyVenue, err := m.venues.Get(buyRef.Venue)
	if err != nil {
		return nil, fmt.Errorf("checkSpread %s: %w", pos.ShortID(), err)
	}
	sellVenue, err := m.venues.Get(sellRef.Venue)
	if err != nil {
		return nil, fmt.Errorf("checkSpread %s: %w", pos.ShortID(), err)
	}

	obs := exit.SpreadObservation{Now: m.now()}
	if obs.BuyLegOpen, err = buyVenue.HasOpenPosition(ctx, buyRef.Symbol); err != nil {
		return nil, fmt.Errorf("checkSpread %s: buy leg: %w", pos.ShortID(), err)
	}
	if obs.SellLegOpen, err = sellVenue.HasOpenPosition(ctx, sellRef.Symbol); err != nil {
		return nil, fmt.Errorf("checkSpread %s: sell leg: %w", pos.ShortID(), err)
	}
	if obs.Buy, err = buyVenue.Quote(ctx, buyRef.Symbol); err != nil {
		return nil, fmt.Errorf("checkSpread %s: buy quote: %w", pos.ShortID(), err)
	}
	if obs.Sell, err = sellVenue.Quote(ctx, sellRef.Symbol); err != nil {
		return nil, fmt.Errorf("checkSpread %s: sell quote: %w", pos.ShortID(), err)
	}

	if spread, ok := exit.CurrentSpreadPct(obs.Buy.Bid, obs.Sell.Ask); ok {
		slog.Debug("lifecycle: spread", "id", pos.ShortID(), "spread_pct", fmt.Sprintf("%.4f", spread))
	}
	return m.apply(ctx, pos, exit.Spread(pos, obs, m.cfg.Spread), source)
}

// CloseSpread executes an exit the spread watcher decided from its ticker
// streams. The decision goes through the same close path as the poller.
func (m *Manager) CloseSpread(ctx context.Context, pos domain.Position, d domain.Decision) (*domain.CloseResult, error) {
	if pos.Strategy != domain.StrategySpread {
		return nil, fmt.Errorf("lifecycle.CloseSpread: %w: %s is %s", domain.ErrInvalidPosition, pos.ShortID(), pos.Strategy)
	}
	return m.apply(ctx, pos, d, domain.SourceStream)
}

// --- pm_arb / micro_arb ---

func (m *Manager) checkSettlement(ctx context.Context, pos domain.Position, source domain.Source) (*domain.CloseResult, error) {
	v, err := m.venues.Get(pos.Exchange)
	if err != nil {
		return nil, fmt.Errorf("checkSettlement %s: %w", pos.ShortID(), err)
	}

	held, err := m.heldLegs(ctx, v, pos)
	if err != nil {
		return nil, fmt.Errorf("checkSettlement %s: %w", pos.ShortID(), err)
	}

	// during a retry the price that matters is the pending leg's
	symbol := pos.Symbol
	if pos.PendingLeg == domain.LegOther {
		if ref, ok := pos.LegRef(domain.LegOther); ok {
			symbol = ref.Symbol
		}
	}
	obs := exit.SettlementObservation{Held: held, Now: m.now()}
	// a resolved market has no book any more; a missing price is fine
	if q, err := v.Quote(ctx, symbol); err == nil {
		obs.Price = q.Mid()
	}
	return m.apply(ctx, pos, exit.Settlement(pos, obs, m.cfg.Settlement), source)
}

// heldLegs reports which legs of pos the venue still holds. When the legs
// being watched all look gone the venue is asked once more before anyone
// records a close from it: these positions have no TP/SL that explains
// the absence. A venue that cannot read balances counts as holding.
func (m *Manager) heldLegs(ctx context.Context, v ports.ExchangeAdapter, pos domain.Position) (domain.Leg, error) {
	watched := pos.Legs()
	if pos.PendingLeg != domain.LegNone {
		watched = pos.PendingLeg
	}

	held, err := m.readHeld(ctx, v, pos)
	if err != nil || held.Overlap(watched) != domain.LegNone {
		return held, err
	}

	slog.Warn("lifecycle: venue reports the tokens gone, re-checking",
		"id", pos.ShortID(), "strategy", pos.Strategy, "venue", v.Name(), "legs", watched)
	held, err = m.readHeld(ctx, v, pos)
	if err != nil {
		return held, fmt.Errorf("confirm: %w", err)
	}
	if held.Overlap(watched) != domain.LegNone {
		slog.Info("lifecycle: tokens are back on the venue, holding", "id", pos.ShortID())
	}
	return held, nil
}

func (m *Manager) readHeld(ctx context.Context, v ports.ExchangeAdapter, pos domain.Position) (domain.Leg, error) {
	var primary, other bool
	for _, l := range []domain.Leg{domain.LegPrimary, domain.LegOther} {
		ref, ok := pos.LegRef(l)
		if !ok {
			continue
		}
		has, err := v.HasOpenPosition(ctx, ref.Symbol)
		switch {
		case errors.Is(err, domain.ErrNotSupported):
			// without balance reads only the expiry rule can fire
			has = true
		case err != nil:
			return domain.LegNone, fmt.Errorf("has position %s: %w", l, err)
		}
		if l == domain.LegPrimary {
			primary = has
		} else {
			other = has
		}
	}
	return domain.LegSet(primary, other), nil
}

// --- manual ---

// CloseManual closes every leg of an open position at market.
func (m *Manager) CloseManual(ctx context.Context, id string) (*domain.CloseResult, error) {
	pos, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lifecycle.CloseManual: %w", err)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("lifecycle.CloseManual: %s: %w", pos.ShortID(), domain.ErrPositionClosed)
	}
	legs := pos.Legs()
	if pos.PendingLeg != domain.LegNone {
		legs = pos.PendingLeg
	}
	return m.apply(ctx, pos, domain.CloseLegs(domain.ReasonManual, legs, true), domain.SourceManual)
}

// apply logs and executes a non-HOLD decision.
func (m *Manager) apply(ctx context.Context, pos domain.Position, d domain.Decision, source domain.Source) (*domain.CloseResult, error) {
	if d.IsHold() {
		return nil, nil
	}
	if d.Action != domain.ActionClose {
		return nil, fmt.Errorf("lifecycle.apply %s: unexpected %s", pos.ShortID(), d)
	}
	slog.Info("lifecycle: exit decision",
		"id", pos.ShortID(), "strategy", pos.Strategy, "decision", d.String(), "source", source)
	return m.execute(ctx, pos, d, source)
}

func lastPrice(q domain.Quote) float64 {
	if q.Last > 0 {
		return q.Last
	}
	return q.Mid()
}

type nopNotifier struct{}

func (nopNotifier) PositionOpened(context.Context, domain.Position) error      { return nil }
func (nopNotifier) PositionClosed(context.Context, domain.CloseEvent) error    { return nil }
func (nopNotifier) PredictionReeval(context.Context, domain.ReevalEvent) error { return nil }
func (nopNotifier) CloseFailed(context.Context, domain.CloseFailure) error     { return nil }
