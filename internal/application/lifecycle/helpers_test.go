package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/adapters/storage"
	"github.com/alejandrodnm/polyagent/internal/adapters/venue"
	"github.com/alejandrodnm/polyagent/internal/application/lifecycle"
	"github.com/alejandrodnm/polyagent/internal/domain"
)

type harness struct {
	store    *storage.SQLiteStorage
	venues   *lifecycle.Registry
	binance  *venue.Paper
	hl       *venue.Paper
	pm       *venue.Paper
	notifier *recorder
	est      *fakeEstimator
	merger   *fakeMerger
	mgr      *lifecycle.Manager
	acct     *lifecycle.Accountant
	opener   *lifecycle.Opener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Shutdown() })

	h := &harness{
		store:    store,
		binance:  venue.NewPaper("binance"),
		hl:       venue.NewPaper("hyperliquid"),
		pm:       venue.NewPaper("polymarket"),
		notifier: &recorder{},
		est:      &fakeEstimator{},
	}
	h.venues = lifecycle.NewRegistry(h.binance, h.hl, h.pm)
	h.mgr = lifecycle.NewManager(lifecycle.Deps{
		Store:       store,
		Venues:      h.venues,
		Reestimator: h.est,
		Notifier:    h.notifier,
	}, lifecycle.DefaultConfig())
	h.acct = lifecycle.NewAccountant(store, domain.ExposureLimits{
		Bankroll:            20,
		MaxCategoryFraction: 0.30,
		PredictionBankroll:  20,
	})
	h.opener = lifecycle.NewOpener(store, h.acct, h.venues, h.notifier)
	return h
}

// withMerger rebuilds the manager with an on-chain merger.
func (h *harness) withMerger(m *fakeMerger) {
	h.merger = m
	h.mgr = lifecycle.NewManager(lifecycle.Deps{
		Store:       h.store,
		Venues:      h.venues,
		Reestimator: h.est,
		Notifier:    h.notifier,
		Merger:      m,
	}, lifecycle.DefaultConfig())
}

func (h *harness) open(t *testing.T, pos domain.Position) domain.Position {
	t.Helper()
	require.NoError(t, h.opener.Open(context.Background(), pos))
	return pos
}

func (h *harness) get(t *testing.T, id string) domain.Position {
	t.Helper()
	pos, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return pos
}

func fundingPos(age time.Duration, exits domain.ExitOrders) domain.Position {
	return domain.NewFundingPosition(domain.FundingOpportunity{
		Pair:         "SEI/USDT",
		Symbol:       "SEI/USDT:USDT",
		Exchange:     "hyperliquid",
		Direction:    "short_perp",
		FundingRate:  0.02,
		PositionSize: 4,
	}, domain.Entry{Quantity: 10, Price: 0.40, Exits: exits, At: time.Now().Add(-age)})
}

func spreadPos(age time.Duration) domain.Position {
	return domain.NewSpreadPosition(domain.SpreadOpportunity{
		Pair:         "BTC/USDT",
		BuyExchange:  "binance",
		BuySymbol:    "BTC/USDT:USDT",
		SellExchange: "hyperliquid",
		SellSymbol:   "BTC/USDT:USDT",
		BuyPrice:     100,
		SellPrice:    100.5,
		SpreadPct:    0.5,
		PositionSize: 5,
	}, domain.SpreadEntry{
		Entry:          domain.Entry{Quantity: 1, Price: 100, Exits: domain.ExitOrders{SLOrderID: "sl-buy"}, At: time.Now().Add(-age)},
		SellPrice:      100.5,
		SellOrderID:    "sell-1",
		OtherSLOrderID: "sl-sell",
	})
}

func predictionPos(token, category string, entry, prob, bet float64) domain.Position {
	return domain.NewPredictionPosition(domain.PredictionOpportunity{
		MarketID:    "m-" + token,
		Question:    "Will " + token + " happen?",
		Category:    category,
		YesTokenID:  token,
		NoTokenID:   token + "-no",
		Side:        domain.SideYes,
		Probability: prob,
		Thesis:      "thesis",
		Bet:         bet,
	}, domain.Entry{Quantity: bet / entry, Price: entry})
}

// --- fakes ---

type recorder struct {
	mu       sync.Mutex
	opened   []domain.Position
	closed   []domain.CloseEvent
	reevals  []domain.ReevalEvent
	failures []domain.CloseFailure
}

func (r *recorder) PositionOpened(_ context.Context, p domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, p)
	return nil
}

func (r *recorder) PositionClosed(_ context.Context, ev domain.CloseEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, ev)
	return nil
}

func (r *recorder) PredictionReeval(_ context.Context, ev domain.ReevalEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reevals = append(r.reevals, ev)
	return nil
}

func (r *recorder) CloseFailed(_ context.Context, f domain.CloseFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func (r *recorder) Closed() []domain.CloseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CloseEvent(nil), r.closed...)
}

func (r *recorder) Reevals() []domain.ReevalEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ReevalEvent(nil), r.reevals...)
}

func (r *recorder) Failures() []domain.CloseFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CloseFailure(nil), r.failures...)
}

type fakeEstimator struct {
	mu    sync.Mutex
	calls int
	last  domain.MarketContext
	est   domain.Estimate
	err   error
	gate  chan struct{} // if set, every call blocks until it is closed
}

func (f *fakeEstimator) Reestimate(_ context.Context, mc domain.MarketContext) (domain.Estimate, error) {
	f.mu.Lock()
	f.calls++
	f.last = mc
	gate, est, err := f.gate, f.est, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return est, err
}

func (f *fakeEstimator) set(est domain.Estimate, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.est, f.err = est, err
}

func (f *fakeEstimator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMerger struct {
	mu    sync.Mutex
	calls []string
	res   domain.MergeResult
	err   error
}

func (f *fakeMerger) MergeSets(_ context.Context, conditionID string, sets float64, _ bool) (domain.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conditionID)
	if f.err != nil {
		return domain.MergeResult{}, f.err
	}
	r := f.res
	r.ConditionID = conditionID
	r.Sets = sets
	return r, nil
}
