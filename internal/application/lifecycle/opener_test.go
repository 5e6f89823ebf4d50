package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// --- Opener ---

func TestOpener_TracksLegsAndNotifies(t *testing.T) {
	h := newHarness(t)
	pos := h.open(t, spreadPos(time.Minute))

	for _, p := range []interface {
		HasOpenPosition(context.Context, string) (bool, error)
	}{h.binance, h.hl} {
		has, err := p.HasOpenPosition(context.Background(), pos.Symbol)
		require.NoError(t, err)
		assert.True(t, has)
	}
	require.Len(t, h.notifier.opened, 1)
	assert.Equal(t, pos.ID, h.notifier.opened[0].ID)
}

func TestOpener_RejectsInvalid(t *testing.T) {
	h := newHarness(t)
	pos := fundingPos(time.Minute, domain.ExitOrders{})
	pos.Funding = nil

	err := h.opener.Open(context.Background(), pos)
	require.ErrorIs(t, err, domain.ErrInvalidPosition)

	pos = fundingPos(time.Minute, domain.ExitOrders{})
	pos.Status = domain.StatusClosed
	require.ErrorIs(t, h.opener.Open(context.Background(), pos), domain.ErrInvalidPosition)
}

func TestOpener_CategoryCap(t *testing.T) {
	h := newHarness(t)
	h.open(t, predictionPos("p1", "politics", 0.5, 0.7, 4))

	// cap is 0.30 * 20 = $6 per category
	err := h.opener.Open(context.Background(), predictionPos("p2", "politics", 0.5, 0.7, 3))
	require.ErrorIs(t, err, domain.ErrExposureCap)

	// other categories are unaffected
	h.open(t, predictionPos("p3", "sports", 0.5, 0.7, 3))

	byCat, err := h.acct.CategoryExposure(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 4, byCat["politics"], 1e-9)
	assert.InDelta(t, 3, byCat["sports"], 1e-9)
}

func TestOpener_ConcurrentOpensRespectBankroll(t *testing.T) {
	h := newHarness(t)

	const n = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		capped   int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pos := predictionPos(fmt.Sprintf("tok-%d", i), fmt.Sprintf("cat-%d", i), 0.5, 0.7, 3)
			err := h.opener.Open(context.Background(), pos)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, domain.ErrExposureCap):
				capped++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// $3 each against a $20 bankroll
	assert.Equal(t, 6, admitted)
	assert.Equal(t, n-6, capped)

	total, err := h.acct.TotalExposure(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 18, total, 1e-9)
}

func TestAccountant_ExposureFollowsCloses(t *testing.T) {
	h := newHarness(t)
	f := h.open(t, fundingPos(25*time.Hour, domain.ExitOrders{}))
	h.open(t, predictionPos("tok-x", "sports", 0.5, 0.7, 3))
	h.hl.SetQuote(domain.Quote{Symbol: f.Symbol, Bid: 0.39, Ask: 0.41})

	byStrategy, err := h.acct.StrategyExposure(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 4, byStrategy[domain.StrategyFunding], 1e-9)
	assert.InDelta(t, 3, byStrategy[domain.StrategyPrediction], 1e-9)

	_, err = h.mgr.CheckPosition(context.Background(), f, domain.SourcePoll)
	require.NoError(t, err)

	exp, err := h.acct.Exposure(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3, exp.Total, 1e-9)
	assert.Zero(t, exp.ByStrategy[domain.StrategyFunding])

	// the freed room is usable again
	h.open(t, fundingPos(time.Minute, domain.ExitOrders{}))
}

func TestOpener_RestoreRetracksPendingLegOnly(t *testing.T) {
	h := newHarness(t)
	pos := spreadPos(time.Minute)
	pos.PendingLeg = domain.LegOther
	pos.PendingReason = domain.ReasonTimeout1h
	require.NoError(t, h.store.Save(context.Background(), pos))

	n, err := h.opener.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	buy, err := h.binance.HasOpenPosition(context.Background(), pos.Symbol)
	require.NoError(t, err)
	assert.False(t, buy)
	sell, err := h.hl.HasOpenPosition(context.Background(), pos.Symbol)
	require.NoError(t, err)
	assert.True(t, sell)
}
