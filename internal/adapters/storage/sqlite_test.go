package storage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/polyagent/internal/adapters/storage"
	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Shutdown() })
	return db
}

func makePrediction(id, category string, size float64) domain.Position {
	return domain.Position{
		ID:         id,
		Strategy:   domain.StrategyPrediction,
		Exchange:   "polymarket",
		Symbol:     "tok-" + id,
		Side:       domain.SideYes,
		Quantity:   size / 0.5,
		EntryPrice: 0.5,
		EntryTime:  time.Now().UTC().Truncate(time.Second),
		SizeUSD:    size,
		OrderIDs:   []string{"o-" + id},
		Prediction: &domain.PredictionPayload{
			MarketID:      "m-" + id,
			Question:      "Will X happen?",
			Category:      category,
			EstimatedProb: 0.62,
			TokenID:       "tok-" + id,
		},
		Status: domain.StatusOpen,
	}
}

func makeSpread(id string) domain.Position {
	return domain.Position{
		ID:         id,
		Strategy:   domain.StrategySpread,
		Exchange:   "binance",
		Symbol:     "ETH/USDT",
		Side:       domain.SideLong,
		Quantity:   1,
		EntryPrice: 1000,
		EntryTime:  time.Now().UTC().Add(-time.Minute).Truncate(time.Second),
		SizeUSD:    1000,
		Exits:      domain.ExitOrders{SLOrderID: "sl-1", SLPrice: 980},
		Spread: &domain.SpreadPayload{
			OtherExchange:  "okx",
			OtherSymbol:    "ETH-USDT",
			OtherSide:      domain.SideShort,
			OtherSLOrderID: "sl-2",
			SellPrice:      1008,
		},
		Status: domain.StatusOpen,
	}
}

func TestSQLiteStorage_SaveAndGet(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	pos := makeSpread("s-1")
	require.NoError(t, db.Save(ctx, pos))

	got, err := db.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategySpread, got.Strategy)
	assert.Equal(t, pos.EntryTime, got.EntryTime)
	assert.Equal(t, "sl-1", got.Exits.SLOrderID)
	require.NotNil(t, got.Spread)
	assert.Equal(t, "okx", got.Spread.OtherExchange)
	assert.Equal(t, 1008.0, got.Spread.SellPrice)
	assert.Nil(t, got.Prediction)
	assert.Nil(t, got.PnL)
	assert.True(t, got.IsOpen())
}

func TestSQLiteStorage_SaveDuplicate(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.Save(ctx, makeSpread("dup")))
	err := db.Save(ctx, makeSpread("dup"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSQLiteStorage_SaveRejectsMismatchedPayload(t *testing.T) {
	db := newStore(t)
	pos := makeSpread("bad")
	pos.Strategy = domain.StrategyFunding
	assert.ErrorIs(t, db.Save(context.Background(), pos), domain.ErrInvalidPosition)
}

func TestSQLiteStorage_GetNotFound(t *testing.T) {
	db := newStore(t)
	_, err := db.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_CloseIsIdempotent(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.Save(ctx, makePrediction("p-1", "politics", 5)))

	first := time.Now().UTC().Truncate(time.Second)
	ok, err := db.Close(ctx, "p-1", domain.CloseRecord{Time: first, Price: 0.7, Reason: domain.ReasonEdgeTooThin, PnL: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.Close(ctx, "p-1", domain.CloseRecord{Time: first.Add(time.Hour), Price: 0.1, Reason: domain.ReasonManual, PnL: -4})
	require.NoError(t, err)
	assert.False(t, ok, "la segunda llamada es no-op")

	got, err := db.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.ReasonEdgeTooThin, got.CloseReason)
	assert.Equal(t, 0.7, got.ClosePrice)
	require.NotNil(t, got.PnL)
	assert.Equal(t, 2.0, *got.PnL)
	require.NotNil(t, got.CloseTime)
	assert.Equal(t, first, *got.CloseTime)
}

func TestSQLiteStorage_CloseUnknown(t *testing.T) {
	db := newStore(t)
	ok, err := db.Close(context.Background(), "ghost", domain.CloseRecord{Reason: domain.ReasonManual})
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_ConcurrentCloseRecordsOnce(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.Save(ctx, makeSpread("race")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.Close(ctx, "race", domain.CloseRecord{Reason: domain.ReasonSpreadClosed})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSQLiteStorage_UpdateMonitor(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.Save(ctx, makeSpread("s-1")))

	price := 1003.5
	at := time.Now().UTC().Truncate(time.Second)
	leg := domain.LegOther
	reason := domain.ReasonTimeout1h
	require.NoError(t, db.UpdateMonitor(ctx, "s-1", domain.MonitorUpdate{
		LastCheckPrice: &price, LastReevalTime: &at, PendingLeg: &leg, PendingReason: &reason,
	}))

	got, err := db.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1003.5, got.LastCheckPrice)
	require.NotNil(t, got.LastReevalTime)
	assert.Equal(t, at, *got.LastReevalTime)
	assert.Equal(t, domain.LegOther, got.PendingLeg)
	assert.Equal(t, domain.ReasonTimeout1h, got.PendingReason)
	assert.True(t, got.IsOpen(), "el monitoreo nunca cambia el status")
}

func TestSQLiteStorage_UpdateMonitorOnClosed(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.Save(ctx, makeSpread("s-1")))
	_, err := db.Close(ctx, "s-1", domain.CloseRecord{Reason: domain.ReasonTimeout1h})
	require.NoError(t, err)

	price := 1.0
	err = db.UpdateMonitor(ctx, "s-1", domain.MonitorUpdate{LastCheckPrice: &price})
	assert.ErrorIs(t, err, domain.ErrPositionClosed)

	err = db.UpdateMonitor(ctx, "ghost", domain.MonitorUpdate{LastCheckPrice: &price})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_GetOpenFiltersByStrategy(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.Save(ctx, makePrediction("p-1", "politics", 5)))
	require.NoError(t, db.Save(ctx, makePrediction("p-2", "sports", 3)))
	require.NoError(t, db.Save(ctx, makeSpread("s-1")))
	_, err := db.Close(ctx, "p-2", domain.CloseRecord{Reason: domain.ReasonResolved})
	require.NoError(t, err)

	open, err := db.GetOpen(ctx, domain.StrategyPrediction)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p-1", open[0].ID)
	assert.Equal(t, "politics", open[0].Prediction.Category)

	all, err := db.GetOpen(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	hist, err := db.List(ctx, ports.ListOpts{Status: domain.StatusClosed})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.ReasonResolved, hist[0].CloseReason)
}

func TestSQLiteStorage_ExposureMatchesOpenSet(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	for i, size := range []float64{1, 2, 3, 4} {
		require.NoError(t, db.Save(ctx, makePrediction(string(rune('a'+i)), "c", size)))
	}
	_, err := db.Close(ctx, "b", domain.CloseRecord{Reason: domain.ReasonManual})
	require.NoError(t, err)

	open, err := db.GetOpen(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 8.0, domain.ComputeExposure(open).Total)
}
