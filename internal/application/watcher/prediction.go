package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

const tickBuffer = 256

// runPredictionFeed keeps the market feed connected, its subscriptions in
// line with the open prediction positions, and hands every tick to the
// manager.
func (w *Watcher) runPredictionFeed(ctx context.Context) error {
	ticks := make(chan ports.MarketTick, tickBuffer)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.refreshSubscriptions(gctx)
		t := time.NewTicker(w.cfg.SubscriptionRefresh)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				w.refreshSubscriptions(gctx)
			}
		}
	})

	g.Go(func() error {
		b := backoff{min: w.cfg.ReconnectMin, max: w.cfg.ReconnectMax}
		for {
			started := time.Now()
			err := w.feed.Run(gctx, ticks)
			if gctx.Err() != nil {
				return nil
			}
			if time.Since(started) > w.cfg.ReconnectMax {
				b.reset()
			}
			d := b.next()
			slog.Warn("watcher: market feed disconnected, reconnecting", "err", err, "in", d)
			if !wait(gctx, d) {
				return nil
			}
		}
	})

	g.Go(func() error {
		w.dispatchTicks(gctx, ticks)
		return nil
	})

	return g.Wait()
}

// dispatchTicks evaluates ticks concurrently across tokens but never runs
// two evaluations of the same token at once; a tick arriving while its token
// is busy is dropped, the next one carries a fresher price anyway.
func (w *Watcher) dispatchTicks(ctx context.Context, ticks <-chan ports.MarketTick) {
	var (
		mu   sync.Mutex
		busy = make(map[string]bool)
		wg   sync.WaitGroup
	)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticks:
			mu.Lock()
			if busy[t.TokenID] {
				mu.Unlock()
				continue
			}
			busy[t.TokenID] = true
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(busy, t.TokenID)
					mu.Unlock()
				}()
				if err := w.mgr.OnPredictionTick(ctx, t.TokenID, t.Quote); err != nil {
					slog.Warn("watcher: prediction tick", "token", t.TokenID, "err", err)
				}
			}()
		}
	}
}

// refreshSubscriptions subscribes the tokens of new prediction positions
// and drops the tokens of closed ones.
func (w *Watcher) refreshSubscriptions(ctx context.Context) {
	open, err := w.mgr.OpenPositions(ctx, domain.StrategyPrediction)
	if err != nil {
		slog.Warn("watcher: refresh subscriptions", "err", err)
		return
	}
	want := make(map[string]bool, len(open))
	for _, pos := range open {
		want[pos.Symbol] = true
	}

	have := make(map[string]bool)
	var drop []string
	for _, tok := range w.feed.Subscribed() {
		have[tok] = true
		if !want[tok] {
			drop = append(drop, tok)
		}
	}
	var add []string
	for tok := range want {
		if !have[tok] {
			add = append(add, tok)
		}
	}

	if len(add) > 0 {
		w.feed.Subscribe(add...)
	}
	if len(drop) > 0 {
		w.feed.Unsubscribe(drop...)
	}
	if len(add)+len(drop) > 0 {
		slog.Info("watcher: feed subscriptions updated", "added", len(add), "removed", len(drop), "total", len(want))
	}
}
