package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/domain/exit"
)

// runSpread keeps one ticker watcher per open spread position. The set is
// rebuilt every SpreadReconcile; a watcher whose stream dropped is started
// again on the next round.
func (w *Watcher) runSpread(ctx context.Context) error {
	var wg sync.WaitGroup
	watching := make(map[string]context.CancelFunc)
	done := make(chan string, 16)
	defer func() {
		for _, cancel := range watching {
			cancel()
		}
		wg.Wait()
	}()

	reconcile := func() {
		open, err := w.mgr.OpenPositions(ctx, domain.StrategySpread)
		if err != nil {
			slog.Warn("watcher: spread reconcile", "err", err)
			return
		}
		keep := make(map[string]bool, len(open))
		for _, pos := range open {
			// a partially closed spread is finished by the poller
			if pos.PendingLeg != domain.LegNone {
				continue
			}
			keep[pos.ID] = true
			if _, ok := watching[pos.ID]; ok {
				continue
			}
			pctx, cancel := context.WithCancel(ctx)
			watching[pos.ID] = cancel
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.watchSpread(pctx, pos)
				select {
				case done <- pos.ID:
				case <-ctx.Done():
				}
			}()
		}
		for id, cancel := range watching {
			if !keep[id] {
				cancel()
				delete(watching, id)
			}
		}
	}

	reconcile()
	t := time.NewTicker(w.cfg.SpreadReconcile)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-done:
			if cancel, ok := watching[id]; ok {
				cancel()
				delete(watching, id)
			}
		case <-t.C:
			reconcile()
		}
	}
}

// watchSpread follows both legs' tickers and applies the convergence rules
// once per SpreadEval. It returns when the position closed, a stream ended
// or ctx was cancelled.
func (w *Watcher) watchSpread(ctx context.Context, pos domain.Position) {
	buyRef, _ := pos.LegRef(domain.LegPrimary)
	sellRef, ok := pos.LegRef(domain.LegOther)
	if !ok {
		return
	}
	buyTS, okBuy := w.venues.TickerStreamer(buyRef.Venue)
	sellTS, okSell := w.venues.TickerStreamer(sellRef.Venue)
	if !okBuy || !okSell {
		slog.Debug("watcher: venue without ticker stream, spread left to the poller", "id", pos.ShortID())
		return
	}

	buyCh, err := buyTS.WatchTicker(ctx, buyRef.Symbol)
	if err != nil {
		slog.Warn("watcher: buy leg ticker", "id", pos.ShortID(), "venue", buyRef.Venue, "err", err)
		return
	}
	sellCh, err := sellTS.WatchTicker(ctx, sellRef.Symbol)
	if err != nil {
		slog.Warn("watcher: sell leg ticker", "id", pos.ShortID(), "venue", sellRef.Venue, "err", err)
		return
	}
	slog.Debug("watcher: watching spread", "id", pos.ShortID(), "pair", pos.Label())

	var buy, sell domain.Quote
	eval := time.NewTicker(w.cfg.SpreadEval)
	defer eval.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-buyCh:
			if !ok {
				return
			}
			buy = q
		case q, ok := <-sellCh:
			if !ok {
				return
			}
			sell = q
		case <-eval.C:
			d := exit.SpreadConvergence(pos, buy.Bid, sell.Ask, w.cfg.Spread)
			if d.IsHold() {
				continue
			}
			res, err := w.mgr.CloseSpread(ctx, pos, d)
			if err != nil {
				slog.Warn("watcher: spread close failed", "id", pos.ShortID(), "reason", d.Reason, "err", err)
				return
			}
			if res != nil && res.Success {
				return
			}
		}
	}
}
