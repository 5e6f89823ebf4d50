package watcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// runPositions consumes the position stream of one venue. A funding
// position whose symbol disappears from a snapshot was closed by the
// exchange (TP/SL, liquidation) and is checked right away instead of
// waiting for the next poll.
func (w *Watcher) runPositions(ctx context.Context, venue string, ps ports.PositionStreamer) error {
	b := backoff{min: w.cfg.ReconnectMin, max: w.cfg.ReconnectMax}
	for {
		ch, err := ps.WatchPositions(ctx)
		switch {
		case errors.Is(err, domain.ErrNotSupported):
			slog.Info("watcher: venue has no position stream, left to the poller", "venue", venue)
			return nil
		case err != nil:
			d := b.next()
			slog.Warn("watcher: position stream", "venue", venue, "err", err, "retry_in", d)
			if !wait(ctx, d) {
				return nil
			}
			continue
		}

		b.reset()
		for snap := range ch {
			w.onPositions(ctx, venue, snap)
		}
		if ctx.Err() != nil {
			return nil
		}
		d := b.next()
		slog.Warn("watcher: position stream ended, reconnecting", "venue", venue, "in", d)
		if !wait(ctx, d) {
			return nil
		}
	}
}

func (w *Watcher) onPositions(ctx context.Context, venue string, snap []domain.VenuePosition) {
	held := make(map[string]bool, len(snap))
	for _, p := range snap {
		if p.Open() {
			held[p.Symbol] = true
		}
	}

	open, err := w.mgr.OpenPositions(ctx, domain.StrategyFunding)
	if err != nil {
		slog.Warn("watcher: load funding positions", "venue", venue, "err", err)
		return
	}
	for _, pos := range open {
		if pos.Exchange != venue || held[pos.Symbol] {
			continue
		}
		slog.Info("watcher: funding position gone from venue stream", "id", pos.ShortID(), "venue", venue, "symbol", pos.Symbol)
		res, err := w.mgr.CheckPosition(ctx, pos, domain.SourceStream)
		if err != nil {
			slog.Warn("watcher: funding check", "id", pos.ShortID(), "err", err)
			continue
		}
		if res != nil && res.Recorded {
			slog.Info("watcher: funding close recorded", "id", pos.ShortID(), "reason", res.Reason)
		}
	}
}
