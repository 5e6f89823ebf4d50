// Package watcher runs the event-driven detectors that complement the poll
// pass: the prediction market feed, per-position spread tickers and venue
// position streams. Every exit they detect goes through lifecycle.Manager,
// so they race the poller safely.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polyagent/internal/application/lifecycle"
	"github.com/alejandrodnm/polyagent/internal/domain/exit"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Config controls the watcher cadences.
type Config struct {
	SubscriptionRefresh time.Duration // prediction feed token set refresh
	SpreadReconcile     time.Duration // how often the set of spread watchers is rebuilt
	SpreadEval          time.Duration // how often a spread watcher applies the price rules
	ReconnectMin        time.Duration
	ReconnectMax        time.Duration
	Spread              exit.SpreadParams
}

// DefaultConfig returns the production cadences.
func DefaultConfig() Config {
	return Config{
		SubscriptionRefresh: 60 * time.Second,
		SpreadReconcile:     30 * time.Second,
		SpreadEval:          time.Second,
		ReconnectMin:        time.Second,
		ReconnectMax:        time.Minute,
		Spread:              exit.DefaultSpreadParams(),
	}
}

// Watcher supervises the streaming detectors.
type Watcher struct {
	mgr    *lifecycle.Manager
	venues *lifecycle.Registry
	feed   ports.MarketFeed // nil disables the prediction feed
	cfg    Config
}

// New returns a Watcher; zero fields of cfg take their DefaultConfig values.
func New(mgr *lifecycle.Manager, venues *lifecycle.Registry, feed ports.MarketFeed, cfg Config) *Watcher {
	def := DefaultConfig()
	if cfg.SubscriptionRefresh <= 0 {
		cfg.SubscriptionRefresh = def.SubscriptionRefresh
	}
	if cfg.SpreadReconcile <= 0 {
		cfg.SpreadReconcile = def.SpreadReconcile
	}
	if cfg.SpreadEval <= 0 {
		cfg.SpreadEval = def.SpreadEval
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(def.ReconnectMax, cfg.ReconnectMin)
	}
	return &Watcher{mgr: mgr, venues: venues, feed: feed, cfg: cfg}
}

// Run starts every detector and blocks until ctx is cancelled. A detector
// that fails for good cancels the others and its error is returned.
func (w *Watcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if w.feed != nil {
		g.Go(func() error { return supervised(gctx, "prediction feed", w.runPredictionFeed) })
	} else {
		slog.Info("watcher: no market feed configured, prediction coverage left to the poller")
	}

	g.Go(func() error { return supervised(gctx, "spread", w.runSpread) })

	for name, ps := range w.venues.PositionStreamers() {
		g.Go(func() error {
			return supervised(gctx, "positions "+name, func(ctx context.Context) error {
				return w.runPositions(ctx, name, ps)
			})
		})
	}

	slog.Info("watcher: started", "feed", w.feed != nil, "venues", w.venues.Names())
	err := g.Wait()
	slog.Info("watcher: stopped")
	return err
}

func supervised(ctx context.Context, name string, run func(context.Context) error) error {
	err := run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watcher %s: %w", name, err)
	}
	return nil
}

// backoff doubles a reconnect delay up to a ceiling.
type backoff struct {
	min, max, cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur < b.min {
		b.cur = b.min
	} else {
		b.cur = min(b.cur*2, b.max)
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

// wait sleeps for d or until ctx ends; it reports whether ctx is still live.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
