package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polyagent/internal/application/watcher"
	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

const stopFile = "STOP"

// run arranca los watchers y el poll pass hasta una señal o un archivo STOP.
func (a *app) run(ctx context.Context, watch bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if watch {
		wcfg := watcher.DefaultConfig()
		wcfg.Spread = spreadParams(a.cfg.Lifecycle)
		w := watcher.New(a.mgr, a.venues, a.feed, wcfg)
		g.Go(func() error { return w.Run(gctx) })
	} else {
		slog.Info("watchers disabled, relying on the poll pass")
	}

	g.Go(func() error {
		a.poll(gctx, cancel)
		return nil
	})
	return g.Wait()
}

func (a *app) poll(ctx context.Context, stop context.CancelFunc) {
	interval := a.cfg.CheckInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("lifecycle started, press Ctrl+C or create STOP file to exit", "interval", interval)

	cycle := 1
	a.checkPass(ctx, cycle)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle stopped", "total_cycles", cycle)
			return
		case <-ticker.C:
			if _, err := os.Stat(stopFile); err == nil {
				slog.Info("STOP file detected, shutting down", "total_cycles", cycle)
				stop()
				return
			}
			cycle++
			a.checkPass(ctx, cycle)
		}
	}
}

// checkPass corre un CheckAll y loguea el resultado y la exposición.
func (a *app) checkPass(ctx context.Context, cycle int) {
	start := time.Now()
	results, err := a.mgr.CheckAll(ctx)
	if err != nil {
		// las posiciones de las estrategias que sí se leyeron ya se revisaron
		slog.Error("check pass incomplete", "cycle", cycle, "err", err)
	}

	closed, failed := 0, 0
	var pnl float64
	for _, r := range results {
		switch {
		case r.Recorded:
			closed++
			pnl += r.PnL
		case !r.Success:
			failed++
		}
	}

	exp, err := a.acct.Exposure(ctx)
	if err != nil {
		slog.Warn("exposure unavailable", "err", err)
	}
	slog.Info("check pass complete",
		"cycle", cycle,
		"closed", closed,
		"failed", failed,
		"pnl", fmt.Sprintf("%.4f", pnl),
		"open", exp.Positions,
		"exposure_usd", fmt.Sprintf("%.2f", exp.Total),
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

func (a *app) printReport(ctx context.Context) error {
	open, err := a.mgr.OpenPositions(ctx, "")
	if err != nil {
		return err
	}
	exp, err := a.acct.Exposure(ctx)
	if err != nil {
		return err
	}
	a.console.PrintPositions(open, exp, time.Now())
	return nil
}

func (a *app) printHistory(ctx context.Context, n int) error {
	closed, err := a.store.List(ctx, ports.ListOpts{Status: domain.StatusClosed, Limit: n})
	if err != nil {
		return err
	}
	a.console.PrintHistory(closed)
	return nil
}

func (a *app) closeManual(ctx context.Context, id string) error {
	res, err := a.mgr.CloseManual(ctx, id)
	if err != nil {
		return err
	}
	slog.Info("position closed",
		"id", res.PositionID,
		"strategy", res.Strategy,
		"recorded", res.Recorded,
		"price", res.ClosePrice,
		"pnl", fmt.Sprintf("%.4f", res.PnL),
	)
	return nil
}
