package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/polyagent/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one check pass and exit")
	dryRun := flag.Bool("dry-run", false, "simulate venues in memory; quotes still come from the real markets")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	report := flag.Bool("report", false, "print open positions and exposure, then exit")
	history := flag.Int("history", 0, "print the last N closed positions, then exit")
	closeID := flag.String("close", "", "close the position with this id at market, then exit")
	noWatch := flag.Bool("no-watch", false, "disable the streaming watchers; rely on the poll pass only")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("polyagent starting",
		"config", *configPath,
		"interval", cfg.CheckInterval(),
		"dry_run", *dryRun,
		"once", *once,
		"venues", len(cfg.Venues),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := build(ctx, cfg, *dryRun)
	if err != nil {
		slog.Error("failed to start", "err", err)
		os.Exit(1)
	}
	defer app.shutdown()

	switch {
	case *report:
		err = app.printReport(ctx)
	case *history > 0:
		err = app.printHistory(ctx, *history)
	case *closeID != "":
		err = app.closeManual(ctx, *closeID)
	case *once:
		app.checkPass(ctx, 1)
	default:
		err = app.run(ctx, !*noWatch)
	}
	if err != nil {
		slog.Error("polyagent exited with error", "err", err)
		app.shutdown()
		os.Exit(1)
	}

	slog.Info("polyagent stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
