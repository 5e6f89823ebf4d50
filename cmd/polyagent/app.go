package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polyagent/config"
	"github.com/alejandrodnm/polyagent/internal/adapters/estimator"
	"github.com/alejandrodnm/polyagent/internal/adapters/notify"
	"github.com/alejandrodnm/polyagent/internal/adapters/onchain"
	"github.com/alejandrodnm/polyagent/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyagent/internal/adapters/postgres"
	"github.com/alejandrodnm/polyagent/internal/adapters/redis"
	"github.com/alejandrodnm/polyagent/internal/adapters/storage"
	"github.com/alejandrodnm/polyagent/internal/adapters/venue"
	"github.com/alejandrodnm/polyagent/internal/application/lifecycle"
	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/domain/exit"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

const polymarketVenue = "polymarket"

// app agrupa las dependencias ya cableadas del proceso.
type app struct {
	cfg     *config.Config
	store   ports.PositionStore
	venues  *lifecycle.Registry
	mgr     *lifecycle.Manager
	acct    *lifecycle.Accountant
	opener  *lifecycle.Opener
	feed    ports.MarketFeed
	console *notify.Console

	closers  []func() error
	shutOnce sync.Once
}

// build cablea store, venues, notificadores y el manager a partir de cfg.
// Con dryRun los venues son simulados en memoria y solo las quotes salen
// de los mercados reales.
func build(ctx context.Context, cfg *config.Config, dryRun bool) (*app, error) {
	a := &app{cfg: cfg, console: notify.NewConsole()}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Shutdown)

	a.venues = lifecycle.NewRegistry()
	a.closers = append(a.closers, a.venues.Close)
	for _, vc := range cfg.Venues {
		gw := venue.NewGateway(venue.GatewayConfig{
			Name:       vc.Name,
			BaseURL:    vc.BaseURL,
			StreamURL:  vc.StreamURL,
			APIKey:     vc.APIKey,
			RatePerSec: vc.RatePerSec,
		})
		if dryRun {
			a.venues.Register(venue.NewPaper(vc.Name).WithMarketData(gw))
			continue
		}
		a.venues.Register(gw)
	}

	merger, err := a.wirePolymarket(ctx, dryRun)
	if err != nil {
		a.shutdown()
		return nil, err
	}

	notifier, err := a.wireNotifier(ctx)
	if err != nil {
		a.shutdown()
		return nil, err
	}

	var reest ports.Reestimator
	if cfg.Estimator.URL != "" {
		reest = estimator.New(estimator.Config{
			BaseURL:    cfg.Estimator.URL,
			APIKey:     cfg.Estimator.APIKey,
			Timeout:    time.Duration(cfg.Estimator.TimeoutSeconds) * time.Second,
			RatePerMin: cfg.Estimator.RatePerMin,
		})
	} else {
		slog.Warn("no estimator configured: prediction re-evaluation stops at Level 1")
	}

	a.mgr = lifecycle.NewManager(lifecycle.Deps{
		Store:       store,
		Venues:      a.venues,
		Reestimator: reest,
		Notifier:    notifier,
		Merger:      merger,
	}, managerConfig(cfg.Lifecycle))
	a.acct = lifecycle.NewAccountant(store, cfg.Limits())
	a.opener = lifecycle.NewOpener(store, a.acct, a.venues, notifier)

	if dryRun {
		// los venues simulados arrancan vacíos
		n, err := a.opener.Restore(ctx)
		if err != nil {
			a.shutdown()
			return nil, fmt.Errorf("restore open legs: %w", err)
		}
		slog.Info("dry-run: open legs restored into simulated venues", "positions", n)
	}
	return a, nil
}

func openStore(ctx context.Context, sc config.StorageConfig) (ports.PositionStore, error) {
	if sc.DatabaseURL == "" {
		store, err := storage.NewSQLiteStorage(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", sc.DSN, err)
		}
		slog.Info("storage: sqlite", "dsn", sc.DSN)
		return store, nil
	}

	pool, err := postgres.Connect(ctx, sc.DatabaseURL, sc.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("storage: postgres", "max_conns", sc.MaxConns)
	return postgres.NewPositionStore(pool), nil
}

// wirePolymarket registra el venue de prediction markets y el feed WS.
// Devuelve el Merger on-chain si hay wallet y RPC.
func (a *app) wirePolymarket(ctx context.Context, dryRun bool) (ports.Merger, error) {
	pc := a.cfg.Polymarket
	if pc.WSURL != "" {
		a.feed = polymarket.NewMarketFeed(pc.WSURL)
	}

	quotes := clobQuotes{client: polymarket.NewClient(pc.CLOBBase)}
	if dryRun {
		a.venues.Register(venue.NewPaper(polymarketVenue).WithMarketData(quotes))
		return nil, nil
	}
	if pc.PrivateKey == "" {
		slog.Warn("no POLY_PRIVATE_KEY: prediction positions are watched but cannot be sold")
		a.venues.Register(quotes)
		return nil, nil
	}

	auth, err := polymarket.NewAuthClient(pc.CLOBBase, pc.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("polymarket auth: %w", err)
	}
	if err := auth.EnsureCreds(ctx); err != nil {
		return nil, fmt.Errorf("polymarket creds: %w", err)
	}

	var (
		balances polymarket.BalanceReader
		merger   ports.Merger
	)
	if pc.RPCURL != "" {
		settler, err := onchain.NewSettler(pc.RPCURL, pc.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("onchain settler: %w", err)
		}
		balances, merger = settler, settler
		slog.Info("polymarket: on-chain settlement enabled", "address", settler.Address())
	} else {
		slog.Warn("no POLYGON_RPC_URL: token balances and merges disabled")
	}
	a.venues.Register(polymarket.NewVenue(auth, balances, pc.MaxSlippage))
	slog.Info("polymarket: trading venue ready", "address", auth.Address())
	return merger, nil
}

func (a *app) wireNotifier(ctx context.Context) (ports.Notifier, error) {
	targets := []ports.Notifier{a.console}

	tg := a.cfg.Telegram
	if tg.BotToken != "" && tg.ChatID != "" {
		targets = append(targets, notify.NewTelegram(tg.BotToken, tg.ChatID, ""))
		slog.Info("notify: telegram enabled")
	}

	rc := a.cfg.Redis
	if rc.URL != "" {
		rdb, err := redis.Connect(ctx, rc.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		targets = append(targets, notify.NewEvents(redis.NewPublisher(rdb, rc.Prefix, rc.Stream)))
		slog.Info("notify: redis events enabled", "prefix", rc.Prefix, "stream", rc.Stream)
	}
	return notify.NewMulti(targets...), nil
}

func managerConfig(lc config.LifecycleConfig) lifecycle.Config {
	return lifecycle.Config{
		Funding: exit.FundingParams{
			Timeout:       hours(lc.FundingTimeoutHours),
			RateDropRatio: lc.FundingRateDropRatio,
		},
		Spread: spreadParams(lc),
		Prediction: exit.PredictionParams{
			ReevalTrigger: lc.ReevalTrigger,
			MinEdge:       lc.ReevalMinEdge,
			AlertEdge:     lc.ReevalAlertEdge,
		},
		Settlement:     exit.SettlementParams{Grace: hours(lc.SettlementGraceHours)},
		CloseTimeout:   time.Duration(lc.CloseTimeoutSeconds) * time.Second,
		ReevalCooldown: time.Duration(lc.ReevalCooldownMinutes * float64(time.Minute)),
	}
}

func spreadParams(lc config.LifecycleConfig) exit.SpreadParams {
	return exit.SpreadParams{
		Timeout:       time.Duration(lc.SpreadTimeoutMinutes * float64(time.Minute)),
		CloseBelowPct: lc.SpreadCloseBelowPct,
		ProfitTakePct: lc.SpreadProfitTakePct,
	}
}

func hours(h float64) time.Duration { return time.Duration(h * float64(time.Hour)) }

// shutdown libera las conexiones en orden inverso. Es seguro llamarla dos veces.
func (a *app) shutdown() {
	a.shutOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				slog.Warn("shutdown", "err", err)
			}
		}
	})
}

// clobQuotes expone el CLOB público como venue de solo lectura. Sirve de
// fuente de precios para el venue simulado y de fallback sin wallet.
type clobQuotes struct {
	client *polymarket.Client
}

var _ ports.ExchangeAdapter = clobQuotes{}

func (clobQuotes) Name() string { return polymarketVenue }

func (c clobQuotes) Quote(ctx context.Context, tokenID string) (domain.Quote, error) {
	return c.client.Quote(ctx, tokenID)
}

func (clobQuotes) HasOpenPosition(context.Context, string) (bool, error) {
	return false, domain.ErrNotSupported
}

func (clobQuotes) FundingRate(context.Context, string) (float64, error) {
	return 0, domain.ErrNotSupported
}

func (clobQuotes) ClosePosition(context.Context, domain.CloseOrder) (domain.Fill, error) {
	return domain.Fill{}, fmt.Errorf("polymarket: no wallet configured: %w", domain.ErrNotSupported)
}

func (clobQuotes) CancelOrder(context.Context, string, string) error {
	return domain.ErrNotSupported
}
