package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/ai/llm"
	"upbit-trading-bot/internal/analytics"
	"upbit-trading-bot/internal/api"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/engine"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/metrics"
	"upbit-trading-bot/internal/notification"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/settlement"
	"upbit-trading-bot/internal/upbit"
	"upbit-trading-bot/internal/vault"
)

// oracleRequestsPerMinute paces LLM calls across all assets
const oracleRequestsPerMinute = 20

// app holds the wired components of one process
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	engine    *engine.Engine
	scheduler *engine.Scheduler
	server    *api.Server
	stream    *upbit.TickerStream
	notifier  *notification.Manager
	eventBus  *events.EventBus
	closers   []func()
}

// appOptions selects the long-running pieces a command needs
type appOptions struct {
	stream bool
	server bool
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	checks := map[string]api.HealthCheck{}

	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return nil, err
		}
		if err := vc.Apply(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to load credentials from vault: %w", err)
		}
		checks["vault"] = vc.Health
		logger.Info().Str("address", cfg.VaultConfig.Address).Msg("Credentials loaded from Vault")
	}

	if !cfg.TradingConfig.DryRun && cfg.UpbitConfig.HasPlaceholderKeys() {
		return nil, fmt.Errorf("upbit access and secret keys are not configured; set them or enable dry run")
	}

	uc := cfg.UpbitConfig
	live := upbit.NewClient(uc.AccessKey, uc.SecretKey, uc.BaseURL, uc.RequestsPerSecond)

	var broker upbit.Brokerage = live
	if cfg.TradingConfig.DryRun {
		paper := upbit.NewMockClient(live)
		paper.SetBalance("KRW", cfg.TradingConfig.PaperBalanceKRW)
		broker = paper
		logger.Warn().
			Str("paper_balance_krw", cfg.TradingConfig.PaperBalanceKRW.String()).
			Msg("DRY RUN: orders fill on the paper broker at the last price")
	}

	var prices market.PriceCache
	if opts.stream && uc.UseTickerStream {
		a.stream = upbit.NewTickerStream(uc.WebsocketURL, cfg.MarketNames(), logger)
		prices = a.stream
	}

	fetcher := market.NewFetcher(live, prices, market.FetcherConfig{
		Timeframes:  []market.Timeframe{market.Minute240, market.Minute60, market.Minute15},
		CandleCount: cfg.TradingConfig.CandleCount,
		Pause:       time.Duration(cfg.TradingConfig.FetchPauseMillis) * time.Millisecond,
	}, logger)

	store, err := openStore(ctx, a, cfg, logger, checks)
	if err != nil {
		a.close()
		return nil, err
	}

	var holds *database.RedisHoldReasonStore
	if cfg.RedisConfig.Enabled {
		client := database.NewRedisClient(cfg.RedisConfig)
		a.closers = append(a.closers, func() { client.Close() })
		ttl := time.Duration(cfg.RedisConfig.HoldReasonTTLHour) * time.Hour
		holds = database.NewRedisHoldReasonStore(client, ttl, logger)
		checks["redis"] = holds.CheckRedisConnection
	} else {
		holds = database.NewRedisHoldReasonStore(nil, 0, logger)
	}

	var mirror analytics.Mirror = analytics.NopMirror{}
	if cfg.ClickHouseConfig.Enabled {
		ch, err := analytics.NewClickHouseMirror(ctx, cfg.ClickHouseConfig.DSN, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("ClickHouse unavailable, analytics mirror disabled")
		} else {
			mirror = ch
		}
	}

	var oracle llm.Oracle
	if cfg.AIConfig.Enabled {
		client := llm.NewClient(llm.ClientConfigFromSettings(cfg.AIConfig))
		if client.IsConfigured() {
			oracle = llm.NewLLMOracle(client, client.GetProvider(), oracleRequestsPerMinute, logger)
			logger.Info().Str("provider", string(client.GetProvider())).Msg("LLM oracle enabled")
		} else {
			logger.Warn().Str("provider", cfg.AIConfig.LLMProvider).Msg("LLM API key missing, evaluations will make no decision")
		}
	}

	a.notifier = notification.NewManagerFromConfig(cfg.NotificationConfig, logger)
	a.eventBus = events.NewEventBus()
	m := metrics.New()

	breaker := circuit.NewBreaker(circuit.ConfigFromSettings(cfg))
	reconciler := settlement.NewReconciler(broker, breaker, settlement.ConfigFromSettings(cfg.TradingConfig), logger)

	a.engine = engine.New(engine.ConfigFromSettings(cfg), engine.Dependencies{
		Fetcher:     fetcher,
		Broker:      broker,
		Store:       store,
		HoldReasons: holds,
		Oracle:      oracle,
		Risk:        risk.NewManagerFromConfig(cfg.RiskConfig, cfg.TradingConfig),
		Breaker:     breaker,
		Reconciler:  reconciler,
		Notifier:    a.notifier,
		EventBus:    a.eventBus,
		Metrics:     m,
		Mirror:      mirror,
	}, logger)
	a.closers = append(a.closers, func() { mirror.Close() })

	interval := time.Duration(cfg.TradingConfig.CycleIntervalMinutes) * time.Minute
	a.scheduler = engine.NewScheduler(a.engine, interval, cfg.Location(), logger)

	if opts.server && cfg.ServerConfig.Enabled {
		a.server = api.NewServer(api.ServerConfigFromSettings(cfg.ServerConfig), api.Dependencies{
			Store:    store,
			Cycles:   a.engine,
			Metrics:  m,
			EventBus: a.eventBus,
			Checks:   checks,
		}, logger)
	}

	return a, nil
}

// openStore connects PostgreSQL, or falls back to memory when disabled
func openStore(ctx context.Context, a *app, cfg *config.Config, logger zerolog.Logger, checks map[string]api.HealthCheck) (database.Store, error) {
	if !cfg.DatabaseConfig.Enabled {
		if !cfg.TradingConfig.DryRun {
			logger.Warn().Msg("Database disabled: asset state will not survive a restart")
		}
		return database.NewMemoryStore(), nil
	}

	db, err := database.NewDB(ctx, database.ConfigFromSettings(cfg.DatabaseConfig), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	if err := db.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	repo := database.NewRepository(db)
	checks["database"] = repo.HealthCheck
	return repo, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
