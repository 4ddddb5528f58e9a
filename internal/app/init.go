package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/metergate/metergate/internal/auth"
	"github.com/metergate/metergate/internal/logger"
	"github.com/metergate/metergate/internal/metrics"
	"github.com/metergate/metergate/internal/pricing"
	"github.com/metergate/metergate/internal/proxy"
	"github.com/metergate/metergate/internal/quota"
	"github.com/metergate/metergate/internal/ratelimit"
	"github.com/metergate/metergate/internal/store/keycache"
	"github.com/metergate/metergate/internal/store/memory"
	"github.com/metergate/metergate/internal/store/postgres"
	"github.com/metergate/metergate/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only used for the credential cache and is never required.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Store.Mode == "postgres" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Store.DatabaseURL)))

		pg, err := postgres.New(ctx, a.cfg.Store.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pg = pg
		a.log.Info("postgres connected")
	}

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.LogStore.Mode == "clickhouse" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.LogStore.ClickHouseURL)))

		ch, err := logger.NewClickHouse(ctx, a.cfg.LogStore.ClickHouseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.logStore = ch
		a.log.Info("clickhouse connected")
	} else {
		a.logStore = logger.NewMemory(0)
		a.log.Info("log store: memory (in-process)")
	}

	return nil
}

// initStores picks the durable store backend and layers the optional Redis
// credential cache over the key lookups.
func (a *App) initStores(_ context.Context) error {
	switch a.cfg.Store.Mode {
	case "postgres":
		a.keys = a.pg
		a.sources = a.pg
		a.models = a.pg
		a.log.Info("store backend: postgres")

	case "memory":
		m := memory.New()
		a.keys = m
		a.sources = m
		a.models = m
		a.log.Info("store backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	if a.rdb != nil {
		a.keys = keycache.New(a.keys, a.rdb, a.cfg.Redis.KeyCacheTTL, a.log)
		a.log.Info("credential cache enabled",
			slog.Duration("ttl", a.cfg.Redis.KeyCacheTTL),
		)
	}

	return nil
}

// initServices creates the metrics registry, rate limiter, and async logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if ck, ok := a.keys.(*keycache.CachedKeys); ok {
		ck.SetMetrics(a.prom)
	}

	a.rpm = ratelimit.New(ctx, a.cfg.RateSweepInterval)

	l, err := logger.New(ctx, a.logStore, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = l

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGateway(
		a.baseCtx,
		auth.New(a.keys),
		quota.New(a.keys),
		pricing.New(a.models, a.log),
		a.sources,
		a.models,
		upstream.NewForwarder(a.cfg.Upstream.Timeout, a.log),
		proxy.GatewayOptions{
			Logger:      a.log,
			Metrics:     a.prom,
			CORSOrigins: a.cfg.CORSOrigins,
		},
	)

	gw.SetRateLimiter(a.rpm)
	gw.SetRequestLogger(a.reqLogger, a.logStore)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
