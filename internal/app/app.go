// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — Postgres, optional Redis and ClickHouse
//  2. initServices — options, registry, ledger, billing, cache, limiter
//  3. initGateway  — relay core, circuit breaker, prober, routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/internal/analytics"
	"github.com/relaygate/relaygate/internal/billing"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/notify"
	"github.com/relaygate/relaygate/internal/options"
	"github.com/relaygate/relaygate/internal/proxy"
	"github.com/relaygate/relaygate/internal/quota"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/semcache"
	"github.com/relaygate/relaygate/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Infra — nil when not configured.
	st   *store.Store
	rdb  *redis.Client
	sink *analytics.Sink

	// Services.
	opts     *options.Service
	reg      *registry.Registry
	ledger   *quota.Ledger
	notifier *notify.Notifier
	agg      *billing.Aggregator
	cache    *semcache.Cache
	limiter  *ratelimit.Limiter
	prom     *metrics.Registry

	// Gateway.
	gw     *proxy.Gateway
	prober *proxy.Prober
	mgmt   *proxy.ManagementRoutes
	srv    *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and all background loops, blocking until ctx is
// cancelled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("redis", a.rdb != nil),
		slog.Bool("clickhouse", a.sink != nil),
		slog.Bool("semantic_cache", a.cache != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	a.srv = &fasthttp.Server{
		Handler:      a.gw.Handler(a.mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams may run long
	}

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error { return a.reg.Run(gctx) })
	g.Go(func() error { return a.opts.Run(gctx) })
	g.Go(func() error { return a.agg.Run(gctx) })
	g.Go(func() error { return a.prober.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.ShutdownWithContext(shutCtx)
	})

	err := g.Wait()
	a.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("postgres close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
