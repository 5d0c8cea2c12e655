package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaygate/relaygate/internal/analytics"
	"github.com/relaygate/relaygate/internal/billing"
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

// initInfra establishes external connections. Postgres is mandatory; Redis
// and ClickHouse degrade to disabled when not configured.
func (a *App) initInfra(ctx context.Context) error {
	st, err := store.Open(a.cfg.Database.URL, a.cfg.Database.MaxOpenConns, a.cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.st = st
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	a.log.Info("postgres connected", slog.String("url", redactURL(a.cfg.Database.URL)))

	if a.cfg.Redis.URL != "" {
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected", slog.String("url", redactURL(a.cfg.Redis.URL)))
	}

	if a.cfg.ClickHouse.Addr != "" {
		sink, err := analytics.Open(a.cfg.ClickHouse.Addr, a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username, a.cfg.ClickHouse.Password, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.sink = sink
		a.log.Info("clickhouse connected", slog.String("addr", a.cfg.ClickHouse.Addr))
	}

	return nil
}

// initServices builds the in-memory snapshots and async workers on top of
// the infra connections.
func (a *App) initServices(ctx context.Context) error {
	a.opts = options.New(a.st, a.log, a.cfg.Registry.ReloadInterval)
	if err := a.opts.Refresh(ctx); err != nil {
		return fmt.Errorf("options: %w", err)
	}

	a.reg = registry.New(a.st, a.rdb, a.log, a.cfg.Registry.ReloadInterval)
	if err := a.reg.Refresh(ctx); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	a.log.Info("channel registry loaded", slog.Int("models", len(a.reg.Models())))

	a.ledger = quota.NewLedger(a.st, a.log)
	a.notifier = notify.New(a.opts, a.log)

	var sink billing.Sink
	if a.sink != nil {
		sink = a.sink
	}
	a.agg = billing.New(a.st, a.opts, a.notifier, sink, a.log,
		a.cfg.Billing.FlushInterval, a.cfg.Billing.LowBalanceThreshold, a.cfg.Billing.LogRetention)

	if a.cfg.SemanticCache.Enabled {
		key := a.cfg.SemanticCache.EmbeddingAPIKey
		baseURL := a.cfg.SemanticCache.EmbeddingBaseURL
		if key == "" {
			// No explicit credentials: borrow an enabled channel that
			// serves the embedding model.
			if chs := a.reg.ChannelsForModel(a.cfg.SemanticCache.EmbeddingModel); len(chs) > 0 {
				key = firstKey(chs[0].Key)
				if chs[0].BaseURL != "" {
					baseURL = chs[0].BaseURL + "/v1"
				}
			}
		}
		if key == "" {
			a.log.Warn("semantic cache disabled: no embedding key configured and no channel serves the embedding model",
				slog.String("model", a.cfg.SemanticCache.EmbeddingModel))
		} else {
			embedder := semcache.NewOpenAIEmbedder(key, baseURL, a.cfg.SemanticCache.EmbeddingModel)
			a.cache = semcache.New(a.st, embedder, a.log,
				a.cfg.SemanticCache.SimilarityThreshold, a.cfg.SemanticCache.TTL)
			a.log.Info("semantic cache enabled",
				slog.String("model", a.cfg.SemanticCache.EmbeddingModel),
				slog.Float64("threshold", a.cfg.SemanticCache.SimilarityThreshold),
			)
		}
	}

	if a.rdb != nil && a.cfg.RateLimit.RequestLimit > 0 {
		a.limiter = ratelimit.New(a.rdb, a.cfg.RateLimit.RequestLimit, a.cfg.RateLimit.Window)
		a.log.Info("rate limiting enabled",
			slog.Int("limit", a.cfg.RateLimit.RequestLimit),
			slog.Duration("window", a.cfg.RateLimit.Window),
		)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.agg.SetMetrics(a.prom)

	return nil
}

// initGateway wires the relay core, circuit breaker, and recovery prober.
func (a *App) initGateway(_ context.Context) error {
	upstream := proxy.NewUpstream(a.cfg.Upstream.ConnectTimeout, a.cfg.Upstream.Timeout)

	breaker := proxy.NewBreaker(a.st, a.reg, a.notifier, a.prom, a.log,
		a.cfg.CircuitBreaker.FailureThreshold)

	a.prober = proxy.NewProber(a.st, a.reg, a.notifier, upstream, a.prom, a.log,
		a.cfg.CircuitBreaker.ProbeInterval, a.cfg.CircuitBreaker.ProbeTimeout)

	gw := proxy.NewGateway(a.st, a.reg, a.ledger, a.opts, breaker, upstream, proxy.GatewayOptions{
		Logger:          a.log,
		UpstreamTimeout: a.cfg.Upstream.Timeout,
		Metrics:         a.prom,
		CORSOrigins:     a.cfg.CORSOrigins,
	})
	gw.SetBilling(a.agg)
	if a.cache != nil {
		gw.SetSemanticCache(a.cache)
	}
	if a.limiter != nil {
		gw.SetRateLimiter(a.limiter)
	}

	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	a.gw = gw

	return nil
}

// firstKey returns the first entry of a newline-separated key pool.
func firstKey(pool string) string {
	for _, k := range strings.Split(pool, "\n") {
		if k = strings.TrimSpace(k); k != "" {
			return k
		}
	}
	return ""
}
