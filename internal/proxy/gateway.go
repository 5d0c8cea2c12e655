// Package proxy is the core relay dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the caller's token, reserves quota, and forwards the request through the
// highest-priority channel that serves the model, failing over to the next
// candidate when one misbehaves.
//
// Key design constraints:
//   - Quota is reserved before any upstream call and reconciled after, so a
//     crashed request can only over-charge the reservation, never the balance.
//   - Semantic cache, rate limiter, analytics, and notifier are optional and
//     nil-safe.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/adapters"
	"github.com/relaygate/relaygate/internal/billing"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/options"
	"github.com/relaygate/relaygate/internal/quota"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/semcache"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// AuthStore resolves client tokens and their owning users.
type AuthStore interface {
	GetTokenByKey(ctx context.Context, key string) (*store.Token, error)
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
}

// GatewayOptions holds optional tuning parameters for a Gateway. Every field
// has a usable zero value.
type GatewayOptions struct {
	Logger *slog.Logger

	// UpstreamTimeout bounds one non-streaming upstream attempt.
	// Default: 120s.
	UpstreamTimeout time.Duration

	// Metrics enables Prometheus collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CORSOrigins configures the CORS allowlist. Empty means "*".
	CORSOrigins []string
}

// Gateway is the relay core. All dependencies are injected so they can be
// replaced with doubles in unit tests.
type Gateway struct {
	auth     AuthStore
	registry *registry.Registry
	selector *registry.Selector
	opts     *options.Service
	ledger   *quota.Ledger
	breaker  *Breaker
	upstream *Upstream
	log      *slog.Logger
	metrics  *metrics.Registry

	upstreamTimeout time.Duration
	corsOrigins     []string

	// Optional subsystems, nil-safe when not configured.
	billing  *billing.Aggregator
	semcache *semcache.Cache
	limiter  *ratelimit.Limiter
}

// NewGateway wires the mandatory dependencies. Optional subsystems are
// injected through the Set* methods.
func NewGateway(auth AuthStore, reg *registry.Registry, led *quota.Ledger, opts *options.Service,
	breaker *Breaker, up *Upstream, gwOpts GatewayOptions) *Gateway {

	log := gwOpts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := gwOpts.UpstreamTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Gateway{
		auth:            auth,
		registry:        reg,
		selector:        registry.NewSelector(),
		opts:            opts,
		ledger:          led,
		breaker:         breaker,
		upstream:        up,
		log:             log,
		metrics:         gwOpts.Metrics,
		upstreamTimeout: timeout,
		corsOrigins:     gwOpts.CORSOrigins,
	}
}

// SetBilling injects the async billing aggregator.
func (g *Gateway) SetBilling(a *billing.Aggregator) { g.billing = a }

// SetSemanticCache injects the semantic response cache.
func (g *Gateway) SetSemanticCache(c *semcache.Cache) { g.semcache = c }

// SetRateLimiter injects the per-user request limiter.
func (g *Gateway) SetRateLimiter(l *ratelimit.Limiter) { g.limiter = l }

// authenticate resolves the bearer token to an enabled token and user.
// On failure it writes the error response and returns ok=false.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*store.User, *store.Token, bool) {
	key := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if key == "" {
		apierr.WriteUnauthorized(ctx, "missing or malformed Authorization header")
		return nil, nil, false
	}

	token, err := g.auth.GetTokenByKey(ctx, key)
	if err != nil {
		apierr.WriteUnauthorized(ctx, "invalid API key")
		return nil, nil, false
	}
	if token.Status != store.StatusEnabled {
		apierr.WriteUnauthorized(ctx, "API key is disabled")
		return nil, nil, false
	}
	if token.Expired(time.Now()) {
		apierr.WriteUnauthorized(ctx, "API key has expired")
		return nil, nil, false
	}

	user, err := g.auth.GetUserByID(ctx, token.UserID)
	if err != nil {
		apierr.WriteUnauthorized(ctx, "invalid API key")
		return nil, nil, false
	}
	if user.Status != store.StatusEnabled {
		apierr.WriteForbidden(ctx, "account is disabled", apierr.CodeAccountDisabled)
		return nil, nil, false
	}

	return user, token, true
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// pickKey selects one key at random from a newline-separated pool.
func pickKey(pool string) string {
	keys := make([]string, 0, 4)
	for _, k := range strings.Split(pool, "\n") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	switch len(keys) {
	case 0:
		return ""
	case 1:
		return keys[0]
	}
	return keys[rand.IntN(len(keys))]
}

// Default endpoints per channel type, used when the channel row leaves
// base_url empty. Types with no entry (Azure, Cloudflare Workers) require
// an explicit base_url.
var defaultBaseURLs = map[int]string{
	adapters.TypeOpenAI:    "https://api.openai.com",
	adapters.TypeAnthropic: "https://api.anthropic.com",
	adapters.TypeBaidu:     "https://aip.baidubce.com",
	adapters.TypeAli:       "https://dashscope.aliyuncs.com",
	adapters.TypeXunfei:    "https://spark-api-open.xf-yun.com",
	adapters.TypeGemini:    "https://generativelanguage.googleapis.com",
	adapters.TypeDeepSeek:  "https://api.deepseek.com",
	adapters.TypeJina:      "https://api.jina.ai",
}

func channelBaseURL(ch *store.Channel) string {
	if ch.BaseURL != "" {
		return ch.BaseURL
	}
	return defaultBaseURLs[ch.Type]
}
