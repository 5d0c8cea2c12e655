// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics live in a private registry (not the global default) so they
// don't collide with host-level metrics when the gateway is embedded. The
// /metrics handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_relay_requests_total{model,channel,status}
	relayRequestsTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{channel,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{channel,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_failover_events_total{model,reason}
	failoverEvents *prometheus.CounterVec

	// gateway_failover_exhausted_total{model}
	failoverExhausted *prometheus.CounterVec

	// gateway_channel_disabled_total{channel}
	channelDisabled *prometheus.CounterVec

	// gateway_channel_recovered_total{channel}
	channelRecovered *prometheus.CounterVec

	// gateway_quota_charged_total{model,group}
	quotaCharged *prometheus.CounterVec

	// gateway_quota_rejections_total
	quotaRejections prometheus.Counter

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_semantic_cache_total{result}
	semanticCache *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_billing_flushes_total{result}
	billingFlushes *prometheus.CounterVec

	// gateway_billing_queue_depth
	billingQueueDepth prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		relayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_relay_requests_total",
				Help: "Total relay requests by model, serving channel and status",
			},
			[]string{"model", "channel", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream channel attempts (includes failovers)",
			},
			[]string{"channel", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream channel attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"channel", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Failover events (emitted when moving past a failed candidate channel)",
			},
			[]string{"model", "reason"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_exhausted_total",
				Help: "Requests that exhausted all candidate channels without success",
			},
			[]string{"model"},
		),

		channelDisabled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_channel_disabled_total",
				Help: "Channels auto-disabled by the circuit breaker",
			},
			[]string{"channel"},
		),

		channelRecovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_channel_recovered_total",
				Help: "Channels re-enabled by the recovery prober",
			},
			[]string{"channel"},
		),

		quotaCharged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_quota_charged_total",
				Help: "Quota units charged, by model and user group",
			},
			[]string{"model", "group"},
		),

		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_quota_rejections_total",
			Help: "Requests rejected for insufficient quota",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		semanticCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_semantic_cache_total",
				Help: "Semantic cache lookups by result",
			},
			[]string{"result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		billingFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billing_flushes_total",
				Help: "Billing flush attempts by result",
			},
			[]string{"result"},
		),

		billingQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_billing_queue_depth",
			Help: "Number of usage records waiting for the next billing flush",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.relayRequestsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverEvents,
		r.failoverExhausted,
		r.channelDisabled,
		r.channelRecovered,
		r.quotaCharged,
		r.quotaRejections,
		r.tokensTotal,
		r.semanticCache,
		r.rateLimitTotal,
		r.billingFlushes,
		r.billingQueueDepth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRelay records the final outcome of a relay request.
func (r *Registry) RecordRelay(model, channel string, statusCode int) {
	r.relayRequestsTotal.WithLabelValues(model, channel, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamAttempt records one upstream channel attempt.
func (r *Registry) ObserveUpstreamAttempt(channel, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(channel, outcome).Inc()
	r.upstreamDuration.WithLabelValues(channel, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(model, reason string) {
	r.failoverEvents.WithLabelValues(model, reason).Inc()
}

func (r *Registry) RecordFailoverExhausted(model string) {
	r.failoverExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordChannelDisabled(channel string) {
	r.channelDisabled.WithLabelValues(channel).Inc()
}

func (r *Registry) RecordChannelRecovered(channel string) {
	r.channelRecovered.WithLabelValues(channel).Inc()
}

func (r *Registry) RecordQuotaCharged(model, group string, amount int64) {
	if amount > 0 {
		r.quotaCharged.WithLabelValues(model, group).Add(float64(amount))
	}
}

func (r *Registry) RecordQuotaRejection() {
	r.quotaRejections.Inc()
}

func (r *Registry) AddTokens(model string, promptTokens, completionTokens int64) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

func (r *Registry) RecordSemanticCache(result string) {
	r.semanticCache.WithLabelValues(result).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordBillingFlush(result string) {
	r.billingFlushes.WithLabelValues(result).Inc()
}

func (r *Registry) SetBillingQueueDepth(n int) {
	r.billingQueueDepth.Set(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
