package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/adapters"
	"github.com/relaygate/relaygate/internal/billing"
	"github.com/relaygate/relaygate/internal/options"
	"github.com/relaygate/relaygate/internal/quota"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// routeSpec describes one OpenAI-compatible relay endpoint.
type routeSpec struct {
	name        string
	path        string
	allowStream bool
	cacheable   bool

	// hint estimates the worst-case completion tokens for pre-deduction.
	// Zero falls back to the ledger default.
	hint func(body map[string]any) int64

	// usage overrides token extraction for routes whose upstream response
	// carries no usage block. Nil uses the adapter's ExtractUsage.
	usage func(ad adapters.Adapter, data, reqBody map[string]any) adapters.Usage
}

var (
	chatRoute = routeSpec{
		name:        "chat_completions",
		path:        "/v1/chat/completions",
		allowStream: true,
		cacheable:   true,
		hint:        maxTokensHint,
	}

	embeddingsRoute = routeSpec{
		name: "embeddings",
		path: "/v1/embeddings",
		hint: embeddingInputHint,
	}

	imagesRoute = routeSpec{
		name:  "images",
		path:  "/v1/images/generations",
		hint:  imageCountHint,
		usage: imageUsage,
	}

	rerankRoute = routeSpec{
		name: "rerank",
		path: "/v1/rerank",
		hint: rerankDocumentHint,
	}
)

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) { g.relay(ctx, chatRoute) }
func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx)      { g.relay(ctx, embeddingsRoute) }
func (g *Gateway) handleImages(ctx *fasthttp.RequestCtx)          { g.relay(ctx, imagesRoute) }
func (g *Gateway) handleRerank(ctx *fasthttp.RequestCtx)          { g.relay(ctx, rerankRoute) }

// relay is the core failover loop shared by every JSON relay endpoint.
func (g *Gateway) relay(fctx *fasthttp.RequestCtx, rt routeSpec) {
	start := time.Now()
	streaming := false
	servedChannel := "none"
	model := "unknown"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming requests are finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(rt.name, fctx.Response.StatusCode(), time.Since(start))
		g.metrics.RecordRelay(model, servedChannel, fctx.Response.StatusCode())
	}()

	reqID, _ := fctx.UserValue("request_id").(string)

	// 1. Authenticate the client token.
	user, token, ok := g.authenticate(fctx)
	if !ok {
		return
	}

	// 2. Parse the request body into a generic map so unknown fields survive
	// passthrough to the upstream.
	var body map[string]any
	if err := json.Unmarshal(fctx.PostBody(), &body); err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model, _ = body["model"].(string)
	if model == "" {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	stream := rt.allowStream && body["stream"] == true

	snap := g.snapshot()

	g.log.Info("relay_request",
		slog.String("request_id", reqID),
		slog.String("route", rt.name),
		slog.String("model", model),
		slog.Int64("user_id", user.ID),
		slog.Bool("stream", stream),
	)

	// 3. Model allowlists: group first, then the token's own restriction.
	if !snap.GroupAllowsModel(user.Group, model) {
		apierr.WriteForbidden(fctx,
			fmt.Sprintf("model %q is not available to group %q", model, user.Group),
			apierr.CodeModelNotAllowed)
		return
	}
	if !token.AllowsModel(model) {
		apierr.WriteForbidden(fctx,
			fmt.Sprintf("model %q is not allowed for this API key", model),
			apierr.CodeModelNotAllowed)
		return
	}

	// 4. Per-user rate limit. Fail-open when Redis is down.
	if g.limiter != nil && !g.limiter.Allow(fctx, user.ID) {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		apierr.WriteRateLimit(fctx)
		return
	}
	if g.metrics != nil && g.limiter != nil {
		g.metrics.RecordRateLimit("allowed")
	}

	// 5. Semantic cache — non-streaming chat only. A hit costs nothing.
	prompt := ""
	if rt.cacheable && !stream && g.semcache != nil {
		prompt = conversationText(body)
		if cached, hit := g.semcache.Lookup(fctx, model, prompt); hit {
			if g.metrics != nil {
				g.metrics.RecordSemanticCache("hit")
			}
			g.log.Debug("semantic_cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", model),
			)
			servedChannel = "cache"
			fctx.Response.Header.Set("X-Cache", xCacheHIT)
			fctx.SetStatusCode(fasthttp.StatusOK)
			fctx.SetContentType("application/json")
			fctx.SetBodyString(cached)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordSemanticCache("miss")
		}
		fctx.Response.Header.Set("X-Cache", xCacheMISS)
	}

	// 6. Candidate channels, ordered by priority and shuffled by weight.
	candidates := g.selector.Select(g.registry.ChannelsForModel(model), user.Group)
	if len(candidates) == 0 {
		apierr.WriteNoChannel(fctx, model)
		return
	}

	var hint int64
	if rt.hint != nil {
		hint = rt.hint(body)
	}

	// 7. Walk the candidates until one serves the request. A quota rejection
	// is recoverable per candidate: a refund from a failed attempt may have
	// restored headroom by the time the next candidate is tried.
	var lastErr error
	for _, ch := range candidates {
		preDeducted, err := g.ledger.PreCheckAndDecrement(fctx, user, token, snap, model, hint)
		if err != nil {
			if errors.Is(err, store.ErrInsufficientQuota) {
				if g.metrics != nil {
					g.metrics.RecordQuotaRejection()
				}
				lastErr = err
				continue
			}
			g.log.Error("quota pre-deduction failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			apierr.Write(fctx, fasthttp.StatusInternalServerError,
				"quota check failed", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		upstreamModel := model
		if mapped, ok := ch.ModelMapping[model]; ok && mapped != "" {
			upstreamModel = mapped
		}

		adapter := adapters.ForType(ch.Type)
		outBody, err := adapter.TransformRequest(body, upstreamModel)
		if err != nil {
			g.refund(user.ID, token.ID, preDeducted)
			apierr.Write(fctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		payload, err := json.Marshal(outBody)
		if err != nil {
			g.refund(user.ID, token.ID, preDeducted)
			apierr.Write(fctx, fasthttp.StatusInternalServerError,
				"failed to serialize upstream request", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		url := adapter.UpstreamURL(channelBaseURL(ch), upstreamModel, rt.path, stream)
		headers := adapter.BuildHeaders(pickKey(ch.Key))

		if stream {
			resp, err := g.upstream.Stream(fctx, url, headers, payload)
			if err == nil {
				streaming = true
				servedChannel = ch.Name
				g.breaker.RecordSuccess(ch.ID)
				g.relayStream(fctx, resp, streamBillingContext{
					reqID:       reqID,
					user:        user,
					token:       token,
					channel:     ch,
					model:       model,
					snap:        snap,
					preDeducted: preDeducted,
					start:       start,
					route:       rt.name,
				})
				return
			}
			g.attemptFailed(reqID, model, ch, user, token, preDeducted, err)
			lastErr = err
			continue
		}

		upCtx, cancel := context.WithTimeout(fctx, g.upstreamTimeout)
		attemptStart := time.Now()
		_, respBody, err := g.upstream.Do(upCtx, url, headers, payload)
		attemptDur := time.Since(attemptStart)
		cancel()

		if err != nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(ch.Name, classifyError(err), attemptDur)
			}
			g.attemptFailed(reqID, model, ch, user, token, preDeducted, err)
			lastErr = err
			continue
		}

		var data map[string]any
		if err := json.Unmarshal(respBody, &data); err != nil {
			g.refund(user.ID, token.ID, preDeducted)
			g.breaker.RecordFailure(ch, "malformed_response")
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(ch.Name, "malformed_response", attemptDur)
				g.metrics.RecordFailover(model, "malformed_response")
			}
			lastErr = fmt.Errorf("channel %s returned malformed JSON: %w", ch.Name, err)
			continue
		}

		// Success. Settle quota against measured usage and respond.
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(ch.Name, "success", attemptDur)
		}
		g.breaker.RecordSuccess(ch.ID)
		servedChannel = ch.Name

		usage := adapter.ExtractUsage(data)
		if rt.usage != nil {
			usage = rt.usage(adapter, data, body)
		}
		actualCost := quota.Cost(snap, model, user.Group, usage.PromptTokens, usage.CompletionTokens)
		g.settle(reqID, user, token, ch, model, usage, actualCost, preDeducted, false, time.Since(start))

		transformed := adapter.TransformResponse(data)
		respOut, err := json.Marshal(transformed)
		if err != nil {
			apierr.Write(fctx, fasthttp.StatusInternalServerError,
				"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		if rt.cacheable && g.semcache != nil && prompt != "" {
			cacheBody := string(respOut)
			go func() {
				cctx, ccancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer ccancel()
				g.semcache.Store(cctx, model, prompt, cacheBody)
			}()
		}

		g.log.Debug("relay_ok",
			slog.String("request_id", reqID),
			slog.String("channel", ch.Name),
			slog.String("model", model),
			slog.Int64("prompt_tokens", usage.PromptTokens),
			slog.Int64("completion_tokens", usage.CompletionTokens),
			slog.Int64("cost", actualCost),
			slog.Duration("elapsed", time.Since(start)),
		)

		fctx.SetStatusCode(fasthttp.StatusOK)
		fctx.SetContentType("application/json")
		fctx.SetBody(respOut)
		return
	}

	// 8. Every candidate failed.
	if errors.Is(lastErr, store.ErrInsufficientQuota) {
		apierr.WriteInsufficientQuota(fctx, "insufficient quota for this request")
		return
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(model)
	}
	detail := "no channel attempt succeeded"
	if lastErr != nil {
		detail = lastErr.Error()
	}
	g.log.Error("relay_exhausted",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.Int("candidates", len(candidates)),
		slog.String("last_error", detail),
	)
	apierr.WriteExhausted(fctx, detail)
}

// attemptFailed refunds the reservation and records channel health before the
// loop moves on to the next candidate. Every upstream failure fails over —
// a differently configured channel may accept what this one rejected — but
// client errors below 429 never advance the breaker: they say nothing about
// channel health.
func (g *Gateway) attemptFailed(reqID, model string, ch *store.Channel,
	user *store.User, token *store.Token, preDeducted int64, err error) {

	g.refund(user.ID, token.ID, preDeducted)

	reason := classifyError(err)
	var ue *UpstreamError
	if !(errors.As(err, &ue) && ue.Status >= 400 && ue.Status < 429) {
		g.breaker.RecordFailure(ch, reason)
	}
	if g.metrics != nil {
		g.metrics.RecordFailover(model, reason)
	}
	g.log.Warn("channel_attempt_failed",
		slog.String("request_id", reqID),
		slog.Int64("channel_id", ch.ID),
		slog.String("channel", ch.Name),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}

// settle reconciles the reservation against the measured cost and queues the
// usage record for the billing flush.
func (g *Gateway) settle(reqID string, user *store.User, token *store.Token, ch *store.Channel,
	model string, usage adapters.Usage, actualCost, preDeducted int64, isStream bool, latency time.Duration) {

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.ledger.Reconcile(ctx, user.ID, token.ID, preDeducted, actualCost); err != nil {
		g.log.Error("quota reconcile failed",
			slog.String("request_id", reqID),
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	if g.metrics != nil {
		g.metrics.RecordQuotaCharged(model, user.Group, actualCost)
		g.metrics.AddTokens(model, usage.PromptTokens, usage.CompletionTokens)
	}

	if g.billing != nil {
		g.billing.Enqueue(billing.Task{
			UserID:           user.ID,
			TokenID:          token.ID,
			ChannelID:        ch.ID,
			ModelName:        model,
			UserGroup:        user.Group,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			IsStream:         isStream,
			LatencyMs:        latency.Milliseconds(),
		})
	}
}

// refund returns a full reservation after a failed attempt. Best effort:
// a lost refund only over-charges this one request's estimate.
func (g *Gateway) refund(userID, tokenID, preDeducted int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.ledger.Reconcile(ctx, userID, tokenID, preDeducted, 0); err != nil {
		g.log.Error("quota refund failed",
			slog.Int64("user_id", userID),
			slog.Int64("amount", preDeducted),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) snapshot() *options.Snapshot {
	if g.opts == nil {
		return nil
	}
	return g.opts.Current()
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return fmt.Sprintf("http_%d", ue.Status)
	}
	return "network"
}

// ── Route parameter extraction ────────────────────────────────────────────────

func maxTokensHint(body map[string]any) int64 {
	if v, ok := body["max_tokens"].(float64); ok && v > 0 {
		return int64(v)
	}
	return 0
}

// embeddingInputHint estimates prompt tokens from the input length at the
// usual four characters per token.
func embeddingInputHint(body map[string]any) int64 {
	chars := 0
	switch in := body["input"].(type) {
	case string:
		chars = len(in)
	case []any:
		for _, v := range in {
			if s, ok := v.(string); ok {
				chars += len(s)
			}
		}
	}
	hint := int64(chars / 4)
	if hint < 16 {
		hint = 16
	}
	return hint
}

// imageCountHint treats each requested image as one billable unit; image
// model ratios are flat per-image prices.
func imageCountHint(body map[string]any) int64 {
	if v, ok := body["n"].(float64); ok && v > 0 {
		return int64(v)
	}
	return 1
}

func imageUsage(ad adapters.Adapter, data, reqBody map[string]any) adapters.Usage {
	usage := ad.ExtractUsage(data)
	if usage.Total() > 0 {
		return usage
	}
	return adapters.Usage{CompletionTokens: imageCountHint(reqBody)}
}

// rerankDocumentHint budgets roughly one hundred tokens per scored document.
func rerankDocumentHint(body map[string]any) int64 {
	docs, _ := body["documents"].([]any)
	hint := int64(len(docs)) * 100
	if hint <= 0 {
		hint = 100
	}
	return hint
}

// conversationText flattens every message's content into one string for
// semantic cache keying. The full conversation participates: two requests
// that share a final question but differ in earlier context must not collide.
// Structured content contributes its text parts.
func conversationText(body map[string]any) string {
	msgs, _ := body["messages"].([]any)
	var parts []string
	for _, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch c := m["content"].(type) {
		case string:
			if c != "" {
				parts = append(parts, c)
			}
		case []any:
			for _, p := range c {
				if pm, ok := p.(map[string]any); ok && pm["type"] == "text" {
					if t, ok := pm["text"].(string); ok && t != "" {
						parts = append(parts, t)
					}
				}
			}
		}
	}
	return strings.Join(parts, " ")
}
