package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"time"

	"github.com/relaygate/relaygate/internal/adapters"
	"github.com/relaygate/relaygate/internal/quota"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Audio MIME types by OpenAI response_format value.
var audioContentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/opus",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm",
}

// handleAudioSpeech relays POST /v1/audio/speech. Speech is billed per input
// character: TTS model ratios are flat per-character prices, so characters
// ride through the pricing formula as completion tokens. The upstream
// response is opaque audio and passes through untouched.
func (g *Gateway) handleAudioSpeech(fctx *fasthttp.RequestCtx) {
	start := time.Now()
	servedChannel := "none"
	model := "unknown"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("audio_speech", fctx.Response.StatusCode(), time.Since(start))
		g.metrics.RecordRelay(model, servedChannel, fctx.Response.StatusCode())
	}()

	reqID, _ := fctx.UserValue("request_id").(string)

	user, token, ok := g.authenticate(fctx)
	if !ok {
		return
	}

	var body map[string]any
	if err := json.Unmarshal(fctx.PostBody(), &body); err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model, _ = body["model"].(string)
	input, _ := body["input"].(string)
	if model == "" || input == "" {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"fields 'model' and 'input' are required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	snap := g.snapshot()
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
	if g.limiter != nil && !g.limiter.Allow(fctx, user.ID) {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		apierr.WriteRateLimit(fctx)
		return
	}

	candidates := g.selector.Select(g.registry.ChannelsForModel(model), user.Group)
	if len(candidates) == 0 {
		apierr.WriteNoChannel(fctx, model)
		return
	}

	chars := int64(len(input))

	var lastErr error
	for _, ch := range candidates {
		preDeducted, err := g.ledger.PreCheckAndDecrement(fctx, user, token, snap, model, chars)
		if err != nil {
			if errors.Is(err, store.ErrInsufficientQuota) {
				if g.metrics != nil {
					g.metrics.RecordQuotaRejection()
				}
				lastErr = err
				continue
			}
			apierr.Write(fctx, fasthttp.StatusInternalServerError,
				"quota check failed", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		upstreamModel := model
		if mapped, ok := ch.ModelMapping[model]; ok && mapped != "" {
			upstreamModel = mapped
		}
		adapter := adapters.ForType(ch.Type)

		outBody := make(map[string]any, len(body))
		for k, v := range body {
			outBody[k] = v
		}
		outBody["model"] = upstreamModel
		payload, err := json.Marshal(outBody)
		if err != nil {
			g.refund(user.ID, token.ID, preDeducted)
			apierr.Write(fctx, fasthttp.StatusInternalServerError,
				"failed to serialize upstream request", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		url := adapter.UpstreamURL(channelBaseURL(ch), upstreamModel, "/v1/audio/speech", false)
		headers := adapter.BuildHeaders(pickKey(ch.Key))

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

		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(ch.Name, "success", attemptDur)
		}
		g.breaker.RecordSuccess(ch.ID)
		servedChannel = ch.Name

		usage := adapters.Usage{CompletionTokens: chars}
		actualCost := quota.Cost(snap, model, user.Group, 0, chars)
		g.settle(reqID, user, token, ch, model, usage, actualCost, preDeducted, false, time.Since(start))

		g.log.Debug("audio_ok",
			slog.String("request_id", reqID),
			slog.String("channel", ch.Name),
			slog.String("model", model),
			slog.Int64("characters", chars),
			slog.Int64("cost", actualCost),
		)

		format, _ := body["response_format"].(string)
		contentType, ok := audioContentTypes[format]
		if !ok {
			contentType = "audio/mpeg"
		}
		fctx.SetStatusCode(fasthttp.StatusOK)
		fctx.SetContentType(contentType)
		fctx.SetBody(respBody)
		return
	}

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
	apierr.WriteExhausted(fctx, detail)
}

func (g *Gateway) handleAudioTranscriptions(ctx *fasthttp.RequestCtx) {
	g.audioFormRelay(ctx, "transcriptions", "/v1/audio/transcriptions")
}

func (g *Gateway) handleAudioTranslations(ctx *fasthttp.RequestCtx) {
	g.audioFormRelay(ctx, "translations", "/v1/audio/translations")
}

// audioFormRelay relays the multipart speech-to-text endpoints. The form is
// re-encoded per candidate so the model field carries the channel's remapped
// name. Output is billed at four characters per token of transcribed text;
// without duration metadata the text length is the only usable measure.
func (g *Gateway) audioFormRelay(fctx *fasthttp.RequestCtx, routeName, path string) {
	start := time.Now()
	servedChannel := "none"
	model := "unknown"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("audio_"+routeName, fctx.Response.StatusCode(), time.Since(start))
		g.metrics.RecordRelay(model, servedChannel, fctx.Response.StatusCode())
	}()

	reqID, _ := fctx.UserValue("request_id").(string)

	user, token, ok := g.authenticate(fctx)
	if !ok {
		return
	}

	form, err := fctx.MultipartForm()
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"request body must be multipart/form-data",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	formModel := ""
	if v := form.Value["model"]; len(v) > 0 {
		formModel = v[0]
	}
	if formModel == "" {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model = formModel
	if len(form.File["file"]) == 0 {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"field 'file' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	snap := g.snapshot()
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
	if g.limiter != nil && !g.limiter.Allow(fctx, user.ID) {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		apierr.WriteRateLimit(fctx)
		return
	}

	candidates := g.selector.Select(g.registry.ChannelsForModel(model), user.Group)
	if len(candidates) == 0 {
		apierr.WriteNoChannel(fctx, model)
		return
	}

	hint := audioUploadHint(form)

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
			apierr.Write(fctx, fasthttp.StatusInternalServerError,
				"quota check failed", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		upstreamModel := model
		if mapped, ok := ch.ModelMapping[model]; ok && mapped != "" {
			upstreamModel = mapped
		}
		adapter := adapters.ForType(ch.Type)

		payload, contentType, err := rebuildAudioForm(form, upstreamModel)
		if err != nil {
			g.refund(user.ID, token.ID, preDeducted)
			apierr.Write(fctx, fasthttp.StatusInternalServerError,
				"failed to re-encode upload", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		url := adapter.UpstreamURL(channelBaseURL(ch), upstreamModel, path, false)
		headers := adapter.BuildHeaders(pickKey(ch.Key))
		headers["Content-Type"] = contentType

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

		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(ch.Name, "success", attemptDur)
		}
		g.breaker.RecordSuccess(ch.ID)
		servedChannel = ch.Name

		tokens := transcribedTokens(respBody)
		usage := adapters.Usage{CompletionTokens: tokens}
		actualCost := quota.Cost(snap, model, user.Group, 0, tokens)
		g.settle(reqID, user, token, ch, model, usage, actualCost, preDeducted, false, time.Since(start))

		g.log.Debug("audio_transcribe_ok",
			slog.String("request_id", reqID),
			slog.String("channel", ch.Name),
			slog.String("model", model),
			slog.Int64("estimated_tokens", tokens),
			slog.Int64("cost", actualCost),
		)

		fctx.SetStatusCode(fasthttp.StatusOK)
		fctx.SetContentType(transcriptionContentType(form))
		fctx.SetBody(respBody)
		return
	}

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
	apierr.WriteExhausted(fctx, detail)
}

// rebuildAudioForm re-encodes a parsed multipart form, substituting the
// model field with the channel's remapped name.
func rebuildAudioForm(form *multipart.Form, model string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("model", model); err != nil {
		return nil, "", err
	}
	for name, vals := range form.Value {
		if name == "model" {
			continue
		}
		for _, v := range vals {
			if err := w.WriteField(name, v); err != nil {
				return nil, "", err
			}
		}
	}
	for name, files := range form.File {
		for _, fh := range files {
			part, err := w.CreateFormFile(name, fh.Filename)
			if err != nil {
				return nil, "", err
			}
			f, err := fh.Open()
			if err != nil {
				return nil, "", err
			}
			_, err = io.Copy(part, f)
			f.Close()
			if err != nil {
				return nil, "", err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// audioUploadHint estimates a pre-deduction budget from the upload size,
// roughly one token per kilobyte of audio, floored at 100.
func audioUploadHint(form *multipart.Form) int64 {
	var size int64
	for _, files := range form.File {
		for _, fh := range files {
			size += fh.Size
		}
	}
	hint := size / 1024
	if hint < 100 {
		hint = 100
	}
	return hint
}

// transcribedTokens estimates billable output tokens from the response: the
// "text" field for JSON responses, the raw body for text formats, at four
// characters per token.
func transcribedTokens(respBody []byte) int64 {
	text := string(respBody)
	var parsed struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(respBody, &parsed) == nil && parsed.Text != "" {
		text = parsed.Text
	}
	tokens := int64(len(text)) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// transcriptionContentType maps the requested response_format to the MIME
// type returned to the client.
func transcriptionContentType(form *multipart.Form) string {
	format := ""
	if v := form.Value["response_format"]; len(v) > 0 {
		format = v[0]
	}
	switch format {
	case "text", "srt", "vtt":
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}
