// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeUpstreamError     = "upstream_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeQuotaError        = "insufficient_quota"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeAccountDisabled   = "account_disabled"
	CodeModelNotAllowed   = "model_not_allowed"
	CodeInsufficientQuota = "insufficient_quota"
	CodeNoChannel         = "no_channel_available"
	CodeChannelsExhausted = "all_channels_exhausted"
	CodeInternalError     = "internal_error"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 authentication error.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteForbidden writes a 403 permission error with the given code.
func WriteForbidden(ctx *fasthttp.RequestCtx, msg, code string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionError, code)
}

// WriteInsufficientQuota writes a 403 quota error.
func WriteInsufficientQuota(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypeQuotaError, CodeInsufficientQuota)
}

// WriteNoChannel writes a 503 "no channel serves this model" error.
// An empty candidate list is a normal, reportable condition.
func WriteNoChannel(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no available channel for model: "+model, TypeUpstreamError, CodeNoChannel)
}

// WriteExhausted writes a 502 after every candidate channel failed, carrying
// the last upstream error's detail.
func WriteExhausted(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusBadGateway,
		"all candidate channels failed: "+detail, TypeUpstreamError, CodeChannelsExhausted)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeUpstreamError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
