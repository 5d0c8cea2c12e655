package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// UpstreamError carries the upstream HTTP status so the dispatcher and the
// circuit breaker can tell client errors from channel failures.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *UpstreamError) HTTPStatus() int { return e.Status }

// Upstream issues outbound requests to provider endpoints. Non-streaming
// calls are bounded by the overall timeout; streaming calls are bounded only
// until response headers arrive, so long generations are not cut off.
type Upstream struct {
	client       *http.Client
	streamClient *http.Client
}

// NewUpstream builds the shared outbound HTTP clients.
func NewUpstream(connectTimeout, overallTimeout time.Duration) *Upstream {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if overallTimeout <= 0 {
		overallTimeout = 120 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: overallTimeout,
	}

	return &Upstream{
		client:       &http.Client{Transport: transport, Timeout: overallTimeout},
		streamClient: &http.Client{Transport: transport},
	}
}

// Do sends a JSON POST and returns the status and full response body.
// Non-2xx statuses return the body wrapped in *UpstreamError.
func (u *Upstream) Do(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	applyHeaders(req, headers)

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, respBody, &UpstreamError{Status: resp.StatusCode, Body: respBody}
	}
	return resp.StatusCode, respBody, nil
}

// Stream sends a JSON POST and returns the open response for SSE relaying.
// The caller owns resp.Body. Non-2xx statuses drain the body and return it
// wrapped in *UpstreamError.
func (u *Upstream) Stream(ctx context.Context, url string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	applyHeaders(req, headers)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := u.streamClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &UpstreamError{Status: resp.StatusCode, Body: respBody}
	}
	return resp, nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
