package proxy

import (
	"bufio"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/adapters"
	"github.com/relaygate/relaygate/internal/options"
	"github.com/relaygate/relaygate/internal/quota"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/valyala/fasthttp"
)

// streamBytesPerToken is the billing heuristic for streamed completions:
// SSE framing roughly triples the payload, so bytes/3 approximates the
// generated token count without parsing every chunk.
const streamBytesPerToken = 3

// streamBillingContext carries everything the stream writer needs to settle
// quota once the upstream drains. The fasthttp request context must not be
// touched from the writer goroutine, so all values are captured up front.
type streamBillingContext struct {
	reqID       string
	user        *store.User
	token       *store.Token
	channel     *store.Channel
	model       string
	snap        *options.Snapshot
	preDeducted int64
	start       time.Time
	route       string
}

// relayStream tees the upstream SSE body into two readers: one feeds the
// client at the client's own pace, the other drains the upstream to
// completion and counts every byte the upstream generated. A client that
// disconnects mid-stream stops receiving but never shrinks the bill — the
// upstream keeps generating either way. Once the upstream closes, the byte
// count is converted to a completion-token estimate and billed with zero
// prompt tokens: the prompt side was already priced into the reservation
// that the settle nets out.
func (g *Gateway) relayStream(fctx *fasthttp.RequestCtx, resp *http.Response, bc streamBillingContext) {
	fctx.SetStatusCode(fasthttp.StatusOK)
	fctx.SetContentType("text/event-stream")
	fctx.Response.Header.Set("Cache-Control", "no-cache")
	fctx.Response.Header.Set("Connection", "keep-alive")

	fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()

		pr, pw := io.Pipe()
		var upstreamBytes int64
		drained := make(chan struct{})

		go func() {
			defer close(drained)
			defer resp.Body.Close()

			buf := make([]byte, 32*1024)
			clientGone := false
			for {
				n, err := resp.Body.Read(buf)
				if n > 0 {
					upstreamBytes += int64(n)
					if !clientGone {
						if _, werr := pw.Write(buf[:n]); werr != nil {
							clientGone = true
						}
					}
				}
				if err != nil {
					if err != io.EOF {
						g.log.Warn("upstream stream interrupted",
							slog.String("request_id", bc.reqID),
							slog.String("channel", bc.channel.Name),
							slog.String("error", err.Error()),
						)
					}
					break
				}
			}
			pw.Close()
		}()

		buf := make([]byte, 32*1024)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					pr.CloseWithError(werr)
					break
				}
				if ferr := w.Flush(); ferr != nil {
					pr.CloseWithError(ferr)
					break
				}
			}
			if err != nil {
				break
			}
		}
		<-drained

		completionTokens := upstreamBytes / streamBytesPerToken
		if upstreamBytes > 0 && completionTokens == 0 {
			completionTokens = 1
		}
		usage := adapters.Usage{CompletionTokens: completionTokens}
		actualCost := quota.Cost(bc.snap, bc.model, bc.user.Group, 0, completionTokens)
		g.settle(bc.reqID, bc.user, bc.token, bc.channel, bc.model,
			usage, actualCost, bc.preDeducted, true, time.Since(bc.start))

		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(bc.route, fasthttp.StatusOK, time.Since(bc.start))
			g.metrics.RecordRelay(bc.model, bc.channel.Name, fasthttp.StatusOK)
		}

		g.log.Debug("stream_done",
			slog.String("request_id", bc.reqID),
			slog.String("channel", bc.channel.Name),
			slog.String("model", bc.model),
			slog.Int64("bytes", upstreamBytes),
			slog.Int64("estimated_completion_tokens", completionTokens),
			slog.Int64("cost", actualCost),
			slog.Duration("elapsed", time.Since(bc.start)),
		)
	})
}
