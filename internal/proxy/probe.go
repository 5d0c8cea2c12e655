package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/relaygate/relaygate/internal/adapters"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/store"
)

// ProbeStore is the persistence surface the recovery prober needs.
type ProbeStore interface {
	ListAutoDisabledChannels(ctx context.Context) ([]*store.Channel, error)
	SetChannelStatus(ctx context.Context, id int64, status int) error
	TouchChannelProbe(ctx context.Context, id int64, responseTime time.Duration) error
}

// RecoveryNotifier receives channel recovery alerts. May be nil.
type RecoveryNotifier interface {
	ChannelRecovered(channelID int64, name string)
}

// Prober periodically sends a minimal chat request through every
// auto-disabled channel and re-enables the ones that answer. A probe counts
// as healthy for any status below 429: a 4xx on the tiny probe body still
// proves the channel endpoint and key are reachable.
type Prober struct {
	store    ProbeStore
	registry Invalidator
	notifier RecoveryNotifier
	upstream *Upstream
	metrics  *metrics.Registry
	logger   *slog.Logger

	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a recovery prober. notifier and metrics may be nil.
func NewProber(st ProbeStore, reg Invalidator, notifier RecoveryNotifier, up *Upstream,
	m *metrics.Registry, logger *slog.Logger, interval, timeout time.Duration) *Prober {

	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		store:    st,
		registry: reg,
		notifier: notifier,
		upstream: up,
		metrics:  m,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	channels, err := p.store.ListAutoDisabledChannels(ctx)
	if err != nil {
		p.logger.Error("probe sweep list failed", slog.String("error", err.Error()))
		return
	}

	recovered := false
	for _, ch := range channels {
		elapsed, err := p.probe(ctx, ch)
		if err != nil {
			p.logger.Debug("channel probe failed",
				slog.Int64("channel_id", ch.ID),
				slog.String("channel", ch.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := p.store.SetChannelStatus(ctx, ch.ID, store.ChannelEnabled); err != nil {
			p.logger.Error("channel re-enable failed",
				slog.Int64("channel_id", ch.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := p.store.TouchChannelProbe(ctx, ch.ID, elapsed); err != nil {
			p.logger.Warn("probe bookkeeping failed",
				slog.Int64("channel_id", ch.ID),
				slog.String("error", err.Error()),
			)
		}

		p.logger.Info("channel recovered",
			slog.Int64("channel_id", ch.ID),
			slog.String("channel", ch.Name),
			slog.Duration("response_time", elapsed),
		)
		if p.metrics != nil {
			p.metrics.RecordChannelRecovered(ch.Name)
		}
		if p.notifier != nil {
			p.notifier.ChannelRecovered(ch.ID, ch.Name)
		}
		recovered = true
	}

	if recovered && p.registry != nil {
		p.registry.Invalidate(ctx)
	}
}

// probe sends one minimal chat completion through the channel and returns
// the round-trip time when the channel counts as healthy.
func (p *Prober) probe(ctx context.Context, ch *store.Channel) (time.Duration, error) {
	if len(ch.Models) == 0 {
		return 0, errors.New("channel serves no models")
	}
	model := ch.Models[0]
	upstreamModel := model
	if mapped, ok := ch.ModelMapping[model]; ok && mapped != "" {
		upstreamModel = mapped
	}

	adapter := adapters.ForType(ch.Type)
	body, err := adapter.TransformRequest(map[string]any{
		"model":      upstreamModel,
		"messages":   []any{map[string]any{"role": "user", "content": "hi"}},
		"max_tokens": 1,
	}, upstreamModel)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	url := adapter.UpstreamURL(channelBaseURL(ch), upstreamModel, "/v1/chat/completions", false)
	headers := adapter.BuildHeaders(pickKey(ch.Key))

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	_, _, err = p.upstream.Do(probeCtx, url, headers, payload)
	elapsed := time.Since(start)

	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.Status < 429 {
			return elapsed, nil
		}
		return 0, err
	}
	return elapsed, nil
}
