// Package options holds the runtime option snapshot: pricing ratio
// overrides, per-group model allowlists, and notification settings loaded
// from the options table.
//
// Reads go through an immutable Snapshot swapped atomically on refresh, so
// the hot path never takes a lock. A background loop refreshes every minute
// to pick up operator edits without a redeploy.
package options

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Store is the subset of the persistence layer the service needs.
type Store interface {
	LoadOptions(ctx context.Context) (map[string]string, error)
}

// Option keys with structured values.
const (
	KeyModelRatio          = "ModelRatio"
	KeyCompletionRatio     = "CompletionRatio"
	KeyGroupRatio          = "GroupRatio"
	KeyGroupModelRatio     = "GroupModelRatio"
	KeyFixedCost           = "FixedCostModels"
	KeyNotificationEnabled = "NotificationEnabled"
	KeyTelegramConfig      = "TelegramConfig"

	groupModelsPrefix = "group_models_"
)

// Snapshot is one immutable view of the option table. All methods are safe
// on a nil receiver and fall back to defaults, so callers never need to
// check whether options are configured.
type Snapshot struct {
	raw map[string]string

	modelRatio      map[string]float64
	completionRatio map[string]float64
	groupRatio      map[string]float64
	groupModelRatio map[string]map[string]float64
	fixedCost       map[string]float64
	groupModels     map[string][]string
}

// ModelRatio returns the configured override for a model's base ratio.
func (s *Snapshot) ModelRatio(model string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.modelRatio[model]
	return v, ok
}

// CompletionRatio returns the configured override for a model's output
// multiplier.
func (s *Snapshot) CompletionRatio(model string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.completionRatio[model]
	return v, ok
}

// GroupRatio returns the configured override for a group's discount.
func (s *Snapshot) GroupRatio(group string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.groupRatio[group]
	return v, ok
}

// GroupModelRatio returns the extra multiplier for a specific group/model
// pair, defaulting to 1.
func (s *Snapshot) GroupModelRatio(group, model string) float64 {
	if s == nil {
		return 1
	}
	if m, ok := s.groupModelRatio[group]; ok {
		if v, ok := m[model]; ok {
			return v
		}
	}
	return 1
}

// FixedCost returns the flat per-request price for a model, if configured.
func (s *Snapshot) FixedCost(model string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.fixedCost[model]
	return v, ok
}

// GroupAllowsModel reports whether the group's allowlist permits the model.
// Groups without a configured allowlist permit everything.
func (s *Snapshot) GroupAllowsModel(group, model string) bool {
	if s == nil {
		return true
	}
	list, ok := s.groupModels[group]
	if !ok || len(list) == 0 {
		return true
	}
	for _, m := range list {
		if m == model {
			return true
		}
	}
	return false
}

// String returns a raw option value, or def if unset.
func (s *Snapshot) String(key, def string) string {
	if s == nil {
		return def
	}
	if v, ok := s.raw[key]; ok {
		return v
	}
	return def
}

// Bool returns a boolean option value, or def if unset or unparsable.
func (s *Snapshot) Bool(key string, def bool) bool {
	if s == nil {
		return def
	}
	switch strings.ToLower(s.String(key, "")) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

// JSON unmarshals a raw option value into out. Returns false if the key is
// unset or malformed.
func (s *Snapshot) JSON(key string, out any) bool {
	if s == nil {
		return false
	}
	v, ok := s.raw[key]
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(v), out) == nil
}

// Service periodically refreshes the snapshot from the store.
type Service struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration

	snap atomic.Pointer[Snapshot]
}

// New creates the service. Call Refresh once during startup, then Run.
func New(st Store, logger *slog.Logger, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{store: st, logger: logger, interval: interval}
}

// Current returns the latest snapshot. May return nil before the first
// successful refresh; Snapshot methods handle that.
func (s *Service) Current() *Snapshot {
	return s.snap.Load()
}

// Refresh loads the option table and swaps in a freshly parsed snapshot.
func (s *Service) Refresh(ctx context.Context) error {
	raw, err := s.store.LoadOptions(ctx)
	if err != nil {
		return err
	}
	s.snap.Store(parse(raw))
	return nil
}

// Run refreshes on a fixed interval until the context is canceled. Refresh
// errors are logged and the previous snapshot stays in effect.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("option refresh failed", "error", err)
			}
		}
	}
}

func parse(raw map[string]string) *Snapshot {
	snap := &Snapshot{
		raw:             raw,
		modelRatio:      map[string]float64{},
		completionRatio: map[string]float64{},
		groupRatio:      map[string]float64{},
		groupModelRatio: map[string]map[string]float64{},
		fixedCost:       map[string]float64{},
		groupModels:     map[string][]string{},
	}

	parseJSON(raw, KeyModelRatio, &snap.modelRatio)
	parseJSON(raw, KeyCompletionRatio, &snap.completionRatio)
	parseJSON(raw, KeyGroupRatio, &snap.groupRatio)
	parseJSON(raw, KeyGroupModelRatio, &snap.groupModelRatio)
	parseJSON(raw, KeyFixedCost, &snap.fixedCost)

	for k, v := range raw {
		if group, ok := strings.CutPrefix(k, groupModelsPrefix); ok {
			var models []string
			if json.Unmarshal([]byte(v), &models) == nil {
				snap.groupModels[group] = models
			}
		}
	}

	return snap
}

// parseJSON ignores malformed values; a bad override must not take down
// pricing.
func parseJSON[T any](raw map[string]string, key string, out *T) {
	if v, ok := raw[key]; ok {
		_ = json.Unmarshal([]byte(v), out)
	}
}
