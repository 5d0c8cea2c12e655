// Package registry maintains the in-memory mirror of enabled channels keyed
// by model name, kept consistent across gateway instances through a Redis
// pub/sub invalidation signal.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/store"
)

// invalidationChannel carries refresh signals between instances. The payload
// is the publishing instance's ID so subscribers can skip their own events.
const invalidationChannel = "gateway:channel_refresh"

// Store is the subset of the persistence layer the registry needs.
type Store interface {
	ListEnabledChannels(ctx context.Context) ([]*store.Channel, error)
}

type snapshot struct {
	byModel map[string][]*store.Channel
	models  []string
}

// Registry is the atomic channel snapshot. Reads never lock; Refresh builds
// a complete new snapshot and swaps it in by pointer.
type Registry struct {
	store      Store
	rdb        *redis.Client // nil disables cross-instance invalidation
	logger     *slog.Logger
	reload     time.Duration
	instanceID string

	snap atomic.Pointer[snapshot]
}

// New creates an empty registry. Call Refresh during startup before serving.
// rdb may be nil; the periodic reload then carries refreshes alone.
func New(st Store, rdb *redis.Client, logger *slog.Logger, reloadInterval time.Duration) *Registry {
	if reloadInterval <= 0 {
		reloadInterval = time.Minute
	}
	r := &Registry{
		store:      st,
		rdb:        rdb,
		logger:     logger,
		reload:     reloadInterval,
		instanceID: uuid.NewString(),
	}
	r.snap.Store(&snapshot{byModel: map[string][]*store.Channel{}})
	return r
}

// Refresh rebuilds the snapshot from the store and swaps it in. Concurrent
// readers keep the old snapshot until the swap; last refresh wins.
func (r *Registry) Refresh(ctx context.Context) error {
	channels, err := r.store.ListEnabledChannels(ctx)
	if err != nil {
		return fmt.Errorf("registry refresh: %w", err)
	}

	byModel := make(map[string][]*store.Channel)
	for _, ch := range channels {
		for _, model := range ch.Models {
			byModel[model] = append(byModel[model], ch)
		}
	}

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	r.snap.Store(&snapshot{byModel: byModel, models: models})
	r.logger.Debug("channel registry refreshed",
		"channels", len(channels), "models", len(models))
	return nil
}

// ChannelsForModel returns every enabled channel advertising the model.
// Callers must not mutate the returned slice.
func (r *Registry) ChannelsForModel(model string) []*store.Channel {
	return r.snap.Load().byModel[model]
}

// Models returns the sorted list of every served model name.
func (r *Registry) Models() []string {
	return r.snap.Load().models
}

// Invalidate refreshes the local snapshot and notifies the other instances.
// Errors are logged, not returned: a failed refresh leaves the previous
// snapshot serving and the periodic reload will catch up.
func (r *Registry) Invalidate(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error("registry invalidation refresh failed", "error", err)
	}
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Publish(ctx, invalidationChannel, r.instanceID).Err(); err != nil {
		r.logger.Warn("registry invalidation publish failed", "error", err)
	}
}

// Run refreshes on the reload interval and, when Redis is configured,
// applies invalidation events from other instances. Blocks until the
// context is canceled.
func (r *Registry) Run(ctx context.Context) error {
	var events <-chan *redis.Message
	if r.rdb != nil {
		sub := r.rdb.Subscribe(ctx, invalidationChannel)
		defer sub.Close()
		events = sub.Channel()
	}

	ticker := time.NewTicker(r.reload)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("periodic registry refresh failed", "error", err)
			}
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Skip our own events; refresh without re-publishing so a
			// single invalidation cannot ring around the cluster.
			if msg.Payload == r.instanceID {
				continue
			}
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("registry refresh on invalidation failed", "error", err)
			}
		}
	}
}
