// Package ratelimit implements per-user admission control using Redis
// fixed-window counters with an atomic Lua script.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically bumps the counter for the current window and
// sets its expiry on first touch.
// KEYS[1] = window-scoped counter key
// ARGV[1] = window size in milliseconds
// Returns: the post-increment count.
var fixedWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local window = tonumber(ARGV[1])

		local count = redis.call('INCR', key)
		if count == 1 then
			redis.call('PEXPIRE', key, window)
		end
		return count
`)

// pruneProbability is the chance per check of deleting the previous
// window's key instead of waiting for its expiry. Keeps most checks to a
// single write.
const pruneProbability = 0.01

// Limiter enforces a fixed request ceiling per user per window. A nil
// Limiter and a zero limit both admit everything, so callers need no
// feature flag.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration

	// now is the clock; injectable for tests.
	now func() time.Time
}

// New creates a limiter. limit ≤ 0 disables enforcement.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

// Allow reports whether the user may proceed. Redis failures degrade open:
// losing the limiter must not take the gateway down with it.
func (l *Limiter) Allow(ctx context.Context, userID int64) bool {
	if l == nil || l.rdb == nil || l.limit <= 0 {
		return true
	}

	windowStart := l.now().Truncate(l.window).Unix()
	key := fmt.Sprintf("rl:user:%d:%d", userID, windowStart)

	count, err := fixedWindowScript.Run(ctx, l.rdb,
		[]string{key},
		l.window.Milliseconds(),
	).Int()
	if err != nil {
		return true
	}

	if rand.Float64() < pruneProbability {
		prevKey := fmt.Sprintf("rl:user:%d:%d", userID,
			l.now().Add(-l.window).Truncate(l.window).Unix())
		l.rdb.Del(ctx, prevKey)
	}

	return count <= l.limit
}
