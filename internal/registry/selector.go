package registry

import (
	"math/rand/v2"
	"sort"

	"github.com/relaygate/relaygate/internal/store"
)

// Selector orders candidate channels for one request. Ordering is
// recomputed per call: the randomized weighting is the load balancing.
type Selector struct {
	// rand returns a uniform value in [0,1). Injectable for tests.
	rand func() float64
}

// NewSelector returns a selector using the shared PRNG.
func NewSelector() *Selector {
	return &Selector{rand: rand.Float64}
}

// Select filters channels to those serving the caller's group and orders
// them: priority tier descending first, then by an independent random draw
// scaled by weight within each tier. An empty result means no channel
// serves this model for this group.
func (s *Selector) Select(channels []*store.Channel, group string) []*store.Channel {
	type scored struct {
		ch    *store.Channel
		score float64
	}

	candidates := make([]scored, 0, len(channels))
	for _, ch := range channels {
		if !ch.AllowsGroup(group) {
			continue
		}
		weight := float64(ch.Weight)
		if weight < 1 {
			weight = 1
		}
		candidates = append(candidates, scored{ch: ch, score: s.rand() * weight})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ch.Priority != candidates[j].ch.Priority {
			return candidates[i].ch.Priority > candidates[j].ch.Priority
		}
		return candidates[i].score > candidates[j].score
	})

	out := make([]*store.Channel, len(candidates))
	for i, c := range candidates {
		out[i] = c.ch
	}
	return out
}
