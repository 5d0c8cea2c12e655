package registry

import (
	"testing"

	"github.com/relaygate/relaygate/internal/store"
)

// seqRand returns the given values in order, cycling.
func seqRand(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func TestSelectFiltersByGroup(t *testing.T) {
	channels := []*store.Channel{
		{ID: 1, Group: "default"},
		{ID: 2, Group: "vip,svip"},
		{ID: 3, Group: ""}, // empty allows everyone
	}

	s := &Selector{rand: seqRand(0.5)}

	got := s.Select(channels, "vip")
	if len(got) != 2 {
		t.Fatalf("got %d channels, want 2", len(got))
	}
	for _, ch := range got {
		if ch.ID == 1 {
			t.Errorf("channel restricted to group default selected for vip")
		}
	}
}

func TestSelectPriorityTiersDominate(t *testing.T) {
	channels := []*store.Channel{
		{ID: 1, Priority: 0, Weight: 1000},
		{ID: 2, Priority: 10, Weight: 1},
		{ID: 3, Priority: 5, Weight: 1},
	}

	// Even with a maximal draw for the heavy low-tier channel, tiers win.
	s := &Selector{rand: seqRand(0.999999, 0.000001, 0.5)}

	got := s.Select(channels, "default")
	if len(got) != 3 {
		t.Fatalf("got %d channels, want 3", len(got))
	}
	if got[0].ID != 2 || got[1].ID != 3 || got[2].ID != 1 {
		t.Errorf("order = [%d %d %d], want [2 3 1]", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestSelectWeightBiasesOrder(t *testing.T) {
	channels := []*store.Channel{
		{ID: 1, Weight: 1},
		{ID: 2, Weight: 10},
	}

	// Equal draws: the heavier channel scores higher.
	s := &Selector{rand: seqRand(0.5)}

	got := s.Select(channels, "default")
	if got[0].ID != 2 {
		t.Errorf("first = %d, want 2", got[0].ID)
	}
}

func TestSelectRandomizesPerCall(t *testing.T) {
	channels := []*store.Channel{
		{ID: 1, Weight: 1},
		{ID: 2, Weight: 1},
	}

	// Draws flip between calls, so the order must flip too.
	s := &Selector{rand: seqRand(0.9, 0.1, 0.1, 0.9)}

	first := s.Select(channels, "default")
	second := s.Select(channels, "default")
	if first[0].ID == second[0].ID {
		t.Errorf("order did not change across calls: %d", first[0].ID)
	}
}

func TestSelectEmptyResult(t *testing.T) {
	channels := []*store.Channel{
		{ID: 1, Group: "enterprise"},
	}

	s := &Selector{rand: seqRand(0.5)}
	if got := s.Select(channels, "default"); len(got) != 0 {
		t.Errorf("got %d channels, want 0", len(got))
	}
}
