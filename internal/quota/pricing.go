// Package quota implements the pricing function and the quota ledger: the
// pre-deduction, reconciliation, and cost arithmetic behind every billable
// request.
package quota

import (
	"math"

	"github.com/relaygate/relaygate/internal/options"
)

// Built-in base ratios, expressed as cost per token relative to
// gpt-3.5-turbo input. Operators override or extend these through the
// ModelRatio option.
var defaultModelRatio = map[string]float64{
	"gpt-3.5-turbo":            1,
	"gpt-4":                    15,
	"gpt-4o":                   5,
	"claude-3-opus-20240229":   15,
	"claude-3-sonnet-20240229": 3,
	"gemini-1.5-pro-latest":    3,
	"gemini-1.5-flash-latest":  0.5,

	"text-embedding-3-small": 0.02,
	"text-embedding-3-large": 0.1,
	"text-embedding-ada-002": 0.05,

	// Image models bill per image: the dispatcher records n images as n
	// completion tokens, so the ratio is the flat price per image.
	"dall-e-2": 20000,
	"dall-e-3": 40000,
}

// Output-token multiplier over input price.
var defaultCompletionRatio = map[string]float64{
	"gpt-3.5-turbo":            1.33,
	"gpt-4":                    2,
	"gpt-4o":                   3,
	"claude-3-opus-20240229":   5,
	"claude-3-sonnet-20240229": 5,
	"gemini-1.5-pro-latest":    2,
	"gemini-1.5-flash-latest":  2,
}

// Group discount tiers.
var defaultGroupRatio = map[string]float64{
	"default":    1,
	"vip":        0.8,
	"svip":       0.6,
	"enterprise": 0.5,
}

// Cost computes the quota price of a completed request:
//
//	ceil((prompt + completion·completionRatio) · modelRatio · groupRatio · groupModelRatio)
//
// Unknown models and groups default every ratio to 1. Models with a
// configured fixed cost bill ceil(fixedCost·groupRatio) regardless of token
// counts. A nil snapshot uses only the built-in ratios.
func Cost(snap *options.Snapshot, model, group string, promptTokens, completionTokens int64) int64 {
	gRatio := lookup(snap.GroupRatio, defaultGroupRatio, group)

	if fixed, ok := snap.FixedCost(model); ok {
		return ceilQuota(fixed * gRatio)
	}

	mRatio := lookup(snap.ModelRatio, defaultModelRatio, model)
	cRatio := lookup(snap.CompletionRatio, defaultCompletionRatio, model)
	override := snap.GroupModelRatio(group, model)

	base := float64(promptTokens) + float64(completionTokens)*cRatio
	return ceilQuota(base * mRatio * gRatio * override)
}

func lookup(fromSnap func(string) (float64, bool), defaults map[string]float64, key string) float64 {
	if v, ok := fromSnap(key); ok {
		return v
	}
	if v, ok := defaults[key]; ok {
		return v
	}
	return 1
}

// ceilQuota rounds up to the next whole quota unit. The product is rounded
// to a millionth first: ratios like 1.33 are decimal constants that drift a
// few ulps in binary, and without the pre-round an exact integer price would
// ceil one unit too high.
func ceilQuota(v float64) int64 {
	return int64(math.Ceil(math.Round(v*1e6) / 1e6))
}
