package store

import (
	"strings"
	"time"
)

// Channel status values.
const (
	ChannelEnabled      = 1
	ChannelDisabled     = 2
	ChannelAutoDisabled = 3
)

// Status values shared by users and tokens.
const (
	StatusEnabled  = 1
	StatusDisabled = 2
)

// UnlimitedQuota is the sentinel remain_quota value for tokens without a
// per-token budget. Such tokens are bounded only by the owning user's quota.
const UnlimitedQuota = -1

// Channel is one upstream provider account.
type Channel struct {
	ID   int64
	Name string

	// Type selects the protocol adapter. See the adapters package for the
	// full enum.
	Type int

	// BaseURL overrides the adapter's default endpoint. May be empty.
	BaseURL string

	// Key holds one or more upstream API keys separated by newlines. A
	// request picks one at random.
	Key string

	// Models is the list of public model names this channel serves.
	Models []string

	// ModelMapping rewrites public model names to upstream names before the
	// request is forwarded. Billing always uses the public name.
	ModelMapping map[string]string

	// Group restricts the channel to users of the listed groups. The column
	// stores a comma-separated list; empty allows every group.
	Group string

	// Priority orders candidates; higher goes first. Within a priority tier
	// channels are shuffled by weight.
	Priority int64

	// Weight biases the shuffle inside a priority tier.
	Weight int64

	Status int

	// TestAt is when the channel was last probed.
	TestAt *time.Time

	// ResponseTime is the latency of the last probe in milliseconds.
	ResponseTime int64

	CreatedAt time.Time
}

// AllowsGroup reports whether the channel serves users of the given group.
func (c *Channel) AllowsGroup(group string) bool {
	if c.Group == "" {
		return true
	}
	for _, g := range strings.Split(c.Group, ",") {
		if strings.TrimSpace(g) == group {
			return true
		}
	}
	return false
}

// Token is a client-facing API key.
type Token struct {
	ID     int64
	UserID int64
	Key    string
	Name   string
	Status int

	// RemainQuota is the token's remaining budget, or UnlimitedQuota.
	RemainQuota int64

	// UsedQuota is the lifetime consumed total.
	UsedQuota int64

	// Models restricts the token to these public model names. Empty allows
	// every model.
	Models []string

	// ExpiredAt is nil for tokens that never expire.
	ExpiredAt *time.Time

	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiredAt != nil && now.After(*t.ExpiredAt)
}

// AllowsModel reports whether the token may use the given model.
func (t *Token) AllowsModel(model string) bool {
	if len(t.Models) == 0 {
		return true
	}
	for _, m := range t.Models {
		if m == model {
			return true
		}
	}
	return false
}

// User is an account that owns tokens and quota.
type User struct {
	ID       int64
	Username string
	Email    string
	Group    string
	Role     int
	Status   int

	// Quota is the remaining balance in quota units.
	Quota int64

	// UsedQuota is the lifetime consumed total.
	UsedQuota int64

	RequestCount int64
	CreatedAt    time.Time
}

// UsageRecord is one completed request's billing outcome, queued by the
// billing aggregator and flushed in batches.
type UsageRecord struct {
	UserID           int64
	TokenID          int64
	ChannelID        int64
	ModelName        string
	PromptTokens     int64
	CompletionTokens int64
	Cost             int64
	IsStream         bool
	LatencyMs        int64
	CreatedAt        time.Time
}

// SemanticEntry is one cached chat response keyed by prompt embedding.
type SemanticEntry struct {
	ID         int64
	ModelName  string
	PromptHash string
	Embedding  []float64
	Response   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
