// Package store defines the durable records the gateway reads and debits —
// API credentials, upstream sources, and per-model pricing — together with
// the interfaces the gateway consumes.
//
// Two backends ship with the repository: a PostgreSQL implementation for
// production (internal/store/postgres) and a mutex-guarded in-process
// implementation for tests and single-binary development
// (internal/store/memory). An optional Redis read-through cache for the
// credential lookup lives in internal/store/keycache.
//
// All quota mutations are expressed as atomic increment or compare-and-set
// operations so that concurrent requests on the same key never lose updates.
// A bounded race between the admission check and the eventual debit remains
// by design: two in-flight requests may jointly overspend a ceiling by at
// most one request's cost.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups when no record matches.
var ErrNotFound = errors.New("store: not found")

// KeyStatus is the lifecycle state of an API key.
type KeyStatus string

const (
	KeyEnabled  KeyStatus = "enabled"
	KeyDisabled KeyStatus = "disabled"
)

// APIKey is a caller credential. The token is the opaque bearer secret;
// quota amounts are USD. A zero TotalQuota means the total ceiling is
// disabled; zero DailyQuota / MonthlyQuota disable those ceilings; zero RPM
// disables rate limiting for the key.
type APIKey struct {
	ID     int64
	Name   string
	Token  string
	Status KeyStatus

	// ExpiresAt, when set, invalidates the key after the instant passes.
	ExpiresAt *time.Time

	// AllowedModels restricts which model identifiers the key may request.
	// Empty means all models are allowed.
	AllowedModels []string

	TotalQuota float64
	UsedQuota  float64

	DailyQuota   float64
	DailyUsed    float64
	DailyResetAt *time.Time

	MonthlyQuota   float64
	MonthlyUsed    float64
	MonthlyResetAt *time.Time

	RPM int
	TPM int

	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Source is an upstream provider endpoint. Read-only from the gateway's
// perspective; a record never changes during a single request's lifetime.
type Source struct {
	ID      int64
	Name    string
	BaseURL string
	APIKey  string

	// Models lists the model identifiers this source serves.
	// Empty means the source serves all models.
	Models []string

	// Priority orders sources into tiers — higher is served first.
	// Weight sets the relative share within a tier.
	Priority int
	Weight   int

	Enabled bool
}

// ModelConfig holds per-model pricing and advisory limits.
// Prices are USD per 1,000,000 tokens.
type ModelConfig struct {
	Model       string
	Name        string
	InputPrice  float64
	OutputPrice float64
	RPM         int
	TPM         int
	Enabled     bool
}

// KeyStore is the credential collaborator.
type KeyStore interface {
	// FindByToken returns the credential whose secret matches token verbatim,
	// or ErrNotFound.
	FindByToken(ctx context.Context, token string) (*APIKey, error)

	// AddUsage atomically increments the used/daily/monthly counters by cost
	// and stamps LastUsedAt. Expressed as a single storage-level increment,
	// never read-modify-write.
	AddUsage(ctx context.Context, keyID int64, cost float64, now time.Time) error

	// ResetDaily zeroes DailyUsed and advances DailyResetAt to next, guarded
	// by the stored reset timestamp so concurrent evaluation at the same
	// instant performs at most one effective reset.
	ResetDaily(ctx context.Context, keyID int64, next time.Time, now time.Time) error

	// ResetMonthly is the monthly counterpart of ResetDaily.
	ResetMonthly(ctx context.Context, keyID int64, next time.Time, now time.Time) error
}

// SourceStore lists upstream providers.
type SourceStore interface {
	ListEnabled(ctx context.Context) ([]*Source, error)
}

// PricingStore resolves model pricing records.
type PricingStore interface {
	// FindModel returns the enabled pricing record for an exact model
	// identifier, or ErrNotFound. A miss is not an error condition for
	// billing — the calculator fails open to zero cost.
	FindModel(ctx context.Context, model string) (*ModelConfig, error)

	// ListEnabledModels returns all enabled model records, used by GET /v1/models.
	ListEnabledModels(ctx context.Context) ([]*ModelConfig, error)
}

// ModelAllowed reports whether the key may request model. An empty allow-list
// permits every model.
func (k *APIKey) ModelAllowed(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// ServesModel reports whether the source serves model. An empty model list
// means the source serves everything.
func (s *Source) ServesModel(model string) bool {
	if len(s.Models) == 0 {
		return true
	}
	for _, m := range s.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Expired reports whether the key's expiry timestamp exists and has passed.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
