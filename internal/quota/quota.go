// Package quota enforces monetary usage ceilings per credential.
//
// Daily and monthly counters use lazy resets: nothing runs on a schedule —
// the first request after a period boundary zeroes the counter and advances
// the stored reset timestamp. Resets and debits go through the store as
// atomic operations, so concurrent requests on the same key cannot lose
// updates. The admission check reads the refreshed snapshot only; a bounded
// race between check and debit is accepted (two concurrent requests can
// jointly overspend a ceiling by at most one request's cost).
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/metergate/metergate/internal/store"
	"github.com/metergate/metergate/pkg/apierr"
)

// Manager evaluates and debits quotas against a credential store.
type Manager struct {
	keys store.KeyStore

	// now is swappable in tests.
	now func() time.Time
}

func New(keys store.KeyStore) *Manager {
	return &Manager{keys: keys, now: time.Now}
}

// Refresh applies any due daily/monthly reset for key and updates the
// in-memory snapshot to match, so the following Check sees the post-reset
// counters without a re-fetch. Idempotent: evaluating twice within the same
// period performs at most one effective reset each.
func (m *Manager) Refresh(ctx context.Context, key *store.APIKey) error {
	now := m.now()

	if key.DailyQuota > 0 && (key.DailyResetAt == nil || !now.Before(*key.DailyResetAt)) {
		next := NextUTCMidnight(now)
		if err := m.keys.ResetDaily(ctx, key.ID, next, now); err != nil {
			return fmt.Errorf("quota: daily reset: %w", err)
		}
		key.DailyUsed = 0
		key.DailyResetAt = &next
	}

	if key.MonthlyQuota > 0 && (key.MonthlyResetAt == nil || !now.Before(*key.MonthlyResetAt)) {
		next := NextUTCMonth(now)
		if err := m.keys.ResetMonthly(ctx, key.ID, next, now); err != nil {
			return fmt.Errorf("quota: monthly reset: %w", err)
		}
		key.MonthlyUsed = 0
		key.MonthlyResetAt = &next
	}

	return nil
}

// Check inspects the refreshed counters. Ceilings are evaluated in the order
// total → daily → monthly and only the first exhausted ceiling is reported.
// A zero ceiling means that ceiling is disabled.
func (m *Manager) Check(key *store.APIKey) *apierr.Error {
	if key.TotalQuota > 0 && key.UsedQuota >= key.TotalQuota {
		return apierr.QuotaExceeded("Total quota exceeded")
	}
	if key.DailyQuota > 0 && key.DailyUsed >= key.DailyQuota {
		return apierr.QuotaExceeded("Daily quota exceeded")
	}
	if key.MonthlyQuota > 0 && key.MonthlyUsed >= key.MonthlyQuota {
		return apierr.QuotaExceeded("Monthly quota exceeded")
	}
	return nil
}

// Debit adds cost to the key's usage counters and stamps last-used.
// A zero or negative cost performs no increment — failed generations with no
// billable tokens leave the counters untouched.
func (m *Manager) Debit(ctx context.Context, keyID int64, cost float64) error {
	if cost <= 0 {
		return nil
	}
	if err := m.keys.AddUsage(ctx, keyID, cost, m.now()); err != nil {
		return fmt.Errorf("quota: debit: %w", err)
	}
	return nil
}

// NextUTCMidnight returns the first instant of the next UTC day after now.
func NextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// NextUTCMonth returns the first instant of the next UTC month after now.
func NextUTCMonth(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
