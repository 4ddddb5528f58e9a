package quota

import (
	"context"
	"testing"
	"time"

	"github.com/metergate/metergate/internal/store"
	"github.com/metergate/metergate/internal/store/memory"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)
}

func newManager(m *memory.Store, now func() time.Time) *Manager {
	mgr := New(m)
	mgr.now = now
	return mgr
}

func TestRefresh_DailyResetLazy(t *testing.T) {
	m := memory.New()
	past := fixedNow().Add(-time.Hour)
	id := m.PutKey(&store.APIKey{
		Token:        "mg-k",
		Status:       store.KeyEnabled,
		DailyQuota:   10,
		DailyUsed:    7,
		DailyResetAt: &past,
	})

	mgr := newManager(m, fixedNow)
	key, _ := m.GetKey(id)
	if err := mgr.Refresh(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	// The in-memory snapshot reflects the reset without a re-fetch.
	if key.DailyUsed != 0 {
		t.Errorf("snapshot DailyUsed = %v, want 0", key.DailyUsed)
	}
	wantNext := time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)
	if key.DailyResetAt == nil || !key.DailyResetAt.Equal(wantNext) {
		t.Errorf("snapshot DailyResetAt = %v, want %v", key.DailyResetAt, wantNext)
	}

	stored, _ := m.GetKey(id)
	if stored.DailyUsed != 0 {
		t.Errorf("stored DailyUsed = %v, want 0", stored.DailyUsed)
	}
}

func TestRefresh_Idempotent(t *testing.T) {
	m := memory.New()
	id := m.PutKey(&store.APIKey{
		Token:        "mg-k",
		Status:       store.KeyEnabled,
		DailyQuota:   10,
		DailyUsed:    7,
		MonthlyQuota: 100,
		MonthlyUsed:  42,
	})

	mgr := newManager(m, fixedNow)

	key, _ := m.GetKey(id)
	if err := mgr.Refresh(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	afterOnce, _ := m.GetKey(id)

	// Simulate usage between evaluations within the same period.
	if err := mgr.Debit(context.Background(), id, 3); err != nil {
		t.Fatal(err)
	}

	key2, _ := m.GetKey(id)
	if err := mgr.Refresh(context.Background(), key2); err != nil {
		t.Fatal(err)
	}
	afterTwice, _ := m.GetKey(id)

	if !afterTwice.DailyResetAt.Equal(*afterOnce.DailyResetAt) {
		t.Errorf("DailyResetAt moved on second evaluation: %v → %v",
			afterOnce.DailyResetAt, afterTwice.DailyResetAt)
	}
	if !afterTwice.MonthlyResetAt.Equal(*afterOnce.MonthlyResetAt) {
		t.Errorf("MonthlyResetAt moved on second evaluation: %v → %v",
			afterOnce.MonthlyResetAt, afterTwice.MonthlyResetAt)
	}
	// The usage recorded after the first reset survives the second evaluation.
	if afterTwice.DailyUsed != 3 {
		t.Errorf("DailyUsed = %v, want 3", afterTwice.DailyUsed)
	}
}

func TestCheck_ZeroQuotaDisablesCeiling(t *testing.T) {
	mgr := newManager(memory.New(), fixedNow)

	key := &store.APIKey{TotalQuota: 0, UsedQuota: 1e9}
	if qerr := mgr.Check(key); qerr != nil {
		t.Fatalf("zero total quota must disable the ceiling, got %v", qerr)
	}
}

func TestCheck_OrderTotalDailyMonthly(t *testing.T) {
	mgr := newManager(memory.New(), fixedNow)

	key := &store.APIKey{
		TotalQuota: 10, UsedQuota: 10,
		DailyQuota: 5, DailyUsed: 5,
		MonthlyQuota: 50, MonthlyUsed: 50,
	}
	qerr := mgr.Check(key)
	if qerr == nil {
		t.Fatal("expected quota error")
	}
	if qerr.Message != "Total quota exceeded" {
		t.Errorf("message = %q, want the total ceiling reported first", qerr.Message)
	}

	key.UsedQuota = 0
	qerr = mgr.Check(key)
	if qerr == nil || qerr.Message != "Daily quota exceeded" {
		t.Errorf("expected daily ceiling next, got %v", qerr)
	}
}

func TestDebit_ZeroCostIsNoOp(t *testing.T) {
	m := memory.New()
	id := m.PutKey(&store.APIKey{Token: "mg-k", Status: store.KeyEnabled})
	mgr := newManager(m, fixedNow)

	if err := mgr.Debit(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}
	key, _ := m.GetKey(id)
	if key.UsedQuota != 0 || key.LastUsedAt != nil {
		t.Errorf("zero-cost debit mutated the key: %+v", key)
	}
}

// A single oversized request is admitted and its debit may push usage over
// the ceiling; the next request is then rejected. Soft-ceiling semantics.
func TestSoftCeiling_OversizedCallAdmittedNextBlocked(t *testing.T) {
	m := memory.New()
	id := m.PutKey(&store.APIKey{
		Token:      "mg-k",
		Status:     store.KeyEnabled,
		TotalQuota: 1,
		UsedQuota:  0,
	})
	mgr := newManager(m, fixedNow)

	key, _ := m.GetKey(id)
	if qerr := mgr.Check(key); qerr != nil {
		t.Fatalf("first call must be admitted: %v", qerr)
	}

	// 2,000,000 prompt tokens at $1/1M = $2, over the $1 ceiling.
	if err := mgr.Debit(context.Background(), id, 2); err != nil {
		t.Fatal(err)
	}

	after, _ := m.GetKey(id)
	if after.UsedQuota != 2 {
		t.Fatalf("UsedQuota = %v, want 2 (overrun allowed to land)", after.UsedQuota)
	}
	if qerr := mgr.Check(after); qerr == nil {
		t.Fatal("next request must be rejected")
	}
}

func TestNextUTCBoundaries(t *testing.T) {
	now := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)

	if got := NextUTCMidnight(now); !got.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextUTCMidnight = %v", got)
	}
	if got := NextUTCMonth(now); !got.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextUTCMonth = %v", got)
	}

	mid := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	if got := NextUTCMonth(mid); !got.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextUTCMonth(mid-month) = %v", got)
	}
}
