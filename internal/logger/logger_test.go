package logger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func entry(keyID int64, cost float64, tokens int, at time.Time) RequestLog {
	return RequestLog{
		ID:          uuid.New(),
		KeyID:       keyID,
		Model:       "gpt-4o",
		TotalTokens: tokens,
		Cost:        cost,
		Status:      200,
		CreatedAt:   at,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestLogger_CloseDrainsPending(t *testing.T) {
	store := NewMemory(0)
	l, err := New(context.Background(), store, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	for range 7 {
		l.Log(entry(1, 0.01, 15, now))
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if store.Len() != 7 {
		t.Errorf("stored = %d, want 7", store.Len())
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("dropped = %d, want 0", l.DroppedLogs())
	}
}

func TestLogger_FullBatchFlushesWithoutTicker(t *testing.T) {
	store := NewMemory(0)
	l, err := New(context.Background(), store, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	now := time.Now().UTC()
	for range batchSize {
		l.Log(entry(1, 0.01, 15, now))
	}

	// A full batch flushes immediately, well before the 1s ticker.
	waitFor(t, func() bool { return store.Len() == batchSize })
}

// blockingStore stalls Append until released, so the channel can be filled.
type blockingStore struct {
	release chan struct{}
	inner   *MemoryStore
}

func (s *blockingStore) Append(ctx context.Context, entries []RequestLog) error {
	<-s.release
	return s.inner.Append(ctx, entries)
}

func (s *blockingStore) Recent(ctx context.Context, keyID int64, page, perPage int) ([]RequestLog, int, error) {
	return s.inner.Recent(ctx, keyID, page, perPage)
}

func (s *blockingStore) DailyCosts(ctx context.Context, keyID int64, start, end time.Time) ([]DailyCost, error) {
	return s.inner.DailyCosts(ctx, keyID, start, end)
}

func (s *blockingStore) Close() error { return nil }

func TestLogger_DropsWhenChannelFull(t *testing.T) {
	store := &blockingStore{release: make(chan struct{}), inner: NewMemory(20_000)}
	l, err := New(context.Background(), store, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The worker takes at most one batch before stalling in Append; everything
	// past the channel capacity is dropped.
	now := time.Now().UTC()
	for range channelBuffer + 2*batchSize {
		l.Log(entry(1, 0, 1, now))
	}

	if l.DroppedLogs() == 0 {
		t.Error("expected dropped entries once the channel filled")
	}

	close(store.release)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLogger_RejectsNilStore(t *testing.T) {
	if _, err := New(context.Background(), nil, nil); err == nil {
		t.Error("expected an error for a nil store")
	}
	if _, err := New(nil, NewMemory(0), nil); err == nil {
		t.Error("expected an error for a nil context")
	}
}

// --- MemoryStore ------------------------------------------------------------

func TestMemoryStore_CapacityTrimsOldest(t *testing.T) {
	store := NewMemory(3)
	now := time.Now().UTC()

	for i := range 5 {
		if err := store.Append(context.Background(), []RequestLog{entry(int64(i), 0, 1, now)}); err != nil {
			t.Fatal(err)
		}
	}

	if store.Len() != 3 {
		t.Fatalf("Len = %d, want 3", store.Len())
	}
	// The oldest entries (keys 0 and 1) were discarded.
	if _, total, _ := store.Recent(context.Background(), 0, 1, 10); total != 0 {
		t.Error("oldest entry should have been trimmed")
	}
	if _, total, _ := store.Recent(context.Background(), 4, 1, 10); total != 1 {
		t.Error("newest entry should survive")
	}
}

func TestMemoryStore_RecentPagination(t *testing.T) {
	store := NewMemory(0)
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	var batch []RequestLog
	for i := range 25 {
		e := entry(7, 0, i, base.Add(time.Duration(i)*time.Second))
		batch = append(batch, e)
	}
	batch = append(batch, entry(99, 0, 1, base)) // other key, must be filtered
	if err := store.Append(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	page1, total, err := store.Recent(context.Background(), 7, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 25 {
		t.Errorf("total = %d, want 25", total)
	}
	if len(page1) != 10 {
		t.Fatalf("page 1 size = %d, want 10", len(page1))
	}
	// Newest first: the last appended entry leads.
	if page1[0].TotalTokens != 24 {
		t.Errorf("page 1 leads with tokens=%d, want 24", page1[0].TotalTokens)
	}

	page3, _, err := store.Recent(context.Background(), 7, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 5 {
		t.Errorf("page 3 size = %d, want 5", len(page3))
	}

	empty, _, err := store.Recent(context.Background(), 7, 4, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("page past the end should be empty, got %d", len(empty))
	}
}

func TestMemoryStore_DailyCosts(t *testing.T) {
	store := NewMemory(0)
	day1 := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 6, 11, 23, 59, 0, 0, time.UTC)

	err := store.Append(context.Background(), []RequestLog{
		entry(1, 0.25, 100, day1),
		entry(1, 0.50, 200, day1.Add(time.Hour)),
		entry(1, 0.50, 500, day2),
		entry(2, 9.99, 999, day1), // other key
		entry(1, 1.00, 1, day2.AddDate(0, 0, 5)), // outside the window
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)
	costs, err := store.DailyCosts(context.Background(), 1, start, end)
	if err != nil {
		t.Fatal(err)
	}

	if len(costs) != 2 {
		t.Fatalf("days = %d, want 2: %+v", len(costs), costs)
	}
	d1 := costs[0]
	if !d1.Day.Equal(start) || d1.Cost != 0.75 || d1.Calls != 2 || d1.Tokens != 300 {
		t.Errorf("day 1 = %+v", d1)
	}
	d2 := costs[1]
	if d2.Cost != 0.50 || d2.Calls != 1 || d2.Tokens != 500 {
		t.Errorf("day 2 = %+v", d2)
	}
}
