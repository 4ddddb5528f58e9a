package logger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-memory log store.
const DefaultMemoryCapacity = 10_000

// MemoryStore keeps the most recent request logs in memory. It backs the
// single-binary deployment mode and tests; once capacity is reached the
// oldest entries are discarded.
type MemoryStore struct {
	mu      sync.Mutex
	entries []RequestLog
	cap     int
}

func NewMemory(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{cap: capacity}
}

func (s *MemoryStore) Append(_ context.Context, entries []RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entries...)
	if over := len(s.entries) - s.cap; over > 0 {
		s.entries = append(s.entries[:0], s.entries[over:]...)
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, keyID int64, page, perPage int) ([]RequestLog, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Newest first.
	var matched []RequestLog
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].KeyID == keyID {
			matched = append(matched, s.entries[i])
		}
	}

	total := len(matched)
	start := (page - 1) * perPage
	if start >= total {
		return nil, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}

	out := make([]RequestLog, end-start)
	copy(out, matched[start:end])
	return out, total, nil
}

func (s *MemoryStore) DailyCosts(_ context.Context, keyID int64, start, end time.Time) ([]DailyCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDay := make(map[time.Time]*DailyCost)
	for _, e := range s.entries {
		if e.KeyID != keyID {
			continue
		}
		at := e.CreatedAt.UTC()
		if at.Before(start) || !at.Before(end) {
			continue
		}
		day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		d := byDay[day]
		if d == nil {
			d = &DailyCost{Day: day}
			byDay[day] = d
		}
		d.Cost += e.Cost
		d.Calls++
		d.Tokens += e.TotalTokens
	}

	out := make([]DailyCost, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// Len reports the number of stored entries, for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
