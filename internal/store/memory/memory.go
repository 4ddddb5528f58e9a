// Package memory provides an in-process store backend.
//
// It implements the same interfaces as the PostgreSQL backend with a single
// mutex guarding all records. Intended for unit tests and single-binary
// development mode; it is not durable and not shared across replicas.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/metergate/metergate/internal/store"
)

// Store holds keys, sources, and model configs in process memory.
// Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	keys    map[int64]*store.APIKey
	byToken map[string]int64
	sources []*store.Source
	models  map[string]*store.ModelConfig
	nextID  int64
}

func New() *Store {
	return &Store{
		keys:    make(map[int64]*store.APIKey),
		byToken: make(map[string]int64),
		models:  make(map[string]*store.ModelConfig),
		nextID:  1,
	}
}

// PutKey inserts or replaces a credential. A zero ID is assigned the next
// free identifier. Returns the stored ID.
func (s *Store) PutKey(k *store.APIKey) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.ID == 0 {
		k.ID = s.nextID
		s.nextID++
	}
	cp := cloneKey(k)
	if prev, ok := s.keys[cp.ID]; ok {
		delete(s.byToken, prev.Token)
	}
	s.keys[cp.ID] = cp
	s.byToken[cp.Token] = cp.ID
	return cp.ID
}

// PutSource appends an upstream source record.
func (s *Store) PutSource(src *store.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if src.ID == 0 {
		src.ID = s.nextID
		s.nextID++
	}
	cp := *src
	cp.Models = append([]string(nil), src.Models...)
	s.sources = append(s.sources, &cp)
}

// PutModel inserts or replaces a pricing record.
func (s *Store) PutModel(m *store.ModelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.models[cp.Model] = &cp
}

// GetKey returns a copy of the credential by ID, for test assertions.
func (s *Store) GetKey(id int64) (*store.APIKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, false
	}
	return cloneKey(k), true
}

// ── store.KeyStore ───────────────────────────────────────────────────────────

func (s *Store) FindByToken(_ context.Context, token string) (*store.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneKey(s.keys[id]), nil
}

func (s *Store) AddUsage(_ context.Context, keyID int64, cost float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return store.ErrNotFound
	}
	k.UsedQuota += cost
	k.DailyUsed += cost
	k.MonthlyUsed += cost
	t := now
	k.LastUsedAt = &t
	return nil
}

func (s *Store) ResetDaily(_ context.Context, keyID int64, next time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return store.ErrNotFound
	}
	// Guard: only one reset per period takes effect.
	if k.DailyResetAt != nil && now.Before(*k.DailyResetAt) {
		return nil
	}
	k.DailyUsed = 0
	t := next
	k.DailyResetAt = &t
	return nil
}

func (s *Store) ResetMonthly(_ context.Context, keyID int64, next time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return store.ErrNotFound
	}
	if k.MonthlyResetAt != nil && now.Before(*k.MonthlyResetAt) {
		return nil
	}
	k.MonthlyUsed = 0
	t := next
	k.MonthlyResetAt = &t
	return nil
}

// ── store.SourceStore ────────────────────────────────────────────────────────

func (s *Store) ListEnabled(_ context.Context) ([]*store.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if !src.Enabled {
			continue
		}
		cp := *src
		cp.Models = append([]string(nil), src.Models...)
		out = append(out, &cp)
	}
	return out, nil
}

// ── store.PricingStore ───────────────────────────────────────────────────────

func (s *Store) FindModel(_ context.Context, model string) (*store.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[model]
	if !ok || !m.Enabled {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListEnabledModels(_ context.Context) ([]*store.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.ModelConfig, 0, len(s.models))
	for _, m := range s.models {
		if !m.Enabled {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func cloneKey(k *store.APIKey) *store.APIKey {
	cp := *k
	cp.AllowedModels = append([]string(nil), k.AllowedModels...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.DailyResetAt != nil {
		t := *k.DailyResetAt
		cp.DailyResetAt = &t
	}
	if k.MonthlyResetAt != nil {
		t := *k.MonthlyResetAt
		cp.MonthlyResetAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
