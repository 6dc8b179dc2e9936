package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/taskengine/internal/store"
)

// StatsStore keeps per-key run statistics in memory.
type StatsStore struct {
	mu    sync.RWMutex
	stats map[string]store.KeyStats
}

var _ store.StatsRepository = (*StatsStore)(nil)

// NewStatsStore constructs a StatsStore.
func NewStatsStore() *StatsStore {
	return &StatsStore{stats: make(map[string]store.KeyStats)}
}

// ApplyKeyStats adds delta to key, creating the row when missing.
func (s *StatsStore) ApplyKeyStats(_ context.Context, key string, delta store.StatsDelta, at time.Time) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.stats[key]
	if !ok {
		row = store.KeyStats{Key: key}
	}
	delta.Apply(&row, at)
	s.stats[key] = row
	return nil
}

// GetKeyStats returns the row for key.
func (s *StatsStore) GetKeyStats(_ context.Context, key string) (store.KeyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.stats[key]
	if !ok {
		return store.KeyStats{}, fmt.Errorf("key %q: %w", key, store.ErrNotFound)
	}
	return row, nil
}

// ListKeyStats returns every row ordered by key.
func (s *StatsStore) ListKeyStats(context.Context) ([]store.KeyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.KeyStats, 0, len(s.stats))
	for _, key := range slices.Sorted(maps.Keys(s.stats)) {
		out = append(out, s.stats[key])
	}
	return out, nil
}
