package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("stats record not found")

// KeyStats aggregates finished runs for one admission key.
type KeyStats struct {
	// Key is the admission key in "kind:value" form.
	Key string `json:"key"`
	// LastUpdate is the timestamp of the most recent event folded in.
	LastUpdate time.Time `json:"lastUpdate"`
	Completed  int64     `json:"completed"`
	Failed     int64     `json:"failed"`
	Aborted    int64     `json:"aborted"`
	CacheHits  int64     `json:"cacheHits"`
	// Recovered counts tasks returned to pending by the stale sweep.
	Recovered int64 `json:"recovered"`
	// Records sums the result counts of completed runs.
	Records int64 `json:"records"`
	// RunMillis sums the run time of terminal runs.
	RunMillis int64 `json:"runMillis"`
}

// StatsDelta holds increments applied to a KeyStats row.
type StatsDelta struct {
	Completed int64
	Failed    int64
	Aborted   int64
	CacheHits int64
	Recovered int64
	Records   int64
	RunMillis int64
}

// Empty reports whether applying d would change nothing.
func (d StatsDelta) Empty() bool {
	return d == StatsDelta{}
}

// Apply adds d to s and advances LastUpdate when at is newer.
func (d StatsDelta) Apply(s *KeyStats, at time.Time) {
	s.Completed += d.Completed
	s.Failed += d.Failed
	s.Aborted += d.Aborted
	s.CacheHits += d.CacheHits
	s.Recovered += d.Recovered
	s.Records += d.Records
	s.RunMillis += d.RunMillis
	if at.After(s.LastUpdate) {
		s.LastUpdate = at
	}
}

// StatsRepository persists per-key run statistics.
type StatsRepository interface {
	// ApplyKeyStats adds delta to the row for key, creating it when missing.
	ApplyKeyStats(ctx context.Context, key string, delta StatsDelta, at time.Time) error
	// GetKeyStats loads one key or returns ErrNotFound.
	GetKeyStats(ctx context.Context, key string) (KeyStats, error)
	// ListKeyStats returns every key ordered by key.
	ListKeyStats(ctx context.Context) ([]KeyStats, error)
}
