package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/store"
)

// StoreSink folds lifecycle events into per-key statistics persisted through a
// store.StatsRepository. Deltas are collapsed per key so each batch costs one
// write per admission key.
type StoreSink struct {
	repo   store.StatsRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.StatsRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger.Named("stats_sink")}
}

// Consume applies the batch's deltas. Aggregate parents are skipped since their
// children already account for the work.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[string]*keyDelta)
	var order []string
	for _, evt := range batch {
		if evt.IsAllTask || evt.Key == "" {
			continue
		}
		d := deltas[evt.Key]
		if d == nil {
			d = &keyDelta{}
			deltas[evt.Key] = d
			order = append(order, evt.Key)
		}
		d.add(evt)
	}

	for _, key := range order {
		d := deltas[key]
		if d.delta.Empty() {
			continue
		}
		if err := s.repo.ApplyKeyStats(ctx, key, d.delta, d.at); err != nil {
			return fmt.Errorf("apply stats for %s: %w", key, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type keyDelta struct {
	delta store.StatsDelta
	at    time.Time
}

func (d *keyDelta) add(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCompleted:
		d.delta.Completed++
		if evt.ResultCount > 0 {
			d.delta.Records += evt.ResultCount
		}
	case progress.StageFailed:
		d.delta.Failed++
	case progress.StageAborted:
		d.delta.Aborted++
	case progress.StageCacheHit:
		d.delta.CacheHits++
	case progress.StageRecovered:
		d.delta.Recovered++
	default:
		return
	}
	if evt.Stage.Terminal() {
		d.delta.RunMillis += evt.Dur.Milliseconds()
	}
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}
