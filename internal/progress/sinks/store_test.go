package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/store"
)

// TestStoreSinkCollapsesPerKey ensures one write per key carries the summed deltas.
func TestStoreSinkCollapsesPerKey(t *testing.T) {
	t.Parallel()

	repo := &fakeStatsRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Unix(1700000000, 0).UTC()

	batch := []progress.Event{
		{TaskID: 1, Key: "type:http", Stage: progress.StageClaimed, TS: now},
		{TaskID: 1, Key: "type:http", Stage: progress.StageCompleted, ResultCount: 5, Dur: 2 * time.Second, TS: now.Add(2 * time.Second)},
		{TaskID: 2, Key: "type:http", Stage: progress.StageCacheHit, TS: now.Add(3 * time.Second)},
		{TaskID: 2, Key: "type:http", Stage: progress.StageCompleted, ResultCount: -1, TS: now.Add(3 * time.Second)},
		{TaskID: 3, Key: "type:browser", Stage: progress.StageFailed, Dur: time.Second, Note: "boom", TS: now.Add(time.Second)},
		{TaskID: 4, Key: "type:browser", Stage: progress.StageRecovered, TS: now},
		{TaskID: 5, Key: "type:http", Stage: progress.StageCompleted, IsAllTask: true, TS: now.Add(time.Hour)},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.calls, 2)
	httpCall := repo.calls[0]
	require.Equal(t, "type:http", httpCall.key)
	require.Equal(t, store.StatsDelta{Completed: 2, CacheHits: 1, Records: 5, RunMillis: 2000}, httpCall.delta)
	require.Equal(t, now.Add(3*time.Second), httpCall.at)

	browser := repo.calls[1]
	require.Equal(t, "type:browser", browser.key)
	require.Equal(t, store.StatsDelta{Failed: 1, Recovered: 1, RunMillis: 1000}, browser.delta)
}

// TestStoreSinkSkipsNoOpBatches avoids writes when nothing countable happened.
func TestStoreSinkSkipsNoOpBatches(t *testing.T) {
	t.Parallel()

	repo := &fakeStatsRepo{}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: 1, Key: "type:http", Stage: progress.StageSubmitted, TS: time.Now()},
		{TaskID: 1, Key: "type:http", Stage: progress.StageReleased, TS: time.Now()},
	})
	require.NoError(t, err)
	require.Empty(t, repo.calls)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeStatsRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: 1, Key: "type:http", Stage: progress.StageAborted, TS: time.Now()},
	})
	require.ErrorContains(t, err, "type:http")
	require.NoError(t, sink.Close(context.Background()))
}

type fakeStatsRepo struct {
	fail  bool
	calls []statsCall
}

type statsCall struct {
	key   string
	delta store.StatsDelta
	at    time.Time
}

func (f *fakeStatsRepo) ApplyKeyStats(_ context.Context, key string, delta store.StatsDelta, at time.Time) error {
	if f.fail {
		return errors.New("write failed")
	}
	f.calls = append(f.calls, statsCall{key: key, delta: delta, at: at})
	return nil
}

func (f *fakeStatsRepo) GetKeyStats(context.Context, string) (store.KeyStats, error) {
	return store.KeyStats{}, store.ErrNotFound
}

func (f *fakeStatsRepo) ListKeyStats(context.Context) ([]store.KeyStats, error) {
	return nil, nil
}
