package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/store"
)

func TestStatsStoreAccumulates(t *testing.T) {
	t.Parallel()

	s := NewStatsStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.ApplyKeyStats(ctx, "type:http", store.StatsDelta{Completed: 1, Records: 4}, now))
	require.NoError(t, s.ApplyKeyStats(ctx, "type:http", store.StatsDelta{Failed: 1}, now.Add(time.Second)))
	require.NoError(t, s.ApplyKeyStats(ctx, "type:browser", store.StatsDelta{Aborted: 1}, now))
	require.Error(t, s.ApplyKeyStats(ctx, "", store.StatsDelta{Completed: 1}, now))

	got, err := s.GetKeyStats(ctx, "type:http")
	require.NoError(t, err)
	assert.Equal(t, store.KeyStats{
		Key: "type:http", Completed: 1, Failed: 1, Records: 4, LastUpdate: now.Add(time.Second),
	}, got)

	_, err = s.GetKeyStats(ctx, "type:missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.ListKeyStats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "type:browser", all[0].Key)
	assert.Equal(t, "type:http", all[1].Key)
}

func TestStatsStoreConcurrentApply(t *testing.T) {
	t.Parallel()

	s := NewStatsStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.ApplyKeyStats(ctx, "name:feed", store.StatsDelta{Completed: 1}, time.Now()))
		}()
	}
	wg.Wait()

	got, err := s.GetKeyStats(ctx, "name:feed")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Completed)
}
