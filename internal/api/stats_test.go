package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/storage/memory"
	"github.com/JakeFAU/taskengine/internal/store"
)

func TestStatsRoutes(t *testing.T) {
	t.Parallel()

	repo := memory.NewStatsStore()
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, repo.ApplyKeyStats(context.Background(), "type:http",
		store.StatsDelta{Completed: 3, Records: 12}, now))

	f := newFixture(t, withOptions(Options{Mode: engine.ModeStandalone, Stats: repo, APIKey: "k"}))

	rec := f.do(t, http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/stats?api_key=k", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Stats []store.KeyStats `json:"stats"`
	}](t, rec)
	require.Len(t, list.Stats, 1)
	assert.Equal(t, int64(12), list.Stats[0].Records)

	rec = f.do(t, http.MethodGet, "/v1/stats/type:http?api_key=k", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	one := decode[struct {
		Stats store.KeyStats `json:"stats"`
	}](t, rec)
	assert.Equal(t, int64(3), one.Stats.Completed)
	assert.True(t, one.Stats.LastUpdate.Equal(now))

	rec = f.do(t, http.MethodGet, "/v1/stats/type:browser?api_key=k", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsRoutesAbsentWithoutRepository(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withOptions(Options{Mode: engine.ModeStandalone}))
	rec := f.do(t, http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
