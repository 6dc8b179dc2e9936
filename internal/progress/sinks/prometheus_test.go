package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters, gauges and histograms follow events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TaskID: 1, TS: now, Stage: progress.StageClaimed, Key: "type:http"},
		{TaskID: 2, TS: now, Stage: progress.StageClaimed, Key: "type:http"},
		{TaskID: 1, TS: now, Stage: progress.StageClaimed, Key: "type:http"},
		{TaskID: 1, TS: now, Stage: progress.StageCompleted, Key: "type:http", ResultCount: 40, Dur: 3 * time.Second},
		{TaskID: 3, TS: now, Stage: progress.StageCompleted, Key: "type:http", ResultCount: 40, IsAllTask: true},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.running.WithLabelValues("type:http")))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.transitions.WithLabelValues("TASK_CLAIMED", "type:http")))
	require.Equal(t, 40.0, testutil.ToFloat64(sink.records.WithLabelValues("type:http")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runtime, "taskengine_task_runtime_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: 2, TS: now, Stage: progress.StageReleased, Key: "type:http"},
		{TaskID: 2, TS: now, Stage: progress.StageReleased, Key: "type:http"},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.running.WithLabelValues("type:http")))
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
