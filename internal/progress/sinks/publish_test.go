package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/publisher/memory"
)

func TestPublishSinkFiltersTerminalStages(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublishSink(pub, "task-lifecycle")
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: 1, TS: now, Stage: progress.StageClaimed, Key: "type:http"},
		{TaskID: 1, TS: now, Stage: progress.StageCompleted, Key: "type:http", ResultCount: 12, Dur: 1500 * time.Millisecond},
		{TaskID: 2, TS: now, Stage: progress.StageFailed, Key: "type:http", Note: "boom"},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "task-lifecycle", msgs[0].Topic)

	var got Notification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, int64(1), got.TaskID)
	assert.Equal(t, "TASK_COMPLETED", got.Stage)
	assert.Equal(t, int64(12), got.ResultCount)
	assert.Equal(t, int64(1500), got.DurationMS)

	require.NoError(t, json.Unmarshal(msgs[1].Data, &got))
	assert.Equal(t, "boom", got.Note)
}

func TestPublishSinkCustomStagesAndErrors(t *testing.T) {
	t.Parallel()

	_, err := NewPublishSink(nil, "t")
	require.Error(t, err)

	pub := memory.New()
	sink, err := NewPublishSink(pub, "t", progress.StageClaimed)
	require.NoError(t, err)

	pub.FailWith(errors.New("unavailable"))
	err = sink.Consume(context.Background(), []progress.Event{
		{TaskID: 5, TS: time.Now(), Stage: progress.StageClaimed},
		{TaskID: 6, TS: time.Now(), Stage: progress.StageCompleted},
	})
	require.ErrorContains(t, err, "publish task 5")
	assert.NotContains(t, err.Error(), "task 6")
	require.NoError(t, sink.Close(context.Background()))
}
