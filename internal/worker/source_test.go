package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/protocol"
	"github.com/JakeFAU/taskengine/internal/task"
)

func newTestSource(t *testing.T, m *stubMaster, largeThreshold int64) *RemoteSource {
	t.Helper()
	return NewRemoteSource(newTestClient(t, m), newTestResults(t, largeThreshold), "w-1", fastRetry(3), nil)
}

func TestChunkSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		bytes, count int64
		want         int
	}{
		{"empty", 0, 0, maxChunkRecords},
		{"tiny records", 1000, 100, maxChunkRecords},
		{"1MB records", 10 << 20, 10, 100},
		{"huge records", 100 << 30, 10, minChunkRecords},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, chunkSize(tc.bytes, tc.count))
		})
	}
}

func TestReportSmallResultInline(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	parent := int64(1)
	m.handle(protocol.PathAcquireByType, func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusOK, protocol.AcquireResponse{Tasks: []task.Task{{
			ID: 2, ScraperName: "feed", ScraperType: "http", ParentTaskID: &parent, Data: json.RawMessage(`{"q":1}`),
		}}})
	})
	m.handle(protocol.PathTaskCompleted, func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusOK, protocol.NextTasks{NextTasks: []task.Task{{ID: 3, ScraperName: "feed"}}})
	})
	src := newTestSource(t, m, 0)
	ctx := context.Background()

	claimed, err := src.PollPending(ctx, task.TypeKey("http"), 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next, err := src.ReportOutcome(ctx, engine.Outcome{TaskID: 2, Records: rawRecords(`{"r":1}`), DontCache: true}, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, int64(3), next[0].ID)

	sent := m.requests(protocol.PathTaskCompleted)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{
		"taskId": 2,
		"result": [{"r":1}],
		"isDontCache": true,
		"scraperName": "feed",
		"taskData": {"q":1},
		"parentTaskId": 1,
		"capacity": 1,
		"workerId": "w-1"
	}`, string(sent[0]))
	assert.Zero(t, m.count(protocol.PathPushDataChunk))

	src.mu.Lock()
	_, tracked := src.claimed[3]
	src.mu.Unlock()
	assert.True(t, tracked, "piggy-backed tasks must be remembered")
}

func TestReportEmptyResultSendsEmptyArray(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	src := newTestSource(t, m, 0)

	_, err := src.ReportOutcome(context.Background(), engine.Outcome{TaskID: 9}, 0)
	require.NoError(t, err)
	var body protocol.TaskCompleted
	require.NoError(t, json.Unmarshal(m.requests(protocol.PathTaskCompleted)[0], &body))
	assert.NotNil(t, body.Result)
	assert.Empty(t, body.Result)
}

func TestReportLargeBufferedResultInChunks(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	src := newTestSource(t, m, 20)

	records := rawRecords(`{"n":1}`, `{"n":2}`, `{"n":3}`)
	_, err := src.ReportOutcome(context.Background(), engine.Outcome{TaskID: 4, Records: records}, 0)
	require.NoError(t, err)

	assert.Zero(t, m.count(protocol.PathTaskCompleted))
	chunks := m.requests(protocol.PathPushDataChunk)
	require.Len(t, chunks, 1)
	assert.JSONEq(t, `{"taskId":4,"chunk":[{"n":1},{"n":2},{"n":3}]}`, string(chunks[0]))
	done := m.requests(protocol.PathPushDataDone)
	require.Len(t, done, 1)
	var body protocol.PushDataComplete
	require.NoError(t, json.Unmarshal(done[0], &body))
	assert.Equal(t, int64(3), body.ItemCount)
}

func TestReportStreamedResultFromLocalFile(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	src := newTestSource(t, m, 0)
	require.NoError(t, src.results.Append(5, rawRecords(`{"s":1}`, `{"s":2}`)))

	_, err := src.ReportOutcome(context.Background(), engine.Outcome{TaskID: 5, Streamed: true, ItemCount: 2}, 0)
	require.NoError(t, err)

	chunks := m.requests(protocol.PathPushDataChunk)
	require.Len(t, chunks, 1)
	assert.JSONEq(t, `{"taskId":5,"chunk":[{"s":1},{"s":2}]}`, string(chunks[0]))
	assert.Equal(t, 1, m.count(protocol.PathPushDataDone))
	assert.False(t, src.results.Exists(5), "local file is dropped once reported")
}

func TestReportStreamedWithoutRecords(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	src := newTestSource(t, m, 0)

	_, err := src.ReportOutcome(context.Background(), engine.Outcome{TaskID: 6, Streamed: true}, 0)
	require.NoError(t, err)
	assert.Zero(t, m.count(protocol.PathPushDataChunk))
	var body protocol.PushDataComplete
	require.NoError(t, json.Unmarshal(m.requests(protocol.PathPushDataDone)[0], &body))
	assert.Zero(t, body.ItemCount)
}

func TestReportFailure(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	src := newTestSource(t, m, 0)

	_, err := src.ReportOutcome(context.Background(), engine.Outcome{TaskID: 7, Failed: true, Error: "boom"}, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskId":7,"error":"boom","capacity":2,"workerId":"w-1"}`,
		string(m.requests(protocol.PathTaskFailed)[0]))
}

func TestReportRetriesUntilStopped(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	m.handle(protocol.PathTaskFailed, failWith(http.StatusServiceUnavailable, ""))
	src := newTestSource(t, m, 0)

	errc := make(chan error, 1)
	go func() {
		_, err := src.ReportOutcome(context.Background(), engine.Outcome{TaskID: 8, Failed: true, Error: "x"}, 0)
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.count(protocol.PathTaskFailed) > 3 }, 5*time.Second, time.Millisecond,
		"completion reports ignore the attempt limit")
	src.Stop()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("report did not stop")
	}
}

func TestReportChunksOutlastAttemptLimit(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	var mu sync.Mutex
	failures := 5
	m.handle(protocol.PathPushDataChunk, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			writeTestJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "down"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{})
	})
	src := newTestSource(t, m, 0)
	require.NoError(t, src.results.Append(9, rawRecords(`{"s":1}`)))

	_, err := src.ReportOutcome(context.Background(), engine.Outcome{TaskID: 9, Streamed: true, ItemCount: 1}, 0)
	require.NoError(t, err, "chunk pushes must not give up after the polling attempt limit")
	assert.Equal(t, 6, m.count(protocol.PathPushDataChunk))
	assert.Equal(t, 1, m.count(protocol.PathPushDataDone))
	assert.False(t, src.results.Exists(9))
}

func TestReleaseTasksAnnouncesShutdown(t *testing.T) {
	t.Parallel()

	m := newStubMaster(t)
	m.handle(protocol.PathWorkerShutdown, func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusOK, protocol.WorkerShutdownResponse{ReleasedCount: 2})
	})
	src := newTestSource(t, m, 0)
	require.NoError(t, src.results.Append(1, rawRecords(`{"partial":true}`)))

	n, err := src.ReleaseTasks(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.JSONEq(t, `{"inProgressTaskIds":[1,2],"workerId":"w-1"}`, string(m.requests(protocol.PathWorkerShutdown)[0]))
	assert.False(t, src.results.Exists(1))
}
