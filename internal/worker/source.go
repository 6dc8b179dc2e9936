package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/protocol"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/task"
)

// Chunk sizing for pushed results.
const (
	chunkBudgetBytes = 100 << 20
	minChunkRecords  = 10
	maxChunkRecords  = 10000
)

// RemoteSource implements engine.Source against a master over HTTP. Results
// produced by the local Runner live in a worker-local results store until
// they are reported.
type RemoteSource struct {
	client   *Client
	results  *results.Store
	workerID string
	retry    RetryPolicy
	logger   *zap.Logger

	// reportMu serializes outcome reports.
	reportMu sync.Mutex

	mu      sync.Mutex
	claimed map[int64]task.Task

	stopOnce sync.Once
	stop     chan struct{}
}

var _ engine.Source = (*RemoteSource)(nil)

// NewRemoteSource builds a RemoteSource.
func NewRemoteSource(client *Client, res *results.Store, workerID string, retry RetryPolicy, logger *zap.Logger) *RemoteSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteSource{
		client:   client,
		results:  res,
		workerID: workerID,
		retry:    retry,
		logger:   logger.Named("remote"),
		claimed:  make(map[int64]task.Task),
		stop:     make(chan struct{}),
	}
}

// Stop ends retries of pending reports.
func (s *RemoteSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// untilStopped derives a context that also ends when Stop is called.
func (s *RemoteSource) untilStopped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *RemoteSource) remember(tasks []task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.claimed[t.ID] = t
	}
}

func (s *RemoteSource) forget(id int64) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.claimed[id]
	delete(s.claimed, id)
	return t, ok
}

// PollPending implements engine.Source.
func (s *RemoteSource) PollPending(ctx context.Context, key task.AdmissionKey, max int) ([]task.Task, error) {
	tasks, err := s.client.Acquire(ctx, key, max, s.retry)
	if err != nil {
		return nil, err
	}
	s.remember(tasks)
	return tasks, nil
}

// CheckAborted implements engine.Source. A single attempt is made; the
// watcher retries on its next tick.
func (s *RemoteSource) CheckAborted(ctx context.Context, ids []int64) (map[int64]bool, error) {
	return s.client.AbortStatus(ctx, ids, RetryPolicy{MaxAttempts: 1})
}

// ReleaseTasks implements engine.Source by announcing a worker shutdown.
func (s *RemoteSource) ReleaseTasks(ctx context.Context, ids []int64) (int, error) {
	n, err := s.client.Shutdown(ctx, protocol.WorkerShutdown{InProgressTaskIDs: ids, WorkerID: s.workerID}, s.retry)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.forget(id)
		if err := s.results.Delete(id); err != nil {
			s.logger.Warn("failed to drop local results", zap.Int64("task_id", id), zap.Error(err))
		}
	}
	return n, nil
}

// ReportOutcome implements engine.Source. Reports are sent one at a time and
// retried until they succeed, a non-retryable error comes back or Stop is
// called.
func (s *RemoteSource) ReportOutcome(ctx context.Context, o engine.Outcome, capacity int) ([]task.Task, error) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	ctx, cancel := s.untilStopped(ctx)
	defer cancel()

	t, ok := s.forget(o.TaskID)
	if !ok {
		t = task.Task{ID: o.TaskID}
	}
	defer func() {
		if err := s.results.Delete(o.TaskID); err != nil {
			s.logger.Warn("failed to drop local results", zap.Int64("task_id", o.TaskID), zap.Error(err))
		}
	}()

	next, err := s.report(ctx, t, o, capacity)
	if err != nil {
		return nil, fmt.Errorf("report task %d: %w", o.TaskID, err)
	}
	s.remember(next)
	return next, nil
}

func (s *RemoteSource) report(ctx context.Context, t task.Task, o engine.Outcome, capacity int) ([]task.Task, error) {
	forever := s.retry.Forever()
	if o.Failed {
		return s.client.Failed(ctx, protocol.TaskFailed{
			TaskID:       o.TaskID,
			Error:        o.Error,
			ParentTaskID: t.ParentTaskID,
			Capacity:     capacity,
			WorkerID:     s.workerID,
		}, forever)
	}
	if !o.Streamed && !s.results.IsLarge(encodedSize(o.Records)) {
		return s.client.Completed(ctx, protocol.TaskCompleted{
			TaskID:       o.TaskID,
			Result:       nonNil(o.Records),
			IsDontCache:  o.DontCache,
			ScraperName:  t.ScraperName,
			TaskData:     t.Data,
			ParentTaskID: t.ParentTaskID,
			Capacity:     capacity,
			WorkerID:     s.workerID,
		}, forever)
	}

	count, err := s.pushChunks(ctx, o)
	if err != nil {
		return nil, err
	}
	return s.client.PushComplete(ctx, protocol.PushDataComplete{
		TaskID:       o.TaskID,
		ItemCount:    count,
		IsDontCache:  o.DontCache,
		ScraperName:  t.ScraperName,
		TaskData:     t.Data,
		ParentTaskID: t.ParentTaskID,
		Capacity:     capacity,
		WorkerID:     s.workerID,
	}, forever)
}

// pushChunks uploads the outcome's records and returns how many were sent.
func (s *RemoteSource) pushChunks(ctx context.Context, o engine.Outcome) (int64, error) {
	if !o.Streamed {
		size := chunkSize(encodedSize(o.Records), int64(len(o.Records)))
		for start := 0; start < len(o.Records); start += size {
			end := min(start+size, len(o.Records))
			if err := s.push(ctx, o.TaskID, o.Records[start:end]); err != nil {
				return 0, err
			}
		}
		return int64(len(o.Records)), nil
	}

	bytes, err := s.results.Size(o.TaskID)
	if errors.Is(err, results.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := s.results.Count(o.TaskID)
	if err != nil {
		return 0, err
	}
	size := chunkSize(bytes, count)
	chunk := make([]json.RawMessage, 0, min(size, int(count)))
	var sent int64
	for rec, err := range s.results.Records(o.TaskID) {
		if err != nil {
			return sent, err
		}
		chunk = append(chunk, rec)
		if len(chunk) == size {
			if err := s.push(ctx, o.TaskID, chunk); err != nil {
				return sent, err
			}
			sent += int64(len(chunk))
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		if err := s.push(ctx, o.TaskID, chunk); err != nil {
			return sent, err
		}
		sent += int64(len(chunk))
	}
	return sent, nil
}

// push uploads one chunk, retrying until it lands or Stop is called.
func (s *RemoteSource) push(ctx context.Context, taskID int64, chunk []json.RawMessage) error {
	return s.client.PushChunk(ctx, protocol.PushDataChunk{TaskID: taskID, Chunk: chunk}, s.retry.Forever())
}

// chunkSize picks how many records fit a chunk given the average encoded
// record size.
func chunkSize(bytes, count int64) int {
	if count <= 0 || bytes <= 0 {
		return maxChunkRecords
	}
	perRecord := max(bytes/count, 1)
	n := chunkBudgetBytes / perRecord
	return int(min(max(n, minChunkRecords), maxChunkRecords))
}

func encodedSize(records []json.RawMessage) int64 {
	var n int64
	for _, rec := range records {
		n += int64(len(rec)) + 1
	}
	return n
}

func nonNil(records []json.RawMessage) []json.RawMessage {
	if records == nil {
		return []json.RawMessage{}
	}
	return records
}
