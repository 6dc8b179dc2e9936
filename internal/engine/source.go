package engine

import (
	"context"

	"github.com/JakeFAU/taskengine/internal/task"
)

// Source supplies work to a Runner and accepts its outcomes.
type Source interface {
	// PollPending claims up to max tasks for key.
	PollPending(ctx context.Context, key task.AdmissionKey, max int) ([]task.Task, error)
	// ReportOutcome stores an outcome and may return more claimed tasks of
	// the same key, up to capacity.
	ReportOutcome(ctx context.Context, o Outcome, capacity int) ([]task.Task, error)
	// CheckAborted reports which of ids should stop.
	CheckAborted(ctx context.Context, ids []int64) (map[int64]bool, error)
	// ReleaseTasks hands claimed tasks back before shutdown.
	ReleaseTasks(ctx context.Context, ids []int64) (int, error)
}

// LocalSource serves a Runner straight from a Coordinator in the same
// process.
type LocalSource struct {
	coord *Coordinator
}

var _ Source = (*LocalSource)(nil)

// NewLocalSource wraps coord.
func NewLocalSource(coord *Coordinator) *LocalSource {
	return &LocalSource{coord: coord}
}

// PollPending implements Source.
func (s *LocalSource) PollPending(ctx context.Context, key task.AdmissionKey, max int) ([]task.Task, error) {
	return s.coord.Acquire(ctx, key, max)
}

// ReportOutcome implements Source.
func (s *LocalSource) ReportOutcome(ctx context.Context, o Outcome, capacity int) ([]task.Task, error) {
	return s.coord.Report(ctx, o, capacity)
}

// CheckAborted implements Source.
func (s *LocalSource) CheckAborted(ctx context.Context, ids []int64) (map[int64]bool, error) {
	return s.coord.AbortStatuses(ctx, ids)
}

// ReleaseTasks implements Source.
func (s *LocalSource) ReleaseTasks(ctx context.Context, ids []int64) (int, error) {
	return s.coord.Release(ctx, ids)
}
