package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/taskengine/internal/task"
)

// TaskStore provides an in-memory task.Store for standalone runs and tests.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[int64]task.Task
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[int64]task.Task)}
}

// Insert stores tasks whose ids were allocated by the caller.
func (s *TaskStore) Insert(_ context.Context, tasks []task.Task) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; exists {
			return nil, fmt.Errorf("task %d already exists", t.ID)
		}
	}
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
		out = append(out, t.Clone())
	}
	return out, nil
}

// Get fetches a task by id.
func (s *TaskStore) Get(_ context.Context, id int64) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("task %d: %w", id, task.ErrNotFound)
	}
	return t.Clone(), nil
}

// FindPending returns pending non-parent tasks for key, most urgent first.
func (s *TaskStore) FindPending(_ context.Context, key task.AdmissionKey, limit int) ([]task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPending || t.IsAllTask || !key.Matches(t) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].SortID != out[j].SortID {
			return out[i].SortID > out[j].SortID
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns tasks matching filter ordered by id.
func (s *TaskStore) List(_ context.Context, filter task.Filter) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.tasks))
	var out []task.Task
	for _, id := range ids {
		t := s.tasks[id]
		if !filter.Match(t) {
			continue
		}
		out = append(out, t.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// UpdateStatus applies patch to every id whose status is in from.
func (s *TaskStore) UpdateStatus(_ context.Context, ids []int64, from []task.Status, patch task.Patch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if len(from) > 0 && !slices.Contains(from, t.Status) {
			continue
		}
		patch.Apply(&t)
		s.tasks[id] = t
		changed++
	}
	return changed, nil
}

// CountChildrenByStatus tallies the children of parentID by status.
func (s *TaskStore) CountChildrenByStatus(_ context.Context, parentID int64) (map[task.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[task.Status]int64)
	for _, t := range s.tasks {
		if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// Statuses returns the status of each id that exists.
func (s *TaskStore) Statuses(_ context.Context, ids []int64) (map[int64]task.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]task.Status, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out[id] = t.Status
		}
	}
	return out, nil
}

// MaxID returns the highest stored id, or zero when empty.
func (s *TaskStore) MaxID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var highest int64
	for id := range s.tasks {
		highest = max(highest, id)
	}
	return highest, nil
}

// Ping always succeeds.
func (s *TaskStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *TaskStore) Close() error { return nil }
