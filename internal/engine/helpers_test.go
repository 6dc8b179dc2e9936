package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/id/counter"
	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/storage/memory"
	"github.com/JakeFAU/taskengine/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) Stages(taskID int64) []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, evt := range r.events {
		if evt.TaskID == taskID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

type harness struct {
	store    *memory.TaskStore
	results  *results.Store
	registry *task.Registry
	clock    *fakeClock
	events   *recorder
	coord    *Coordinator
	dir      string
}

func newHarness(t *testing.T, kind task.KeyKind, defs ...task.Definition) *harness {
	t.Helper()
	dir := t.TempDir()
	res, err := results.New(results.Config{Dir: filepath.Join(dir, "results")})
	require.NoError(t, err)
	registry := task.NewRegistry(kind)
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	store := memory.NewTaskStore()
	ids, err := counter.Open(filepath.Join(dir, "counter"), 0, nil)
	require.NoError(t, err)

	h := &harness{
		store:    store,
		results:  res,
		registry: registry,
		clock:    newFakeClock(),
		events:   &recorder{},
		dir:      dir,
	}
	h.coord, err = NewCoordinator(Deps{
		Store:    store,
		Results:  res,
		Registry: registry,
		IDs:      ids,
		Clock:    h.clock,
		Events:   h.events,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) seed(t *testing.T, tasks ...task.Task) {
	t.Helper()
	_, err := h.store.Insert(context.Background(), tasks)
	require.NoError(t, err)
}

func (h *harness) get(t *testing.T, id int64) task.Task {
	t.Helper()
	got, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (h *harness) records(t *testing.T, id int64) []string {
	t.Helper()
	var out []string
	for rec, err := range h.results.Records(id) {
		require.NoError(t, err)
		out = append(out, string(rec))
	}
	return out
}

// def builds a non-caching definition; tasks without data would otherwise
// share one cache entry.
func def(name, typ string, run task.Func) task.Definition {
	return task.Definition{Name: name, Type: typ, Run: run, DontCache: true}
}

func returning(records ...string) task.Func {
	return func(context.Context, task.RunContext) ([]json.RawMessage, error) {
		return raw(records...), nil
	}
}

func raw(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		out = append(out, json.RawMessage(v))
	}
	return out
}

func pendingTask(id int64, name, typ string, sortID int64) task.Task {
	return task.Task{ID: id, Status: task.StatusPending, ScraperName: name, ScraperType: typ, SortID: sortID}
}

func ids(tasks []task.Task) []int64 {
	out := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
