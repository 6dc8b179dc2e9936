package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/id/counter"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/storage/memory"
	"github.com/JakeFAU/taskengine/internal/task"
)

type unreachableStore struct {
	*memory.TaskStore
}

func (unreachableStore) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	store  *memory.TaskStore
	coord  *engine.Coordinator
	server *Server
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	opts  Options
	kind  task.KeyKind
	store task.Store
}

func withOptions(opts Options) fixtureOption {
	return func(c *fixtureConfig) { c.opts = opts }
}

func byName() fixtureOption {
	return func(c *fixtureConfig) { c.kind = task.ByName }
}

func unreachable() fixtureOption {
	return func(c *fixtureConfig) { c.store = unreachableStore{memory.NewTaskStore()} }
}

func newFixture(t *testing.T, options ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{opts: Options{Mode: engine.ModeMaster}, kind: task.ByType}
	for _, o := range options {
		o(&cfg)
	}
	dir := t.TempDir()
	res, err := results.New(results.Config{Dir: filepath.Join(dir, "results")})
	require.NoError(t, err)
	registry := task.NewRegistry(cfg.kind)
	noop := func(context.Context, task.RunContext) ([]json.RawMessage, error) { return nil, nil }
	require.NoError(t, registry.Register(task.Definition{Name: "feed", Type: "http", Run: noop, DontCache: true}))
	ids, err := counter.Open(filepath.Join(dir, "counter"), 0, nil)
	require.NoError(t, err)

	store := memory.NewTaskStore()
	var backing task.Store = store
	if cfg.store != nil {
		backing = cfg.store
	}
	coord, err := engine.NewCoordinator(engine.Deps{Store: backing, Results: res, Registry: registry, IDs: ids})
	require.NoError(t, err)
	return &fixture{store: store, coord: coord, server: NewServer(coord, cfg.opts, nil)}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) submit(t *testing.T, sub engine.Submission) []task.Task {
	t.Helper()
	tasks, err := f.coord.Submit(context.Background(), sub)
	require.NoError(t, err)
	return tasks
}

func (f *fixture) get(t *testing.T, id int64) task.Task {
	t.Helper()
	got, err := f.coord.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}


func nopLogger() *zap.Logger { return zap.NewNop() }

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
