package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopRun(context.Context, RunContext) ([]json.RawMessage, error) {
	return nil, nil
}

func TestRegistryRegisterValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		def  Definition
		want string
	}{
		{name: "missing name", def: Definition{Type: "http", Run: noopRun}, want: "name is required"},
		{name: "missing type", def: Definition{Name: "a", Run: noopRun}, want: "type is required"},
		{name: "missing run", def: Definition{Name: "a", Type: "http"}, want: "run func is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewRegistry(ByType).Register(tt.def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	reg := NewRegistry(ByType)
	require.NoError(t, reg.Register(Definition{Name: "a", Type: "http", Run: noopRun}))
	require.Error(t, reg.Register(Definition{Name: "a", Type: "http", Run: noopRun}))
}

func TestRegistryKeysByGranularity(t *testing.T) {
	t.Parallel()

	byType := NewRegistry(ByType)
	byName := NewRegistry(ByName)
	for _, reg := range []*Registry{byType, byName} {
		require.NoError(t, reg.Register(Definition{Name: "shop-b", Type: "browser", Run: noopRun}))
		require.NoError(t, reg.Register(Definition{Name: "shop-a", Type: "browser", Run: noopRun}))
		require.NoError(t, reg.Register(Definition{Name: "feed", Type: "http", Run: noopRun}))
	}

	assert.Equal(t, []AdmissionKey{TypeKey("browser"), TypeKey("http")}, byType.Keys())
	assert.Equal(t, []AdmissionKey{NameKey("feed"), NameKey("shop-a"), NameKey("shop-b")}, byName.Keys())
}

func TestRegistryCheckKey(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ByType)
	require.NoError(t, reg.Register(Definition{Name: "feed", Type: "http", Run: noopRun}))

	require.NoError(t, reg.CheckKey(TypeKey("http")))
	require.ErrorIs(t, reg.CheckKey(TypeKey("browser")), ErrUnregistered)
	require.ErrorIs(t, reg.CheckKey(NameKey("feed")), ErrKeyKind)
}

func TestRegistryCheckTask(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ByType)
	require.NoError(t, reg.Register(Definition{Name: "feed", Type: "http", Run: noopRun}))

	require.NoError(t, reg.CheckTask(Task{ID: 1, ScraperName: "feed", ScraperType: "http"}))
	require.ErrorIs(t, reg.CheckTask(Task{ID: 2, ScraperName: "other", ScraperType: "http"}), ErrUnregistered)
	require.ErrorIs(t, reg.CheckTask(Task{ID: 3, ScraperName: "feed", ScraperType: "browser"}), ErrUnregistered)
}

func TestRegistryLimitsAndTimeouts(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(ByType)
	require.NoError(t, reg.Register(Definition{Name: "feed", Type: "Browser", Run: noopRun}))
	require.NoError(t, reg.SetLimit("browser", 2))
	require.Error(t, reg.SetLimit("http", 0))
	require.NoError(t, reg.SetStaleTimeout("browser", time.Hour))
	reg.SetDefaultStaleTimeout(2 * time.Hour)

	limit, bounded := reg.Limit(TypeKey("Browser"))
	assert.True(t, bounded)
	assert.Equal(t, 2, limit)
	_, bounded = reg.Limit(TypeKey("http"))
	assert.False(t, bounded)

	assert.Equal(t, time.Hour, reg.StaleTimeout(TypeKey("Browser")))
	assert.Equal(t, 2*time.Hour, reg.StaleTimeout(TypeKey("http")))
	assert.Equal(t, map[AdmissionKey]int{TypeKey("Browser"): 2}, reg.Limits())
}

func TestRunContextPushAndAbort(t *testing.T) {
	t.Parallel()

	var pushed []json.RawMessage
	rc := NewRunContext(Task{ID: 9}, func() bool { return true }, func(records []json.RawMessage) error {
		pushed = append(pushed, records...)
		return nil
	})
	require.True(t, rc.IsAborted())
	require.NoError(t, rc.Push(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))
	require.NoError(t, rc.Push())
	require.Len(t, pushed, 2)

	bare := RunContext{}
	require.False(t, bare.IsAborted())
	require.Error(t, bare.Push(json.RawMessage(`{}`)))
}

func TestTaskDurationAndClone(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	finish := start.Add(5 * time.Second)
	parent := int64(7)
	tk := Task{ID: 1, StartedAt: &start, ParentTaskID: &parent, Data: json.RawMessage(`{"x":1}`)}

	assert.Equal(t, 3*time.Second, tk.Duration(start.Add(3*time.Second)))
	tk.FinishedAt = &finish
	assert.Equal(t, 5*time.Second, tk.Duration(start.Add(time.Hour)))
	assert.Zero(t, Task{}.Duration(finish))

	cp := tk.Clone()
	*cp.ParentTaskID = 99
	cp.Data[2] = 'y'
	assert.Equal(t, int64(7), *tk.ParentTaskID)
	assert.Equal(t, `{"x":1}`, string(tk.Data))
}

func TestParseKeyKind(t *testing.T) {
	t.Parallel()

	kind, err := ParseKeyKind(" Name ")
	require.NoError(t, err)
	assert.Equal(t, ByName, kind)
	_, err = ParseKeyKind("category")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnregistered))
}

func TestFilterMatchAndPatchApply(t *testing.T) {
	t.Parallel()

	parent := int64(3)
	started := time.Unix(50, 0)
	tk := Task{ID: 4, Status: StatusInProgress, ScraperType: "http", ParentTaskID: &parent, StartedAt: &started}

	assert.True(t, Filter{Statuses: []Status{StatusInProgress}, Key: TypeKey("http"), ParentID: &parent}.Match(tk))
	assert.True(t, Filter{StartedBefore: time.Unix(60, 0)}.Match(tk))
	assert.False(t, Filter{StartedBefore: time.Unix(40, 0)}.Match(tk))
	assert.False(t, Filter{IsAllTask: Ptr(true)}.Match(tk))

	Patch{Status: StatusPending, Priority: Ptr(PriorityUrgent), ClearStartedAt: true}.Apply(&tk)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, PriorityUrgent, tk.Priority)
	assert.Nil(t, tk.StartedAt)
}
