package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Func is a task body. It returns buffered records, or nil when it streamed its
// output through RunContext.Push.
type Func func(ctx context.Context, rc RunContext) ([]json.RawMessage, error)

// RunContext is handed to a running task body.
type RunContext struct {
	Task    Task
	aborted func() bool
	push    func([]json.RawMessage) error
}

// NewRunContext binds the abort predicate and push sink for one execution.
func NewRunContext(t Task, aborted func() bool, push func([]json.RawMessage) error) RunContext {
	return RunContext{Task: t, aborted: aborted, push: push}
}

// IsAborted reports whether the task was aborted or otherwise taken away from
// this executor. The first call registers the task for batched checks.
func (rc RunContext) IsAborted() bool {
	if rc.aborted == nil {
		return false
	}
	return rc.aborted()
}

// Push appends records to the task result immediately.
func (rc RunContext) Push(records ...json.RawMessage) error {
	if rc.push == nil {
		return errors.New("push is not supported in this context")
	}
	if len(records) == 0 {
		return nil
	}
	return rc.push(records)
}

// Definition registers a task body under a scraper name and type.
type Definition struct {
	Name      string
	Type      string
	Run       Func
	DontCache bool
}

// Registry maps scraper names to definitions and carries per-key limits and
// stale timeouts. Populate it at startup; it is read-only afterwards.
type Registry struct {
	kind           KeyKind
	byName         map[string]Definition
	limits         map[string]int
	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
}

// DefaultStaleTimeout is how long a claimed task may stay in progress before
// the stale sweep hands it out again.
const DefaultStaleTimeout = 8 * time.Hour

// NewRegistry creates an empty registry keyed by kind.
func NewRegistry(kind KeyKind) *Registry {
	return &Registry{
		kind:           kind,
		byName:         make(map[string]Definition),
		limits:         make(map[string]int),
		timeouts:       make(map[string]time.Duration),
		defaultTimeout: DefaultStaleTimeout,
	}
}

// Kind returns the admission granularity.
func (r *Registry) Kind() KeyKind {
	return r.kind
}

// Register adds a definition.
func (r *Registry) Register(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("definition name is required")
	}
	if strings.TrimSpace(def.Type) == "" {
		return fmt.Errorf("definition %q: type is required", def.Name)
	}
	if def.Run == nil {
		return fmt.Errorf("definition %q: run func is required", def.Name)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("definition %q already registered", def.Name)
	}
	r.byName[def.Name] = def
	return nil
}

// SetLimit bounds concurrency for the key value. Values are matched case-insensitively.
func (r *Registry) SetLimit(value string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("admission limit for %q must be > 0, got %d", value, limit)
	}
	r.limits[normalize(value)] = limit
	return nil
}

// SetStaleTimeout overrides the stale timeout for one key value.
func (r *Registry) SetStaleTimeout(value string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("stale timeout for %q must be > 0", value)
	}
	r.timeouts[normalize(value)] = d
	return nil
}

// SetDefaultStaleTimeout changes the fallback stale timeout.
func (r *Registry) SetDefaultStaleTimeout(d time.Duration) {
	if d > 0 {
		r.defaultTimeout = d
	}
}

// Definition looks up the body for a scraper name.
func (r *Registry) Definition(name string) (Definition, error) {
	def, ok := r.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("scraper %q: %w", name, ErrUnregistered)
	}
	return def, nil
}

// KeyOf derives the admission key for t.
func (r *Registry) KeyOf(t Task) AdmissionKey {
	return KeyOf(r.kind, t)
}

// Keys returns every admission key served by a registered definition, sorted.
func (r *Registry) Keys() []AdmissionKey {
	seen := make(map[string]struct{}, len(r.byName))
	keys := make([]AdmissionKey, 0, len(r.byName))
	for _, def := range r.byName {
		value := def.Type
		if r.kind == ByName {
			value = def.Name
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		keys = append(keys, AdmissionKey{Kind: r.kind, Value: value})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Value < keys[j].Value })
	return keys
}

// CheckKey fails when key uses the wrong granularity or has no definition.
func (r *Registry) CheckKey(key AdmissionKey) error {
	if key.Kind != r.kind {
		return fmt.Errorf("admission key %s does not match granularity %q: %w", key, r.kind, ErrKeyKind)
	}
	for _, def := range r.byName {
		if (r.kind == ByName && def.Name == key.Value) || (r.kind == ByType && def.Type == key.Value) {
			return nil
		}
	}
	return fmt.Errorf("admission key %s: %w", key, ErrUnregistered)
}

// CheckTask fails when no definition can run t.
func (r *Registry) CheckTask(t Task) error {
	def, err := r.Definition(t.ScraperName)
	if err != nil {
		return fmt.Errorf("task %d: %w", t.ID, err)
	}
	if r.kind == ByType && def.Type != t.ScraperType {
		return fmt.Errorf("task %d: scraper %q is registered with type %q, not %q: %w",
			t.ID, t.ScraperName, def.Type, t.ScraperType, ErrUnregistered)
	}
	return nil
}

// Limit returns the concurrency limit for key; bounded is false when unlimited.
func (r *Registry) Limit(key AdmissionKey) (limit int, bounded bool) {
	limit, bounded = r.limits[normalize(key.Value)]
	return limit, bounded
}

// Limits returns a copy of the configured limits keyed by admission key.
func (r *Registry) Limits() map[AdmissionKey]int {
	out := make(map[AdmissionKey]int, len(r.limits))
	for _, key := range r.Keys() {
		if limit, ok := r.Limit(key); ok {
			out[key] = limit
		}
	}
	return out
}

// StaleTimeout returns the visibility timeout for key.
func (r *Registry) StaleTimeout(key AdmissionKey) time.Duration {
	if d, ok := r.timeouts[normalize(key.Value)]; ok {
		return d
	}
	return r.defaultTimeout
}

// ErrKeyKind is returned when a caller asks for a key of the other granularity.
var ErrKeyKind = errors.New("admission key kind mismatch")

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
