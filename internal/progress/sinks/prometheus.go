package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/taskengine/internal/progress"
)

// PrometheusSink exports task lifecycle metrics. It owns the transition
// counters, the running gauge and the runtime histogram.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	running     *prometheus.GaugeVec
	runtime     *prometheus.HistogramVec
	records     *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskengine_task_transitions_total",
			Help: "Task lifecycle transitions partitioned by stage and admission key.",
		}, []string{"stage", "key"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskengine_tasks_running",
			Help: "Tasks currently claimed and not yet finished, per admission key.",
		}, []string{"key"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskengine_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 14400, 28800},
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskengine_task_records_total",
			Help: "Records produced by completed tasks, per admission key.",
		}, []string{"key"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{s.transitions, s.running, s.runtime, s.records} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	key := evt.Key
	if key == "" {
		key = "unknown"
	}
	s.transitions.WithLabelValues(string(evt.Stage), key).Inc()

	switch evt.Stage {
	case progress.StageClaimed:
		if s.tracker.start(evt.TaskID, key) {
			s.running.WithLabelValues(key).Inc()
		}
		return
	case progress.StageCompleted:
		if !evt.IsAllTask {
			s.records.WithLabelValues(key).Add(float64(evt.ResultCount))
		}
		s.observeRuntime(evt, "success")
	case progress.StageFailed:
		s.observeRuntime(evt, "error")
	case progress.StageAborted:
		s.observeRuntime(evt, "aborted")
	case progress.StageReleased, progress.StageRecovered, progress.StageCacheHit:
	default:
		return
	}
	if runningKey, ok := s.tracker.complete(evt.TaskID); ok {
		s.running.WithLabelValues(runningKey).Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 && !evt.IsAllTask {
		s.runtime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[int64]string
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[int64]string)}
}

func (t *taskTracker) start(id int64, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = key
	return true
}

func (t *taskTracker) complete(id int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.running[id]
	if !ok {
		return "", false
	}
	delete(t.running, id)
	return key, true
}
