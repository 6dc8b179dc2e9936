package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func routeSamples(t *testing.T, method, route string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs, ok := httpRequestDurationSeconds.WithLabelValues(method, route).(prometheus.Metric)
	if !ok {
		t.Fatalf("duration observer for %s %s is not a metric", method, route)
	}
	if err := obs.Write(m); err != nil {
		t.Fatalf("write %s %s: %v", method, route, err)
	}
	return m.GetHistogram().GetSampleCount()
}

func getPath(t *testing.T, url string) {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test server
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Log(err)
	}
}

func TestMiddlewareLabelsRoutePatterns(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/tasks/{task_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/acquire-tasks-by-type", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	conflictBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409"))
	taskBefore := routeSamples(t, "GET", "/v1/tasks/{task_id}")
	acquireBefore := routeSamples(t, "POST", "/acquire-tasks-by-type")
	unknownBefore := routeSamples(t, "GET", "unknown")

	getPath(t, ts.URL+"/v1/tasks/41")
	getPath(t, ts.URL+"/v1/tasks/42")
	getPath(t, ts.URL+"/v1/nothing-here")
	resp, err := http.Post(ts.URL+"/acquire-tasks-by-type", "application/json", nil) //nolint:noctx // test server
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Log(err)
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")) - okBefore; val != 2 {
		t.Errorf("Expected 2 successful task lookups, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409")) - conflictBefore; val != 1 {
		t.Errorf("Expected 1 rejected acquire, got %f", val)
	}
	if got := routeSamples(t, "GET", "/v1/tasks/{task_id}") - taskBefore; got != 2 {
		t.Errorf("Expected both task ids under one route label, got %d samples", got)
	}
	if got := routeSamples(t, "POST", "/acquire-tasks-by-type") - acquireBefore; got != 1 {
		t.Errorf("Expected 1 acquire sample, got %d", got)
	}
	if got := routeSamples(t, "GET", "unknown") - unknownBefore; got != 1 {
		t.Errorf("Expected unmatched path to be labeled unknown, got %d samples", got)
	}
}
