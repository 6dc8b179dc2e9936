package worker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskengine/internal/protocol"
	"github.com/JakeFAU/taskengine/internal/results"
)

// stubMaster records every call and replies from per-path handlers.
type stubMaster struct {
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]json.RawMessage
	handlers map[string]http.HandlerFunc
	srv      *httptest.Server
}

func newStubMaster(t *testing.T) *stubMaster {
	t.Helper()
	m := &stubMaster{
		calls:    make(map[string]int),
		bodies:   make(map[string][]json.RawMessage),
		handlers: make(map[string]http.HandlerFunc),
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *stubMaster) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

func (m *stubMaster) serve(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	m.mu.Lock()
	m.calls[r.URL.Path]++
	if len(body) > 0 {
		m.bodies[r.URL.Path] = append(m.bodies[r.URL.Path], body)
	}
	h := m.handlers[r.URL.Path]
	m.mu.Unlock()
	if h == nil {
		writeTestJSON(w, http.StatusOK, map[string]any{})
		return
	}
	h(w, r)
}

func (m *stubMaster) count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

func (m *stubMaster) requests(path string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.bodies[path]...)
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func failWith(status int, code string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, status, protocol.ErrorResponse{Error: "nope", Code: code})
	}
}

// fastRetry keeps retry tests quick.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestResults(t *testing.T, largeThreshold int64) *results.Store {
	t.Helper()
	res, err := results.New(results.Config{
		Dir:            t.TempDir(),
		LargeThreshold: largeThreshold,
		TotalMemory:    func() uint64 { return 0 },
	})
	require.NoError(t, err)
	return res
}

func newTestClient(t *testing.T, m *stubMaster) *Client {
	t.Helper()
	c, err := NewClient(m.srv.URL, m.srv.Client(), 0, nil)
	require.NoError(t, err)
	return c
}

func rawRecords(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		out = append(out, json.RawMessage(v))
	}
	return out
}
