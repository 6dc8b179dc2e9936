package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/metrics"
	"github.com/JakeFAU/taskengine/internal/protocol"
	"github.com/JakeFAU/taskengine/internal/task"
)

// StatusError is a non-2xx reply from the master.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
	Reason   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: master replied %d: %s", e.Endpoint, e.Code, e.Message)
}

// Retryable reports whether the call may succeed if repeated.
func (e *StatusError) Retryable() bool {
	if e.Reason == protocol.CodeUnregistered || e.Reason == protocol.CodeKeyKind {
		return false
	}
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Unwrap maps configuration errors reported by the master onto the task
// package sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Reason {
	case protocol.CodeUnregistered:
		return task.ErrUnregistered
	case protocol.CodeKeyKind:
		return task.ErrKeyKind
	default:
		return nil
	}
}

// Client calls the master HTTP API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a Client for the master at rawURL. A nil httpClient gets
// a client with the given per-request timeout.
func NewClient(rawURL string, httpClient *http.Client, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse master url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("master url %q must be http or https", rawURL)
	}
	if httpClient == nil {
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, http: httpClient, logger: logger}, nil
}

// Acquire claims up to max tasks for key.
func (c *Client) Acquire(ctx context.Context, key task.AdmissionKey, max int, policy RetryPolicy) ([]task.Task, error) {
	path, param := protocol.AcquirePath(key.Kind)
	q := url.Values{}
	q.Set(param, key.Value)
	q.Set(protocol.ParamMaxTasks, strconv.Itoa(max))
	var resp protocol.AcquireResponse
	if err := c.call(ctx, http.MethodGet, path, q, nil, &resp, policy); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Completed reports an inline result.
func (c *Client) Completed(ctx context.Context, req protocol.TaskCompleted, policy RetryPolicy) ([]task.Task, error) {
	var resp protocol.NextTasks
	if err := c.call(ctx, http.MethodPost, protocol.PathTaskCompleted, nil, req, &resp, policy); err != nil {
		return nil, err
	}
	return resp.NextTasks, nil
}

// Failed reports a failed execution.
func (c *Client) Failed(ctx context.Context, req protocol.TaskFailed, policy RetryPolicy) ([]task.Task, error) {
	var resp protocol.NextTasks
	if err := c.call(ctx, http.MethodPost, protocol.PathTaskFailed, nil, req, &resp, policy); err != nil {
		return nil, err
	}
	return resp.NextTasks, nil
}

// PushChunk appends records to a task's result file on the master.
func (c *Client) PushChunk(ctx context.Context, req protocol.PushDataChunk, policy RetryPolicy) error {
	return c.call(ctx, http.MethodPost, protocol.PathPushDataChunk, nil, req, nil, policy)
}

// PushComplete finishes a chunked upload.
func (c *Client) PushComplete(ctx context.Context, req protocol.PushDataComplete, policy RetryPolicy) ([]task.Task, error) {
	var resp protocol.NextTasks
	if err := c.call(ctx, http.MethodPost, protocol.PathPushDataDone, nil, req, &resp, policy); err != nil {
		return nil, err
	}
	return resp.NextTasks, nil
}

// Shutdown hands ids back to the master.
func (c *Client) Shutdown(ctx context.Context, req protocol.WorkerShutdown, policy RetryPolicy) (int, error) {
	var resp protocol.WorkerShutdownResponse
	if err := c.call(ctx, http.MethodPost, protocol.PathWorkerShutdown, nil, req, &resp, policy); err != nil {
		return 0, err
	}
	return resp.ReleasedCount, nil
}

// AbortStatus fetches abort flags for ids.
func (c *Client) AbortStatus(ctx context.Context, ids []int64, policy RetryPolicy) (map[int64]bool, error) {
	resp := protocol.AbortStatusResponse{}
	req := protocol.AbortStatusRequest{TaskIDs: ids}
	if err := c.call(ctx, http.MethodPost, protocol.PathAbortStatus, nil, req, &resp, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any, policy RetryPolicy) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
	}
	for attempt := 1; ; attempt++ {
		err := c.do(ctx, method, path, query, payload, out)
		if err == nil {
			return nil
		}
		if !policy.ShouldRetry(err, attempt) {
			return err
		}
		delay := policy.Backoff(attempt)
		metrics.ObserveMasterRetry(path)
		c.logger.Warn("master call failed, retrying",
			zap.String("endpoint", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Endpoint: path, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er protocol.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er) == nil && er.Error != "" {
			se.Message, se.Reason = er.Error, er.Code
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
