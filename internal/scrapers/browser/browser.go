// Package browser implements the rendered page task using chromedp and
// headless Chrome.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/taskengine/internal/metrics"
	"github.com/JakeFAU/taskengine/internal/policy/ratelimit"
	"github.com/JakeFAU/taskengine/internal/scrapers"
	"github.com/JakeFAU/taskengine/internal/task"
)

const defaultNavTimeout = 45 * time.Second

// Config controls the behavior of the renderer.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	Settle            time.Duration
	Limiter           *ratelimit.Limiter
}

// Renderer loads pages in headless Chrome and returns the rendered DOM.
// Concurrency is bounded by the admission limit on the browser type.
type Renderer struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a renderer. Chrome is started lazily on the first task.
func New(cfg Config) *Renderer {
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Renderer{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Definition registers the renderer as a task body of type browser.
func (r *Renderer) Definition(name string) task.Definition {
	return task.Definition{Name: name, Type: scrapers.TypeBrowser, Run: r.run}
}

func (r *Renderer) run(ctx context.Context, rc task.RunContext) ([]json.RawMessage, error) {
	in, err := scrapers.ParseInput(rc.Task.Data)
	if err != nil {
		return nil, err
	}
	if rc.IsAborted() {
		return nil, scrapers.ErrAborted
	}
	if err := r.cfg.Limiter.Wait(ctx, in.URL); err != nil {
		return nil, err
	}
	page, err := r.Render(ctx, in)
	if err != nil {
		return nil, err
	}
	rec, err := scrapers.Record(page)
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{rec}, nil
}

// Render navigates to in.URL and captures the document after it settles.
func (r *Renderer) Render(ctx context.Context, in scrapers.Input) (scrapers.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	// Tie the tab to the caller so task cancellation closes it.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := r.runHeadless(tabCtx, in)
	if err != nil {
		metrics.ObserveScraperFetch(scrapers.TypeBrowser, "error", time.Since(start))
		return scrapers.Page{}, err
	}
	metrics.ObserveScraperFetch(scrapers.TypeBrowser, "ok", time.Since(start))

	status, headers, _ := meta.snapshotWithFallbacks(in.URL, finalURL)
	return scrapers.Page{
		URL:        in.URL,
		FinalURL:   finalURL,
		StatusCode: status,
		Headers:    scrapers.FlattenHeaders(headers),
		Title:      scrapers.HTMLTitle(html),
		Body:       html,
		DurationMs: time.Since(start).Milliseconds(),
		Rendered:   true,
	}, nil
}

func (r *Renderer) runHeadless(ctx context.Context, in scrapers.Input) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		r.networkSetupAction(in.HTTPHeaders()),
		chromedp.Navigate(in.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (r *Renderer) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks reports the document response. A page that never
// produced a document event is treated as 200 at the final or requested URL.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
