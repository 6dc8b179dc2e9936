// Package httpfetch implements the plain HTTP page task using gocolly.
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/taskengine/internal/metrics"
	"github.com/JakeFAU/taskengine/internal/policy/ratelimit"
	"github.com/JakeFAU/taskengine/internal/scrapers"
	"github.com/JakeFAU/taskengine/internal/task"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Limiter       *ratelimit.Limiter
}

// Fetcher fetches pages with a Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{cfg: cfg, transport: transport, baseCollector: c}
}

// Definition registers the fetcher as a task body of type http.
func (f *Fetcher) Definition(name string) task.Definition {
	return task.Definition{Name: name, Type: scrapers.TypeHTTP, Run: f.run}
}

func (f *Fetcher) run(ctx context.Context, rc task.RunContext) ([]json.RawMessage, error) {
	in, err := scrapers.ParseInput(rc.Task.Data)
	if err != nil {
		return nil, err
	}
	if rc.IsAborted() {
		return nil, scrapers.ErrAborted
	}
	if err := f.cfg.Limiter.Wait(ctx, in.URL); err != nil {
		return nil, err
	}

	var links []scrapers.Link
	page, err := f.Fetch(ctx, in, func(l scrapers.Link) { links = append(links, l) })
	if err != nil {
		return nil, err
	}
	if len(links) > 0 {
		out := make([]json.RawMessage, 0, len(links))
		for _, l := range links {
			rec, err := scrapers.Record(l)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		if err := rc.Push(out...); err != nil {
			return nil, fmt.Errorf("push links: %w", err)
		}
	}
	rec, err := scrapers.Record(page)
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{rec}, nil
}

// Fetch executes a single GET. onLink, when non-nil and in.CollectLinks is
// set, receives every resolved anchor on the page.
func (f *Fetcher) Fetch(ctx context.Context, in scrapers.Input, onLink func(scrapers.Link)) (scrapers.Page, error) {
	var (
		result   scrapers.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector()
	if !in.CollectLinks {
		onLink = nil
	}
	f.configureCollectorHooks(collector, in, start, &result, &fetchErr, onLink)

	if err := runCollector(ctx, collector, in.URL, &fetchErr); err != nil {
		metrics.ObserveScraperFetch(scrapers.TypeHTTP, "error", time.Since(start))
		return scrapers.Page{}, err
	}
	metrics.ObserveScraperFetch(scrapers.TypeHTTP, "ok", time.Since(start))
	return result, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	in scrapers.Input,
	start time.Time,
	result *scrapers.Page,
	fetchErr *error,
	onLink func(scrapers.Link),
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range in.Headers {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = *r.Headers
		}
		*result = scrapers.Page{
			URL:        in.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    scrapers.FlattenHeaders(headers),
			Title:      htmlTitle(headers, r.Body),
			Body:       string(r.Body),
			DurationMs: time.Since(start).Milliseconds(),

			LikelyDynamic: likelyDynamic(r.StatusCode, r.Body),
		}
	})

	if onLink != nil {
		hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
			href := e.Request.AbsoluteURL(e.Attr("href"))
			if href == "" {
				return
			}
			onLink(scrapers.Link{Source: in.URL, Href: href, Text: strings.TrimSpace(e.Text)})
		})
	}

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func htmlTitle(headers http.Header, body []byte) string {
	if ct := headers.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return ""
	}
	return scrapers.HTMLTitle(string(body))
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
