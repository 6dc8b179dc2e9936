// Package scrapers holds the page-fetching task bodies bundled with the
// engine and the record shapes they emit.
package scrapers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Scraper types, used as the admission key under type granularity.
const (
	TypeHTTP    = "http"
	TypeBrowser = "browser"
)

// ErrAborted is returned by a task body that noticed its task was aborted.
var ErrAborted = errors.New("task aborted")

// Input is the task data accepted by the bundled scrapers.
type Input struct {
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	CollectLinks bool              `json:"collectLinks,omitempty"`
}

// ParseInput decodes and validates task data.
func ParseInput(raw json.RawMessage) (Input, error) {
	var in Input
	if len(raw) == 0 {
		return in, errors.New("task data is required")
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("decode task data: %w", err)
	}
	u, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil {
		return in, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return in, fmt.Errorf("url %q must be absolute http(s)", in.URL)
	}
	in.URL = u.String()
	return in, nil
}

// HTTPHeaders converts the input headers for outgoing requests.
func (in Input) HTTPHeaders() http.Header {
	h := make(http.Header, len(in.Headers))
	for k, v := range in.Headers {
		h.Set(k, v)
	}
	return h
}

// Page is the record emitted for one fetched document.
type Page struct {
	URL        string            `json:"url"`
	FinalURL   string            `json:"finalUrl"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Title      string            `json:"title,omitempty"`
	Body       string            `json:"body"`
	DurationMs int64             `json:"durationMs"`
	Rendered   bool              `json:"rendered"`
	// LikelyDynamic flags plain fetches that look client-rendered; such
	// URLs are better submitted to the browser scraper.
	LikelyDynamic bool `json:"likelyDynamic,omitempty"`
}

// Link is the record emitted for each anchor when links are collected.
type Link struct {
	Source string `json:"source"`
	Href   string `json:"href"`
	Text   string `json:"text,omitempty"`
}

// FlattenHeaders keeps the first value of each header.
func FlattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// Record encodes v as one result record.
func Record(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

// HTMLTitle returns the trimmed text of the document's first <title>, or ""
// when the body is not parseable HTML.
func HTMLTitle(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
