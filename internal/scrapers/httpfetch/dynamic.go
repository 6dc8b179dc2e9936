package httpfetch

import (
	"bytes"
	"net/http"
	"strings"
)

// smallBodyThreshold bounds the bodies inspected for script density.
const smallBodyThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// likelyDynamic reports whether a 200 response looks like a client-rendered
// shell whose content only appears after scripts run.
func likelyDynamic(status int, body []byte) bool {
	if status != http.StatusOK {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if len(body) < smallBodyThreshold && scriptHeavy(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether <script> elements cover at least a quarter of body.
func scriptHeavy(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Malformed tag: count the remainder.
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return total > 0 && covered*100/total >= 25
}
