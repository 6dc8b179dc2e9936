// Package uuid generates opaque identifiers for workers and HTTP requests.
package uuid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRequestID returns a random id for request correlation. It never fails.
func (Generator) NewRequestID() string {
	return uuid.NewString()
}

// WorkerID builds a stable-looking worker identity: "<host>-<8 hex chars>".
func (g Generator) WorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, strings.ReplaceAll(g.NewRequestID(), "-", "")[:8])
}
