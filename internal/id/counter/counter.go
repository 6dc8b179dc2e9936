// Package counter allocates monotonically increasing task ids backed by a
// small counter file.
package counter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/fsutil"
)

// Counter hands out task ids. Every allocation is persisted before it is
// returned, so a restart never reissues an id.
type Counter struct {
	mu   sync.Mutex
	path string
	last int64
}

// Open seeds a Counter from the counter file at path. floor is the largest id
// already present in the task store; it wins when the file is missing, corrupt
// or behind.
func Open(path string, floor int64, logger *zap.Logger) (*Counter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("counter file path is required")
	}
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	last := floor
	stored, err := readCounter(path)
	switch {
	case err == nil:
		if stored > last {
			last = stored
		} else if stored < floor {
			logger.Warn("counter file behind task store, using store max",
				zap.Int64("file", stored), zap.Int64("store_max", floor))
		}
	case errors.Is(err, os.ErrNotExist):
		logger.Info("counter file missing, seeding from task store", zap.Int64("store_max", floor))
	default:
		logger.Warn("counter file unreadable, seeding from task store",
			zap.Error(err), zap.Int64("store_max", floor))
	}
	c := &Counter{path: path, last: last}
	if err := c.persist(last); err != nil {
		return nil, err
	}
	return c, nil
}

// Next allocates one id.
func (c *Counter) Next() (int64, error) {
	first, err := c.NextN(1)
	if err != nil {
		return 0, err
	}
	return first, nil
}

// NextN allocates n consecutive ids and returns the first.
func (c *Counter) NextN(n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("allocate %d ids: count must be > 0", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.last + int64(n)
	if err := c.persist(next); err != nil {
		return 0, err
	}
	first := c.last + 1
	c.last = next
	return first, nil
}

// Last returns the most recently issued id.
func (c *Counter) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Counter) persist(value int64) error {
	err := fsutil.WriteAtomic(c.path, func(w io.Writer) error {
		_, err := io.WriteString(w, strconv.FormatInt(value, 10))
		return err
	})
	if err != nil {
		return fmt.Errorf("persist id counter: %w", err)
	}
	return nil
}

func readCounter(path string) (int64, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration.
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter file: %w", err)
	}
	if value < 0 {
		return 0, fmt.Errorf("parse counter file: negative value %d", value)
	}
	return value, nil
}
