package results

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/taskengine/internal/fsutil"
)

// CacheKey derives the cache entry name for a scraper and its input data:
// "<name>-<sha256(name + canonical(data))>".
func (s *Store) CacheKey(scraperName string, data json.RawMessage) (string, error) {
	digest, err := s.hasher.CanonicalHash(scraperName, data)
	if err != nil {
		return "", fmt.Errorf("cache key for %q: %w", scraperName, err)
	}
	return sanitizeName(scraperName) + "-" + digest, nil
}

func (s *Store) cachePath(key string) string {
	return filepath.Join(s.cacheDir, sanitizeName(key)+fileExt)
}

// CacheHas reports whether a cache entry exists.
func (s *Store) CacheHas(key string) bool {
	_, err := os.Stat(s.cachePath(key))
	return err == nil
}

// CachePut stores a copy of the task's result file under key.
func (s *Store) CachePut(key string, fromTask int64) error {
	unlock := s.locks.Lock("cache:" + key)
	defer unlock()
	src, err := os.Open(s.Path(fromTask))
	if err != nil {
		return wrapOpenErr(fmt.Sprintf("task %d", fromTask), err)
	}
	defer src.Close() //nolint:errcheck // read-only
	err = fsutil.WriteAtomic(s.cachePath(key), func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// CacheCopyTo replaces the task's result file with the cached entry.
func (s *Store) CacheCopyTo(key string, toTask int64) error {
	src, err := os.Open(s.cachePath(key))
	if err != nil {
		return wrapOpenErr("cache "+key, err)
	}
	defer src.Close() //nolint:errcheck // read-only
	unlock := s.lockTask(toTask)
	defer unlock()
	err = fsutil.WriteAtomic(s.Path(toTask), func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache copy %s -> task %d: %w", key, toTask, err)
	}
	return nil
}

// CacheRecords iterates a cache entry.
func (s *Store) CacheRecords(key string) iter.Seq2[json.RawMessage, error] {
	return s.readRecords(s.cachePath(key), "cache "+key)
}

func sanitizeName(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
