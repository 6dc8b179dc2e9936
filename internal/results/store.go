// Package results persists task output as newline-delimited JSON files and
// maintains a content-addressed cache of finished results.
package results

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/fsutil"
	"github.com/JakeFAU/taskengine/internal/hash/sha256"
	"github.com/JakeFAU/taskengine/internal/syncutil"
)

// ErrNotFound is returned when a result or cache file does not exist.
var ErrNotFound = errors.New("result file not found")

const (
	defaultLargeThreshold     = 800 << 20
	defaultLowMemoryThreshold = 400 << 20
	defaultLowMemoryTotal     = 5 << 30
	fileExt                   = ".ndjson"
)

// Config controls where results live and how large outputs are classified.
type Config struct {
	Dir      string
	CacheDir string
	// LargeThreshold marks a result large above this many bytes (default 800MB).
	LargeThreshold int64
	// LowMemoryThreshold replaces LargeThreshold on small hosts (default 400MB).
	LowMemoryThreshold int64
	// LowMemoryTotal is the total-memory bound for a small host (default 5GB).
	LowMemoryTotal uint64
	// TotalMemory reports host memory in bytes; zero means unknown.
	TotalMemory func() uint64
	Logger      *zap.Logger
}

// Store reads and writes result files. One writer per task file is enforced
// with a per-file lock.
type Store struct {
	dir         string
	cacheDir    string
	largeBytes  int64
	lowMemBytes int64
	lowMemTotal uint64
	totalMemory func() uint64
	hasher      *sha256.Hasher
	logger      *zap.Logger
	locks       syncutil.KeyedMutex[string]
}

// New creates the result and cache directories and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("results directory is required")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.Dir, "cache")
	}
	for _, dir := range []string{cfg.Dir, cfg.CacheDir} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	if cfg.LargeThreshold <= 0 {
		cfg.LargeThreshold = defaultLargeThreshold
	}
	if cfg.LowMemoryThreshold <= 0 {
		cfg.LowMemoryThreshold = defaultLowMemoryThreshold
	}
	if cfg.LowMemoryTotal == 0 {
		cfg.LowMemoryTotal = defaultLowMemoryTotal
	}
	if cfg.TotalMemory == nil {
		cfg.TotalMemory = SystemMemory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:         cfg.Dir,
		cacheDir:    cfg.CacheDir,
		largeBytes:  cfg.LargeThreshold,
		lowMemBytes: cfg.LowMemoryThreshold,
		lowMemTotal: cfg.LowMemoryTotal,
		totalMemory: cfg.TotalMemory,
		hasher:      sha256.New(),
		logger:      logger,
	}, nil
}

// Path returns the result file path of a task.
func (s *Store) Path(taskID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(taskID, 10)+fileExt)
}

func (s *Store) lockTask(taskID int64) func() {
	return s.locks.Lock("task:" + strconv.FormatInt(taskID, 10))
}

// Save replaces the task's result file with records.
func (s *Store) Save(taskID int64, records []json.RawMessage) error {
	unlock := s.lockTask(taskID)
	defer unlock()
	err := fsutil.WriteAtomic(s.Path(taskID), func(w io.Writer) error {
		var buf bytes.Buffer
		for i, rec := range records {
			buf.Reset()
			if err := appendRecord(&buf, rec); err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return fmt.Errorf("write record %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save results for task %d: %w", taskID, err)
	}
	return nil
}

// Append adds records to the end of the task's result file in one write.
func (s *Store) Append(taskID int64, records []json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for i, rec := range records {
		if err := appendRecord(&buf, rec); err != nil {
			return fmt.Errorf("append results for task %d: record %d: %w", taskID, i, err)
		}
	}
	unlock := s.lockTask(taskID)
	defer unlock()
	f, err := os.OpenFile(s.Path(taskID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fsutil.FilePerm)
	if err != nil {
		return fmt.Errorf("open results for task %d: %w", taskID, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return fmt.Errorf("append results for task %d: %w", taskID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close results for task %d: %w", taskID, err)
	}
	return nil
}

// Reset truncates the task's result file to zero records.
func (s *Store) Reset(taskID int64) error {
	return s.Save(taskID, nil)
}

// Delete removes the task's result file. A missing file is not an error.
func (s *Store) Delete(taskID int64) error {
	unlock := s.lockTask(taskID)
	defer unlock()
	if err := os.Remove(s.Path(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete results for task %d: %w", taskID, err)
	}
	return nil
}

// Exists reports whether the task has a result file.
func (s *Store) Exists(taskID int64) bool {
	_, err := os.Stat(s.Path(taskID))
	return err == nil
}

// Size returns the result file size in bytes.
func (s *Store) Size(taskID int64) (int64, error) {
	info, err := os.Stat(s.Path(taskID))
	if err != nil {
		return 0, wrapOpenErr(fmt.Sprintf("task %d", taskID), err)
	}
	return info.Size(), nil
}

// Open returns the raw NDJSON stream of a task's results.
func (s *Store) Open(taskID int64) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(taskID))
	if err != nil {
		return nil, wrapOpenErr(fmt.Sprintf("task %d", taskID), err)
	}
	return f, nil
}

// Records iterates a task's records in file order. The iterator can be ranged
// over repeatedly and stopped early. A missing file yields a single
// ErrNotFound error.
func (s *Store) Records(taskID int64) iter.Seq2[json.RawMessage, error] {
	return s.readRecords(s.Path(taskID), fmt.Sprintf("task %d", taskID))
}

// Count returns the number of readable records in the task's result file.
func (s *Store) Count(taskID int64) (int64, error) {
	return countRecords(s.Records(taskID))
}

// ClassifySize reports whether the task's output is large enough to stream
// rather than buffer.
func (s *Store) ClassifySize(taskID int64) (bool, error) {
	size, err := s.Size(taskID)
	if err != nil {
		return false, err
	}
	return s.IsLarge(size), nil
}

// IsLarge applies the large-output threshold to a byte size.
func (s *Store) IsLarge(size int64) bool {
	return size > s.threshold()
}

func (s *Store) threshold() int64 {
	if total := s.totalMemory(); total > 0 && total < s.lowMemTotal {
		return s.lowMemBytes
	}
	return s.largeBytes
}

// StreamCopy appends the records of task from to task to without loading
// either file into memory.
func (s *Store) StreamCopy(from, to int64) error {
	src, err := os.Open(s.Path(from))
	if err != nil {
		return wrapOpenErr(fmt.Sprintf("task %d", from), err)
	}
	defer src.Close() //nolint:errcheck // read-only

	unlock := s.lockTask(to)
	defer unlock()
	dst, err := os.OpenFile(s.Path(to), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fsutil.FilePerm)
	if err != nil {
		return fmt.Errorf("open results for task %d: %w", to, err)
	}
	tw := &tailWriter{w: dst}
	if _, err := io.Copy(tw, src); err != nil {
		_ = dst.Close() //nolint:errcheck // already failing
		return fmt.Errorf("copy results %d -> %d: %w", from, to, err)
	}
	if tw.n > 0 && tw.last != '\n' {
		if _, err := dst.Write([]byte{'\n'}); err != nil {
			_ = dst.Close() //nolint:errcheck // already failing
			return fmt.Errorf("terminate results for task %d: %w", to, err)
		}
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close results for task %d: %w", to, err)
	}
	return nil
}

// Dedupe rewrites the task's result file without duplicate records and
// returns the number kept. Records are equal when their canonical JSON is.
func (s *Store) Dedupe(taskID int64) (int64, error) {
	unlock := s.lockTask(taskID)
	defer unlock()
	path := s.Path(taskID)
	if _, err := os.Stat(path); err != nil {
		return 0, wrapOpenErr(fmt.Sprintf("task %d", taskID), err)
	}
	var kept int64
	err := fsutil.WriteAtomic(path, func(w io.Writer) error {
		seen := make(map[[32]byte]struct{})
		for rec, err := range s.readRecords(path, fmt.Sprintf("task %d", taskID)) {
			if err != nil {
				return err
			}
			canon, cerr := sha256.Canonical(rec)
			if cerr != nil {
				canon = rec
			}
			sum := s.hasher.Sum(canon)
			if _, dup := seen[sum]; dup {
				continue
			}
			seen[sum] = struct{}{}
			if _, err := w.Write(rec); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
			if _, err := w.Write([]byte{'\n'}); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
			kept++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("dedupe results for task %d: %w", taskID, err)
	}
	return kept, nil
}

func (s *Store) readRecords(path, label string) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		f, err := os.Open(path) // #nosec G304 -- path is built from the task id.
		if err != nil {
			yield(nil, wrapOpenErr(label, err))
			return
		}
		defer f.Close() //nolint:errcheck // read-only

		var repaired, dropped int
		defer func() {
			if repaired+dropped > 0 {
				s.logger.Warn("repaired damaged result lines",
					zap.String("file", label),
					zap.Int("repaired_lines", repaired),
					zap.Int("dropped_fragments", dropped))
			}
		}()

		r := bufio.NewReaderSize(f, 64*1024)
		for {
			line, readErr := r.ReadBytes('\n')
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				if !yieldLine(trimmed, &repaired, &dropped, yield) {
					return
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					yield(nil, fmt.Errorf("read %s: %w", label, readErr))
				}
				return
			}
		}
	}
}

// yieldLine emits one line, splitting concatenated values and skipping an
// undecodable remainder. It returns false when the consumer stopped.
func yieldLine(line []byte, repaired, dropped *int, yield func(json.RawMessage, error) bool) bool {
	if json.Valid(line) {
		return yield(json.RawMessage(line), nil)
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	decoded := 0
	for {
		var v json.RawMessage
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			*dropped++
			break
		}
		decoded++
		if !yield(v, nil) {
			return false
		}
	}
	if decoded > 0 {
		*repaired++
	}
	return true
}

func countRecords(seq iter.Seq2[json.RawMessage, error]) (int64, error) {
	var n int64
	for _, err := range seq {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func appendRecord(buf *bytes.Buffer, rec json.RawMessage) error {
	if len(bytes.TrimSpace(rec)) == 0 {
		return errors.New("empty record")
	}
	if err := json.Compact(buf, rec); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	buf.WriteByte('\n')
	return nil
}

func wrapOpenErr(label string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", label, ErrNotFound)
	}
	return fmt.Errorf("open %s: %w", label, err)
}

type tailWriter struct {
	w    io.Writer
	n    int64
	last byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.n += int64(n)
		t.last = p[n-1]
	}
	if err != nil {
		return n, fmt.Errorf("write: %w", err)
	}
	return n, nil
}
