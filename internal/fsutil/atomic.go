// Package fsutil holds small filesystem helpers shared by the counter and the
// result store.
package fsutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	// DirPerm is used for every directory the engine creates.
	DirPerm os.FileMode = 0o750
	// FilePerm is used for every file the engine creates.
	FilePerm os.FileMode = 0o600

	renameAttempts = 3
	renameBackoff  = 50 * time.Millisecond
)

// EnsureDir creates dir if needed and checks that it is a directory.
func EnsureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(dir, DirPerm); mkErr != nil {
			return fmt.Errorf("create directory %s: %w", dir, mkErr)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat directory %s: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// WriteAtomic writes a file through a temp file in the same directory, syncs
// it and renames it over path, so readers see either the old or the new file.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
	}

	bw := bufio.NewWriterSize(tmp, 256*1024)
	if err := write(bw); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, FilePerm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := renameWithRetry(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func renameWithRetry(from, to string) error {
	var err error
	for attempt := 0; attempt < renameAttempts; attempt++ {
		if err = os.Rename(from, to); err == nil {
			return nil
		}
		time.Sleep(renameBackoff << attempt)
	}
	return fmt.Errorf("rename %s: %w", filepath.Base(to), err)
}
