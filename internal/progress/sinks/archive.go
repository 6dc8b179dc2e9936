package sinks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/storage"
)

// ResultOpener exposes a task's raw NDJSON result stream.
type ResultOpener interface {
	Open(taskID int64) (io.ReadCloser, error)
}

// ArchiveSink uploads the final result file of every finished root task to a
// blob store under <prefix>/<task id>.ndjson.
type ArchiveSink struct {
	results ResultOpener
	blobs   storage.BlobStore
	prefix  string
	logger  *zap.Logger
}

// NewArchiveSink wires a result source to a blob store.
func NewArchiveSink(res ResultOpener, blobs storage.BlobStore, prefix string, logger *zap.Logger) (*ArchiveSink, error) {
	if res == nil || blobs == nil {
		return nil, errors.New("result opener and blob store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{results: res, blobs: blobs, prefix: prefix, logger: logger}, nil
}

// Consume archives completed and failed root tasks. Tasks without a result
// file are skipped.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Root() {
			continue
		}
		if evt.Stage != progress.StageCompleted && evt.Stage != progress.StageFailed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("archive results: %w", err)
		}
		if err := s.archive(ctx, evt.TaskID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *ArchiveSink) archive(ctx context.Context, taskID int64) error {
	rc, err := s.results.Open(taskID)
	if errors.Is(err, results.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive task %d: %w", taskID, err)
	}
	defer rc.Close() //nolint:errcheck // read-only

	name := path.Join(s.prefix, strconv.FormatInt(taskID, 10)+".ndjson")
	uri, err := s.blobs.PutObject(ctx, name, "application/x-ndjson", rc)
	if err != nil {
		return fmt.Errorf("archive task %d: %w", taskID, err)
	}
	s.logger.Debug("archived task results", zap.Int64("task_id", taskID), zap.String("uri", uri))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
