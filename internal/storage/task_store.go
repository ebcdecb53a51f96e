package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	ferrors "github.com/maruel/flowdir/internal/errors"
	"github.com/maruel/flowdir/internal/models"
)

// taskStore keeps each task as a single JSON file, tasks/<id>. Tasks have no
// child index. Callers hold the task lock.
type taskStore struct {
	dir   string
	cache *Cache
}

func (ts *taskStore) path(id string) string {
	return filepath.Join(ts.dir, id)
}

func (ts *taskStore) get(id string) (*models.Task, error) {
	data, err := ts.cache.Read(ts.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.NotFound("task details", id)
		}
		return nil, fmt.Errorf("failed to read task details %s: %w", id, err)
	}
	return unformatTask(id, data)
}

// save merges in with the stored task, if any, and writes the result. When
// requireExisting is set a missing task is reported as NOT_FOUND instead of
// being created.
func (ts *taskStore) save(_ context.Context, in *models.Task, requireExisting bool) (*models.Task, error) {
	if err := validateTask(in); err != nil {
		return nil, err
	}
	var t *models.Task
	stored, err := ts.get(in.ID)
	switch {
	case err == nil:
		if t, err = mergeTask(stored, in); err != nil {
			return nil, err
		}
	case !ferrors.IsNotFound(err) || requireExisting:
		return nil, err
	default:
		t = in.Clone()
	}
	if err := os.MkdirAll(ts.dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}
	data, err := formatTask(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task details %s: %w", t.ID, err)
	}
	if err := ts.cache.Write(ts.path(t.ID), data); err != nil {
		return nil, fmt.Errorf("failed to write task details %s: %w", t.ID, err)
	}
	return t, nil
}

func (ts *taskStore) destroy(id string) error {
	return removeTree(ts.cache, ts.path(id), "task")
}
