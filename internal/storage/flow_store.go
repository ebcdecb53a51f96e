package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	ferrors "github.com/maruel/flowdir/internal/errors"
	"github.com/maruel/flowdir/internal/models"
)

// flowStore keeps each flow in flows/<id>/ with its metadata file and a
// tasks/ child index. Callers hold the flow lock; the task lock is taken
// here whenever tasks are read or written.
type flowStore struct {
	dir   string
	cache *Cache
	locks *Locks
	tasks *taskStore
}

func (fl *flowStore) path(id string) string {
	return filepath.Join(fl.dir, id)
}

// load reads the flow's metadata and the tasks linked from its index.
func (fl *flowStore) load(ctx context.Context, id string) (*models.Flow, error) {
	dir := fl.path(id)
	data, err := fl.cache.Read(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.NotFound("flow details", id)
		}
		return nil, fmt.Errorf("failed to read flow details %s: %w", id, err)
	}
	f, err := unformatFlow(id, data)
	if err != nil {
		return nil, err
	}
	names, err := listChildren(filepath.Join(dir, tasksIndex))
	if err != nil || len(names) == 0 {
		return f, err
	}
	err = fl.locks.With(ctx, LockTask, func(ctx context.Context) error {
		for _, name := range names {
			t, err := fl.tasks.get(name)
			if ferrors.IsNotFound(err) {
				slog.WarnContext(ctx, "Skipping dangling task link", "flow", id, "task", name)
				continue
			}
			if err != nil {
				return err
			}
			f.Add(t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// save merges in with the stored flow, if any, writes the metadata, then
// saves and links every task carried by in. Tasks already linked to the
// stored flow are kept. When requireExisting is set a missing flow is
// reported as NOT_FOUND instead of being created.
func (fl *flowStore) save(ctx context.Context, in *models.Flow, requireExisting bool) (*models.Flow, error) {
	if err := validateFlow(in); err != nil {
		return nil, err
	}
	var f *models.Flow
	stored, err := fl.load(ctx, in.ID)
	switch {
	case err == nil:
		if f, err = mergeFlow(stored, in); err != nil {
			return nil, err
		}
	case !ferrors.IsNotFound(err) || requireExisting:
		return nil, err
	default:
		f = in.Clone()
	}
	dir := fl.path(f.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create flow directory: %w", err)
	}
	data, err := formatFlow(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow details %s: %w", f.ID, err)
	}
	if err := fl.cache.Write(filepath.Join(dir, metadataFile), data); err != nil {
		return nil, fmt.Errorf("failed to write flow details %s: %w", f.ID, err)
	}
	if len(in.Tasks) == 0 {
		return f, nil
	}
	index := filepath.Join(dir, tasksIndex)
	if err := os.MkdirAll(index, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create task index: %w", err)
	}
	err = fl.locks.With(ctx, LockTask, func(ctx context.Context) error {
		for _, t := range in.Tasks {
			saved, err := fl.tasks.save(ctx, t, false)
			if err != nil {
				return err
			}
			f.Add(saved)
			if err := linkChild(index, saved.ID, fl.tasks.path(saved.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// destroy removes the tasks of f, then f itself.
func (fl *flowStore) destroy(ctx context.Context, f *models.Flow) error {
	if len(f.Tasks) > 0 {
		err := fl.locks.With(ctx, LockTask, func(context.Context) error {
			for _, t := range f.Tasks {
				if err := fl.tasks.destroy(t.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return removeTree(fl.cache, fl.path(f.ID), "flow")
}
