package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	ferrors "github.com/maruel/flowdir/internal/errors"
	"github.com/maruel/flowdir/internal/models"
)

// bookStore keeps each book in books/<id>/ with its metadata file and a
// flows/ child index. Callers hold the book lock; the flow lock is taken here
// whenever flows are read or written.
type bookStore struct {
	dir   string
	cache *Cache
	locks *Locks
	flows *flowStore
}

func (bs *bookStore) path(id string) string {
	return filepath.Join(bs.dir, id)
}

// load reads the book's metadata and the flows linked from its index.
func (bs *bookStore) load(ctx context.Context, id string) (*models.Book, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	dir := bs.path(id)
	data, err := bs.cache.Read(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.NotFound("logbook", id)
		}
		return nil, fmt.Errorf("failed to read logbook %s: %w", id, err)
	}
	b, err := unformatBook(id, data)
	if err != nil {
		return nil, err
	}
	names, err := listChildren(filepath.Join(dir, flowsIndex))
	if err != nil || len(names) == 0 {
		return b, err
	}
	err = bs.locks.With(ctx, LockFlow, func(ctx context.Context) error {
		for _, name := range names {
			f, err := bs.flows.load(ctx, name)
			if ferrors.IsNotFound(err) {
				slog.WarnContext(ctx, "Skipping dangling flow link", "book", id, "flow", name)
				continue
			}
			if err != nil {
				return err
			}
			b.Add(f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// save merges in with the stored book, if any, writes the metadata, then
// saves and links every flow carried by in. The creation timestamp of a
// stored book is kept.
func (bs *bookStore) save(ctx context.Context, in *models.Book) (*models.Book, error) {
	if err := validateBook(in); err != nil {
		return nil, err
	}
	var b *models.Book
	stored, err := bs.load(ctx, in.ID)
	switch {
	case err == nil:
		if b, err = mergeBook(stored, in); err != nil {
			return nil, err
		}
	case !ferrors.IsNotFound(err):
		return nil, err
	default:
		b = in.Clone()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	dir := bs.path(b.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create logbook directory: %w", err)
	}
	data, err := formatBook(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode logbook %s: %w", b.ID, err)
	}
	if err := bs.cache.Write(filepath.Join(dir, metadataFile), data); err != nil {
		return nil, fmt.Errorf("failed to write logbook %s: %w", b.ID, err)
	}
	if len(in.Flows) == 0 {
		return b, nil
	}
	index := filepath.Join(dir, flowsIndex)
	if err := os.MkdirAll(index, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create flow index: %w", err)
	}
	err = bs.locks.With(ctx, LockFlow, func(ctx context.Context) error {
		for _, f := range in.Flows {
			saved, err := bs.flows.save(ctx, f, false)
			if err != nil {
				return err
			}
			b.Add(saved)
			if err := linkChild(index, saved.ID, bs.flows.path(saved.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "Saved logbook", "id", b.ID, "flows", len(b.Flows))
	return b, nil
}

// destroy removes every flow of the book, their tasks, then the book.
func (bs *bookStore) destroy(ctx context.Context, id string) error {
	b, err := bs.load(ctx, id)
	if err != nil {
		return err
	}
	if len(b.Flows) > 0 {
		err := bs.locks.With(ctx, LockFlow, func(ctx context.Context) error {
			for _, f := range b.Flows {
				if err := bs.flows.destroy(ctx, f); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return removeTree(bs.cache, bs.path(id), "book")
}
