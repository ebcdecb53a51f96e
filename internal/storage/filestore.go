// Package storage persists books, flows and tasks as JSON files in a
// directory tree.
//
// # Layout
//
//	<root>/locks/{init,book,flow,task}        one lock file per tier
//	<root>/books/<book_id>/metadata           JSON
//	<root>/books/<book_id>/flows/<flow_id>    symlink -> <root>/flows/<flow_id>
//	<root>/flows/<flow_id>/metadata           JSON
//	<root>/flows/<flow_id>/tasks/<task_id>    symlink -> <root>/tasks/<task_id>
//	<root>/tasks/<task_id>                    JSON
//
// # Concurrency
//
// Processes sharing a root exclude each other with the advisory file locks of
// [Locks], taken outermost first along init, book, flow, task. There are no
// transactions: a crash between writing a parent and linking a child can
// leave a child persisted but unlinked, or a link to a child that was never
// written. Dangling links are skipped on read.
//
// # Merging
//
// Saving an entity that already exists merges it with the stored version
// instead of replacing it; children are never dropped by a save.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	ferrors "github.com/maruel/flowdir/internal/errors"
	"github.com/maruel/flowdir/internal/models"
)

const (
	metadataFile = "metadata"
	flowsIndex   = "flows"
	tasksIndex   = "tasks"
)

// Options configures [Open]. The zero value is valid.
type Options struct {
	// Registerer receives the store's collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Watch evicts cached files as soon as another process modifies them.
	Watch bool
	// OnChange is called for every filesystem event seen when Watch is set.
	OnChange func(fsnotify.Event)
	// OnLock is called after each lock acquisition with the locks already
	// held, outermost first.
	OnLock func(name LockName, held []LockName)
}

// Store is a directory-backed book, flow and task store. It is safe for
// concurrent use by multiple goroutines and by multiple processes sharing
// the same root.
type Store struct {
	path     string
	lockDir  string
	booksDir string
	flowsDir string
	tasksDir string

	cache   *Cache
	locks   *Locks
	metrics *Metrics
	books   *bookStore
	flows   *flowStore
	tasks   *taskStore
	stop    context.CancelFunc
}

// Open returns a store rooted at path. It does not create any directory; call
// [Store.Upgrade] for that.
func Open(ctx context.Context, path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage path: %w", err)
	}
	m, err := NewMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	s := &Store{
		path:     abs,
		lockDir:  filepath.Join(abs, "locks"),
		booksDir: filepath.Join(abs, "books"),
		flowsDir: filepath.Join(abs, "flows"),
		tasksDir: filepath.Join(abs, "tasks"),
		cache:    NewCache(m),
		metrics:  m,
		stop:     func() {},
	}
	s.locks = NewLocks(s.lockDir, m, opts.OnLock)
	s.tasks = &taskStore{dir: s.tasksDir, cache: s.cache}
	s.flows = &flowStore{dir: s.flowsDir, cache: s.cache, locks: s.locks, tasks: s.tasks}
	s.books = &bookStore{dir: s.booksDir, cache: s.cache, locks: s.locks, flows: s.flows}
	if opts.Watch {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := s.cache.Watch(wctx, []string{s.path}, opts.OnChange); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to watch %s: %w", s.path, err)
		}
		s.stop = cancel
	}
	return s, nil
}

// Close stops the watcher started by Options.Watch.
func (s *Store) Close() error {
	s.stop()
	return nil
}

// Path returns the absolute storage root.
func (s *Store) Path() string {
	return s.path
}

// Metrics returns the store's collectors.
func (s *Store) Metrics() *Metrics {
	return s.metrics
}

// Validate checks that every required directory exists. It does not repair
// anything; see [Store.Upgrade].
func (s *Store) Validate() error {
	for _, p := range []string{s.path, s.lockDir, s.flowsDir, s.tasksDir, s.booksDir} {
		st, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ferrors.Validation(p)
			}
			return ferrors.Storage("unable to validate "+p, err)
		}
		if !st.IsDir() {
			return ferrors.Validation(p)
		}
	}
	return nil
}

// Upgrade creates every required directory. It is idempotent.
func (s *Store) Upgrade(ctx context.Context) error {
	for _, p := range []string{s.path, s.lockDir} {
		if err := os.MkdirAll(p, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
			return ferrors.Storage("unable to create logbooks required path "+p, err)
		}
	}
	return s.locks.With(ctx, LockInit, func(context.Context) error {
		for _, p := range []string{s.booksDir, s.flowsDir, s.tasksDir} {
			if err := os.MkdirAll(p, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
				return ferrors.Storage("unable to create logbooks required child path "+p, err)
			}
		}
		return nil
	})
}

// SaveBook saves b with its flows and their tasks, merging each with its
// stored version. It returns the merged book.
func (s *Store) SaveBook(ctx context.Context, b *models.Book) (*models.Book, error) {
	var out *models.Book
	err := s.run(ctx, "save_book", LockBook, func(ctx context.Context) error {
		var err error
		out, err = s.books.save(ctx, b)
		return err
	})
	return out, err
}

// GetBook returns the book with its flows and their tasks.
func (s *Store) GetBook(ctx context.Context, id string) (*models.Book, error) {
	var out *models.Book
	err := s.run(ctx, "get_book", LockBook, func(ctx context.Context) error {
		var err error
		out, err = s.books.load(ctx, id)
		return err
	})
	return out, err
}

// GetBooks lazily yields every book. Books removed while iterating are
// skipped.
func (s *Store) GetBooks(ctx context.Context) iter.Seq2[*models.Book, error] {
	return func(yield func(*models.Book, error) bool) {
		entries, err := os.ReadDir(s.booksDir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				yield(nil, ferrors.Storage("unable to fetch logbooks", err))
			}
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			b, err := s.GetBook(ctx, e.Name())
			if ferrors.IsNotFound(err) {
				continue
			}
			if !yield(b, err) {
				return
			}
		}
	}
}

// GetFlowDetails returns the flow with its tasks.
func (s *Store) GetFlowDetails(ctx context.Context, id string) (*models.Flow, error) {
	var out *models.Flow
	err := s.run(ctx, "get_flow", LockFlow, func(ctx context.Context) error {
		if err := validateID(id); err != nil {
			return err
		}
		var err error
		out, err = s.flows.load(ctx, id)
		return err
	})
	return out, err
}

// UpdateFlowDetails merges f and its tasks into the stored flow. The flow
// must exist.
func (s *Store) UpdateFlowDetails(ctx context.Context, f *models.Flow) (*models.Flow, error) {
	var out *models.Flow
	err := s.run(ctx, "update_flow", LockFlow, func(ctx context.Context) error {
		var err error
		out, err = s.flows.save(ctx, f, true)
		return err
	})
	return out, err
}

// GetTaskDetails returns the task.
func (s *Store) GetTaskDetails(ctx context.Context, id string) (*models.Task, error) {
	var out *models.Task
	err := s.run(ctx, "get_task", LockTask, func(context.Context) error {
		if err := validateID(id); err != nil {
			return err
		}
		var err error
		out, err = s.tasks.get(id)
		return err
	})
	return out, err
}

// UpdateTaskDetails merges t into the stored task. The task must exist.
func (s *Store) UpdateTaskDetails(ctx context.Context, t *models.Task) (*models.Task, error) {
	var out *models.Task
	err := s.run(ctx, "update_task", LockTask, func(ctx context.Context) error {
		var err error
		out, err = s.tasks.save(ctx, t, true)
		return err
	})
	return out, err
}

// DestroyBook removes the book, its flows and their tasks. A book that does
// not exist is reported as NOT_FOUND.
func (s *Store) DestroyBook(ctx context.Context, id string) error {
	return s.run(ctx, "destroy_book", LockBook, func(ctx context.Context) error {
		return s.books.destroy(ctx, id)
	})
}

// Exclusive runs fn while holding every lock of the hierarchy.
func (s *Store) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.withAll(ctx, Hierarchy, fn)
}

func (s *Store) withAll(ctx context.Context, names []LockName, fn func(ctx context.Context) error) error {
	if len(names) == 0 {
		return fn(ctx)
	}
	return s.locks.With(ctx, names[0], func(ctx context.Context) error {
		return s.withAll(ctx, names[1:], fn)
	})
}

// ClearAll removes the book, flow and task directories wholesale. The
// directories are not recreated: [Store.Validate] fails until
// [Store.Upgrade] runs again, while saves recreate what they need.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.Exclusive(ctx, func(context.Context) error {
		for _, d := range []string{s.booksDir, s.flowsDir, s.tasksDir} {
			if err := os.RemoveAll(d); err != nil {
				return err
			}
		}
		s.cache.Flush()
		return nil
	})
	s.count("clear_all", err)
	return err
}

func (s *Store) run(ctx context.Context, op string, name LockName, fn func(ctx context.Context) error) error {
	err := s.locks.With(ctx, name, fn)
	s.count(op, err)
	return err
}

func (s *Store) count(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case ferrors.IsNotFound(err):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	s.metrics.Operations.WithLabelValues(op, outcome).Inc()
}

// validateID rejects identifiers that cannot be used as a single path
// element.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return ferrors.InvalidArgument(fmt.Sprintf("invalid identifier %q", id))
	}
	return nil
}

// validateBook checks b and everything it carries so that a rejected save
// writes nothing.
func validateBook(b *models.Book) error {
	if b == nil {
		return ferrors.InvalidArgument("missing logbook")
	}
	if err := validateID(b.ID); err != nil {
		return err
	}
	for _, f := range b.Flows {
		if err := validateFlow(f); err != nil {
			return err
		}
	}
	return nil
}

func validateFlow(f *models.Flow) error {
	if f == nil {
		return ferrors.InvalidArgument("missing flow")
	}
	if err := validateID(f.ID); err != nil {
		return err
	}
	for _, t := range f.Tasks {
		if err := validateTask(t); err != nil {
			return err
		}
	}
	return nil
}

func validateTask(t *models.Task) error {
	if t == nil {
		return ferrors.InvalidArgument("missing task")
	}
	return validateID(t.ID)
}

// removeTree removes path and evicts it from c. A path that is already gone
// counts as removed.
func removeTree(c *Cache, path, kind string) error {
	defer c.EvictTree(path)
	if err := os.RemoveAll(path); err != nil {
		return ferrors.Storage(fmt.Sprintf("unable to remove %s directory %s", kind, path), err)
	}
	return nil
}
