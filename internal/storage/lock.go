package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	ferrors "github.com/maruel/flowdir/internal/errors"
)

// LockName names one of the tier locks.
type LockName string

// The lock hierarchy, outermost first. A lock may only be acquired while
// holding locks that come before it in this order.
const (
	LockInit LockName = "init"
	LockBook LockName = "book"
	LockFlow LockName = "flow"
	LockTask LockName = "task"
)

// Hierarchy lists every lock name in acquisition order.
var Hierarchy = []LockName{LockInit, LockBook, LockFlow, LockTask}

func (n LockName) rank() int {
	return slices.Index(Hierarchy, n)
}

// Locks serializes access to the tiers across processes with one advisory
// file lock per name in dir. All books share the book lock, all flows the
// flow lock and so on.
//
// The locks held by a call chain travel in its context.Context; see
// [Locks.With].
type Locks struct {
	dir     string
	metrics *Metrics
	onLock  func(name LockName, held []LockName)
}

// NewLocks returns the lock hierarchy rooted at dir. m and onLock may be nil.
func NewLocks(dir string, m *Metrics, onLock func(name LockName, held []LockName)) *Locks {
	return &Locks{dir: dir, metrics: m, onLock: onLock}
}

type heldKey struct{}

// Held returns the locks held by the call chain of ctx, outermost first.
func Held(ctx context.Context) []LockName {
	held, _ := ctx.Value(heldKey{}).([]LockName)
	return held
}

// With acquires the named lock, runs fn with a context recording it as held,
// then releases the lock.
//
// Acquisition blocks until the holder releases the lock; there is no timeout.
// Requesting a lock that does not come strictly after every held lock fails
// with a LOCK_ORDER error without blocking.
//
// Errors returned by fn that are not already store errors are logged and
// wrapped in a STORAGE_ERROR; store errors are returned unchanged.
func (l *Locks) With(ctx context.Context, name LockName, fn func(ctx context.Context) error) error {
	rank := name.rank()
	if rank < 0 {
		return fmt.Errorf("unknown lock %q", name)
	}
	held := Held(ctx)
	if len(held) > 0 && held[len(held)-1].rank() >= rank {
		names := make([]string, 0, len(held))
		for _, h := range held {
			names = append(names, string(h))
		}
		return ferrors.LockOrder(string(name), names)
	}

	unlock, err := l.acquire(name)
	if err != nil {
		return ferrors.Storage(fmt.Sprintf("unable to acquire %s lock", name), err)
	}
	defer unlock()
	if l.onLock != nil {
		l.onLock(name, slices.Clone(held))
	}

	inner := context.WithValue(ctx, heldKey{}, append(slices.Clone(held), name))
	if err := fn(inner); err != nil {
		if ferrors.Recognized(err) {
			return err
		}
		slog.ErrorContext(ctx, "Failed running locking file based session", "lock", name, "err", err)
		return ferrors.Storage("storage backend internal error", err)
	}
	return nil
}

// acquire opens the lock file for name and takes an exclusive lock on it.
// Each call opens its own file description so goroutines of one process
// exclude each other the same way separate processes do.
func (l *Locks) acquire(name LockName) (func(), error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(l.dir, string(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // G304: path is built from the storage root
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	start := time.Now()
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if l.metrics != nil {
		l.metrics.LockWait.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
		l.metrics.LockAcquisitions.WithLabelValues(string(name)).Inc()
	}
	return func() {
		if err := unlockFile(f); err != nil {
			slog.Warn("Failed to unlock", "path", path, "err", err)
		}
		_ = f.Close()
	}, nil
}
