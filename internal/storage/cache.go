package storage

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"
)

// Cache is a read cache of file contents keyed by absolute path.
//
// An entry is trusted as long as the file's modification time is not newer
// than the one recorded when the entry was filled. Every write through
// [Cache.Write] evicts the path so the next read goes to disk. Entries never
// expire; the number of cached paths grows with the number of files read.
type Cache struct {
	items   *gocache.Cache
	metrics *Metrics
}

type cacheEntry struct {
	mtime time.Time
	data  []byte
}

// NewCache initializes a new cache. m may be nil.
func NewCache(m *Metrics) *Cache {
	return &Cache{
		items:   gocache.New(gocache.NoExpiration, 0),
		metrics: m,
	}
}

// Read returns the content of path, from the cache when the file has not been
// modified since it was last read. The returned slice must not be modified.
//
// Errors from the filesystem are returned unwrapped so callers can test them
// with errors.Is(err, fs.ErrNotExist).
func (c *Cache) Read(path string) ([]byte, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mtime := st.ModTime()
	if v, ok := c.items.Get(path); ok {
		if e := v.(*cacheEntry); !mtime.After(e.mtime) {
			c.count("hit")
			return e.data, nil
		}
	}
	c.count("miss")
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the storage root
	if err != nil {
		return nil, err
	}
	c.items.SetDefault(path, &cacheEntry{mtime: mtime, data: data})
	return data, nil
}

// Write writes data to path and evicts its entry.
func (c *Cache) Write(path string, data []byte) error {
	defer c.items.Delete(path)
	return os.WriteFile(path, data, 0o644) //nolint:gosec // G306: metadata files are not secret
}

// Evict removes path from the cache.
func (c *Cache) Evict(path string) {
	c.items.Delete(path)
}

// EvictTree removes dir and every cached path below it.
func (c *Cache) EvictTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for k := range c.items.Items() {
		if k == dir || strings.HasPrefix(k, prefix) {
			c.items.Delete(k)
		}
	}
}

// Flush removes every entry.
func (c *Cache) Flush() {
	c.items.Flush()
}

// Len returns the number of cached paths.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

func (c *Cache) count(result string) {
	if c.metrics != nil {
		c.metrics.CacheRequests.WithLabelValues(result).Inc()
	}
}

// Watch evicts entries as soon as files below roots change on disk, instead of
// waiting for the next read to notice a newer modification time. Directories
// created later are watched as they appear. Roots that do not exist yet are
// skipped.
//
// notify, if not nil, is called for every event after eviction. Watch returns
// once the watches are in place; they are removed when ctx is done.
func (c *Cache) Watch(ctx context.Context, roots []string, notify func(fsnotify.Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := addTree(w, root); err != nil {
			_ = w.Close()
			return err
		}
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				switch {
				case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
					c.EvictTree(event.Name)
				case event.Has(fsnotify.Create):
					c.Evict(event.Name)
					if err := addTree(w, event.Name); err != nil {
						slog.WarnContext(ctx, "Failed to watch new directory", "path", event.Name, "err", err)
					}
				case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
					c.Evict(event.Name)
				}
				if notify != nil {
					notify(event)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching storage", "err", err)
			}
		}
	}()
	return nil
}

// addTree watches root and all directories below it, except .git. Symlinks
// are not followed; they point into tiers that are watched on their own.
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
