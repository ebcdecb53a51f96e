package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// A container's child index is a directory holding one symbolic link per
// child, named by the child's ID and pointing at the child's canonical
// storage in the lower tier.

// linkChild links name in indexDir to target. An existing entry is kept as is.
func linkChild(indexDir, name, target string) error {
	if err := os.Symlink(target, filepath.Join(indexDir, name)); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to link %s: %w", name, err)
	}
	return nil
}

// listChildren returns the names of the symbolic links in indexDir, sorted.
// Anything else in the directory is not a child reference and is ignored.
// A missing directory means no children.
func listChildren(indexDir string) ([]string, error) {
	entries, err := os.ReadDir(indexDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", indexDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink != 0 {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
