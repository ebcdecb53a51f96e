package storage

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestLinks(t *testing.T) {
	root := t.TempDir()
	index := filepath.Join(root, "flows", "f1", "tasks")
	if err := os.MkdirAll(index, 0o755); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(root, "tasks", "t1")

	t.Run("Idempotent", func(t *testing.T) {
		for range 2 {
			if err := linkChild(index, "t1", target); err != nil {
				t.Fatalf("linkChild: %v", err)
			}
		}
		entries, err := os.ReadDir(index)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || entries[0].Name() != "t1" {
			t.Errorf("entries = %v, want exactly t1", entries)
		}
		got, err := os.Readlink(filepath.Join(index, "t1"))
		if err != nil {
			t.Fatal(err)
		}
		if got != target {
			t.Errorf("link target = %q, want %q", got, target)
		}
	})

	t.Run("ListIgnoresRegularFiles", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(index, "stray"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Mkdir(filepath.Join(index, "subdir"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := linkChild(index, "t0", filepath.Join(root, "tasks", "t0")); err != nil {
			t.Fatal(err)
		}
		names, err := listChildren(index)
		if err != nil {
			t.Fatalf("listChildren: %v", err)
		}
		if want := []string{"t0", "t1"}; !slices.Equal(names, want) {
			t.Errorf("listChildren = %v, want %v", names, want)
		}
	})

	t.Run("MissingIndex", func(t *testing.T) {
		names, err := listChildren(filepath.Join(root, "nope"))
		if err != nil || names != nil {
			t.Errorf("listChildren(missing) = %v, %v; want nil, nil", names, err)
		}
	})

	t.Run("OtherErrorsPropagate", func(t *testing.T) {
		if err := linkChild(filepath.Join(root, "missing-index"), "t1", target); err == nil {
			t.Error("linking into a missing directory must fail")
		}
	})
}
