// Package journal records snapshots of a storage root in a git repository
// using go-git, so no git binary is needed.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ignored lists the paths never recorded; lock files carry no data.
const ignored = "/locks/\n"

// Commit is one recorded snapshot.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Body    string    `json:"body,omitempty"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Date    time.Time `json:"date"`
}

// Journal snapshots a directory tree.
type Journal struct {
	dir   string
	name  string
	email string
	repo  *gogit.Repository
	mu    sync.Mutex
}

// Open opens the repository at dir, initializing it when needed. name and
// email sign every commit.
func Open(ctx context.Context, dir, name, email string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	j, err := OpenExisting(ctx, dir)
	if err == nil {
		j.name = name
		j.email = email
		return j, j.writeIgnore()
	}
	if !errors.Is(err, gogit.ErrRepositoryNotExists) {
		return nil, err
	}
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize git repo: %w", err)
	}
	cfg, err := repo.Config()
	if err != nil {
		return nil, fmt.Errorf("failed to read git config: %w", err)
	}
	cfg.User.Name = name
	cfg.User.Email = email
	if err := repo.SetConfig(cfg); err != nil {
		return nil, fmt.Errorf("failed to write git config: %w", err)
	}
	j = &Journal{dir: dir, name: name, email: email, repo: repo}
	return j, j.writeIgnore()
}

// OpenExisting opens the repository at dir without creating anything. It
// returns an error wrapping gogit.ErrRepositoryNotExists when there is none.
// Commits are signed with the repository's configured user.
func OpenExisting(_ context.Context, dir string) (*Journal, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repo: %w", err)
	}
	j := &Journal{dir: dir, repo: repo}
	if cfg, err := repo.Config(); err == nil {
		j.name = cfg.User.Name
		j.email = cfg.User.Email
	}
	return j, nil
}

func (j *Journal) writeIgnore() error {
	p := filepath.Join(j.dir, ".gitignore")
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(p, []byte(ignored), 0o644); err != nil { //nolint:gosec // G306: not a secret
			return fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}
	return nil
}

// Dir returns the repository's working directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Commit stages every change in the tree, removals included, and records
// them. It returns the new commit hash, or "" when nothing changed.
//
// The caller should hold the store's locks so the tree is consistent.
func (j *Journal) Commit(ctx context.Context, msg string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w, err := j.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	// Status honors .gitignore; staging walks it instead of the whole tree.
	status, err := w.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}
	for path, st := range status {
		switch st.Worktree {
		case gogit.Unmodified:
		case gogit.Deleted:
			if _, err := w.Remove(path); err != nil {
				return "", fmt.Errorf("failed to stage removal of %s: %w", path, err)
			}
		default:
			if _, err := w.Add(path); err != nil {
				return "", fmt.Errorf("failed to stage %s: %w", path, err)
			}
		}
	}
	sig := &object.Signature{Name: j.name, Email: j.email, When: time.Now()}
	h, err := w.Commit(msg, &gogit.CommitOptions{Author: sig, Committer: sig})
	if errors.Is(err, gogit.ErrEmptyCommit) {
		// Status reports directory symlinks as modified even when the index
		// already matches them.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return h.String(), nil
}

// History returns up to n commits, newest first. n <= 0 means 100.
func (j *Journal) History(ctx context.Context, n int) ([]*Commit, error) {
	if n <= 0 {
		n = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.repo.Head(); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	it, err := j.repo.Log(&gogit.LogOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer it.Close()
	var out []*Commit
	for range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := it.Next()
		if err != nil {
			break
		}
		subject, body, _ := strings.Cut(c.Message, "\n")
		out = append(out, &Commit{
			Hash:    c.Hash.String(),
			Message: subject,
			Body:    strings.TrimSpace(body),
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			Date:    c.Author.When,
		})
	}
	return out, nil
}
