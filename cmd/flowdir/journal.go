package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	gogit "github.com/go-git/go-git/v5"
	"github.com/spf13/cobra"

	"github.com/maruel/flowdir/internal/journal"
	"github.com/maruel/flowdir/internal/storage"
)

// record snapshots the tree after a write when the journal is enabled.
func (a *app) record(ctx context.Context, s *storage.Store, msg string) error {
	if !a.cfg.Journal.Enabled {
		return nil
	}
	_, err := a.snapshot(ctx, s, msg)
	return err
}

// snapshot commits the tree while holding every lock so no write is
// half-recorded.
func (a *app) snapshot(ctx context.Context, s *storage.Store, msg string) (string, error) {
	j, err := journal.Open(ctx, s.Path(), a.cfg.Journal.Name, a.cfg.Journal.Email)
	if err != nil {
		return "", err
	}
	var hash string
	err = s.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		hash, err = j.Commit(ctx, msg)
		return err
	})
	if err != nil {
		return "", err
	}
	if hash != "" {
		slog.InfoContext(ctx, "Recorded snapshot", "hash", hash, "msg", msg)
	}
	return hash, nil
}

func snapshotCmd(a *app) *cobra.Command {
	var msg string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the storage tree in its git journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			hash, err := a.snapshot(cmd.Context(), s, msg)
			if err != nil {
				return err
			}
			if hash == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing changed")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVarP(&msg, "message", "m", "Snapshot", "Commit message")
	return cmd
}

func historyCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the journal's snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			j, err := journal.OpenExisting(cmd.Context(), a.cfg.Path)
			if errors.Is(err, gogit.ErrRepositoryNotExists) {
				fmt.Fprintln(w, "no journal")
				return nil
			}
			if err != nil {
				return err
			}
			commits, err := j.History(cmd.Context(), n)
			if err != nil {
				return err
			}
			for _, c := range commits {
				fmt.Fprintf(w, "%s %s %s\n", c.Hash[:12], c.Date.Format("2006-01-02 15:04:05"), c.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "max-count", "n", 20, "Maximum number of snapshots")
	return cmd
}

func watchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print changes made to the storage tree until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			root, err := filepath.Abs(a.cfg.Path)
			if err != nil {
				return err
			}
			a.cfg.Watch = true
			a.onChange = func(ev fsnotify.Event) {
				rel, err := filepath.Rel(root, ev.Name)
				if err != nil {
					rel = ev.Name
				}
				slog.DebugContext(ctx, "Storage changed", "path", rel, "op", ev.Op.String())
				fmt.Fprintf(w, "%s\t%s\n", ev.Op, rel)
			}
			s, err := a.open(ctx)
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "Watching", "path", s.Path())
			<-ctx.Done()
			return nil
		},
	}
}
