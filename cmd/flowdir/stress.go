package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/maruel/flowdir/internal/models"
	"github.com/maruel/flowdir/internal/storage"
)

type stressOptions struct {
	workers int
	rate    float64
	tasks   int
	keep    bool
	metrics bool
}

func stressCmd(a *app) *cobra.Command {
	var o stressOptions
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Add tasks to one flow from concurrent workers and check none is lost",
		Long: `Add tasks to one flow from concurrent workers and check none is lost.

Each worker merges its tasks into the same flow, then marks each one done.
Run several stress commands against one root to exercise cross-process
locking.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.workers <= 0 || o.tasks <= 0 {
				return errors.New("--workers and --tasks must be positive")
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.Upgrade(cmd.Context()); err != nil {
				return err
			}
			return stress(cmd.Context(), cmd.OutOrStdout(), s, a.reg, &o)
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.workers, "workers", 8, "Concurrent workers")
	f.Float64Var(&o.rate, "rate", 0, "Maximum writes per second across workers, 0 for unlimited")
	f.IntVar(&o.tasks, "tasks", 50, "Tasks added by each worker")
	f.BoolVar(&o.keep, "keep", false, "Keep the book instead of destroying it")
	f.BoolVar(&o.metrics, "metrics", false, "Print the store's metrics when done")
	return cmd
}

func stress(ctx context.Context, w io.Writer, s *storage.Store, reg prometheus.Gatherer, o *stressOptions) error {
	book := &models.Book{
		ID:    uuid.NewString(),
		Name:  "stress",
		Flows: []*models.Flow{{ID: uuid.NewString(), Name: "stress", State: "RUNNING"}},
	}
	flowID := book.Flows[0].ID
	if _, err := s.SaveBook(ctx, book); err != nil {
		return err
	}
	limit := rate.Inf
	if o.rate > 0 {
		limit = rate.Limit(o.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	for i := range o.workers {
		eg.Go(func() error {
			for j := range o.tasks {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				t := &models.Task{ID: uuid.NewString(), Name: fmt.Sprintf("w%d-%d", i, j), State: "PENDING"}
				if _, err := s.UpdateFlowDetails(ctx, &models.Flow{ID: flowID, Tasks: []*models.Task{t}}); err != nil {
					return err
				}
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				if _, err := s.UpdateTaskDetails(ctx, &models.Task{ID: t.ID, State: "SUCCESS"}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	f, err := s.GetFlowDetails(context.WithoutCancel(ctx), flowID)
	if err != nil {
		return err
	}
	want := o.workers * o.tasks
	done := 0
	for _, t := range f.Tasks {
		if t.State == "SUCCESS" {
			done++
		}
	}
	slog.InfoContext(ctx, "Stress done", "book", book.ID, "flow", flowID, "tasks", len(f.Tasks), "elapsed", elapsed)
	fmt.Fprintf(w, "%d/%d tasks linked, %d done, %d workers, %s (%.0f writes/s)\n",
		len(f.Tasks), want, done, o.workers, elapsed.Round(time.Millisecond), float64(2*want)/elapsed.Seconds())
	if o.metrics {
		if err := writeMetrics(w, reg); err != nil {
			return err
		}
	}
	if len(f.Tasks) != want || done != want {
		return fmt.Errorf("lost updates: %d tasks linked and %d done, want %d", len(f.Tasks), done, want)
	}
	if !o.keep {
		return s.DestroyBook(context.WithoutCancel(ctx), book.ID)
	}
	return nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
