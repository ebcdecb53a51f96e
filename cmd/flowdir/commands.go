package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/maruel/flowdir/internal/models"
	"github.com/maruel/flowdir/internal/storage"
)

func upgradeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Create the storage layout; safe to run repeatedly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.Upgrade(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Path())
			return nil
		},
	}
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the storage layout exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func bookCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Read and write books",
	}

	var file string
	save := &cobra.Command{
		Use:   "save",
		Short: "Save a book, its flows and their tasks from JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var b models.Book
			if err := readJSON(cmd, file, &b); err != nil {
				return err
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			out, err := s.SaveBook(cmd.Context(), &b)
			if err != nil {
				return err
			}
			if err := a.record(cmd.Context(), s, "Save book "+out.ID); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	save.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read, - for stdin")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Print a book with its flows and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			b, err := s.GetBook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), b)
		},
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List every book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for b, err := range s.GetBooks(cmd.Context()) {
				if err != nil {
					return err
				}
				if asJSON {
					if err := json.NewEncoder(w).Encode(b); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d flows\n", b.ID, b.Name, len(b.Flows))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print one JSON document per line")

	destroy := &cobra.Command{
		Use:   "destroy ID",
		Short: "Remove a book, its flows and their tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.DestroyBook(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.record(cmd.Context(), s, "Destroy book "+args[0])
		},
	}

	create := &cobra.Command{
		Use:   "new NAME",
		Short: "Create an empty book with a random ID and print the ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			b, err := s.SaveBook(cmd.Context(), &models.Book{ID: uuid.NewString(), Name: args[0]})
			if err != nil {
				return err
			}
			if err := a.record(cmd.Context(), s, "Create book "+b.ID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), b.ID)
			return nil
		},
	}

	cmd.AddCommand(save, get, list, destroy, create)
	return cmd
}

func flowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Read and update flows",
	}
	get := &cobra.Command{
		Use:   "get ID",
		Short: "Print a flow with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			f, err := s.GetFlowDetails(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), f)
		},
	}
	var file string
	update := &cobra.Command{
		Use:   "update",
		Short: "Merge a flow and its tasks from JSON into an existing flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var f models.Flow
			if err := readJSON(cmd, file, &f); err != nil {
				return err
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			out, err := s.UpdateFlowDetails(cmd.Context(), &f)
			if err != nil {
				return err
			}
			if err := a.record(cmd.Context(), s, "Update flow "+out.ID); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	update.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read, - for stdin")
	cmd.AddCommand(get, update)
	return cmd
}

func taskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Read and update tasks",
	}
	get := &cobra.Command{
		Use:   "get ID",
		Short: "Print a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			t, err := s.GetTaskDetails(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), t)
		},
	}
	var file string
	update := &cobra.Command{
		Use:   "update",
		Short: "Merge a task from JSON into an existing task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var t models.Task
			if err := readJSON(cmd, file, &t); err != nil {
				return err
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			out, err := s.UpdateTaskDetails(cmd.Context(), &t)
			if err != nil {
				return err
			}
			if err := a.record(cmd.Context(), s, "Update task "+out.ID); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	update.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read, - for stdin")
	cmd.AddCommand(get, update)
	return cmd
}

func clearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every book, flow and task",
		Long: `Remove every book, flow and task.

The layout is not recreated; run upgrade before validate succeeds again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.ClearAll(cmd.Context()); err != nil {
				return err
			}
			return a.record(cmd.Context(), s, "Clear all")
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the removal")
	return cmd
}

func schemaCmd(*app) *cobra.Command {
	return &cobra.Command{
		Use:       "schema KIND",
		Short:     "Print the JSON Schema of a metadata file",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"book", "flow", "task"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := storage.MetadataSchema(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sch)
		},
	}
}

// readJSON decodes file, or stdin when file is "-", into v.
func readJSON(cmd *cobra.Command, file string, v any) error {
	var r io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file) //nolint:gosec // G304: file is chosen by the operator
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	d := json.NewDecoder(r)
	d.DisallowUnknownFields()
	if err := d.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", file, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}
