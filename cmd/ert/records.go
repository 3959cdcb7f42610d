package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/goert/pkg/inject"
	"github.com/itohio/goert/pkg/store"
	"github.com/spf13/cobra"
)

type recordsOptions struct {
	*rootOptions
	ExportPath string
}

func newRecordsCommand(root *rootOptions) *cobra.Command {
	opts := &recordsOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "records [run-id]",
		Short: "List stored runs or the records of one run",
		Long: `Without arguments, list the runs stored in the export database.
With a run ID, print every record of that run in acquisition order.

Example:
  ert records --export survey.db
  ert records 5f0c3e0e-8a63-4a47-9d8e-0d6f1f3b2a10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ExportPath
			if path == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Acquisition.ExportPath
			}
			if len(args) == 0 {
				return listRuns(cmd.Context(), path, cmd.OutOrStdout())
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			return listRecords(cmd.Context(), path, id, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.ExportPath, "export", "", "SQLite export path (empty uses the config)")

	return cmd
}

// openExport opens an existing export database without creating one.
func openExport(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("export database: %w", err)
	}
	return store.Open(path)
}

func listRuns(ctx context.Context, path string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openExport(path)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.Runs(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\n", r.ID, r.Started.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func listRecords(ctx context.Context, path string, id uuid.UUID, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openExport(path)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.Records(ctx, id)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no records for run %s", id)
	}
	records := make([]inject.Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}
	return printRecords(out, records)
}
