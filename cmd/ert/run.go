package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/itohio/goert/pkg/engine"
	"github.com/itohio/goert/pkg/inject"
	"github.com/spf13/cobra"
)

type runOptions struct {
	*rootOptions
	Repeat            int
	Delay             time.Duration
	NbStack           int
	InjectionDuration time.Duration
	ExportPath        string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run [sequence-file]",
		Short: "Measure a sequence of quadruples",
		Long: `Measure every quadruple of the sequence file (or the configured one).

Each line of the sequence file holds four electrode indices "A B M N".
With --repeat the sequence runs in the background that many times and the
command returns when all repetitions are done or on Ctrl-C.

Example:
  ert run --mock sequences/wenner.txt
  ert run --repeat 4 --delay 15m --nb-stack 2 wenner.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequence(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.Repeat, "repeat", 0, "number of repetitions (0 runs once in the foreground)")
	cmd.Flags().DurationVar(&opts.Delay, "delay", -1, "delay between repetition starts (negative uses the config)")
	cmd.Flags().IntVar(&opts.NbStack, "nb-stack", 0, "stacks per quadruple (0 uses the config)")
	cmd.Flags().DurationVar(&opts.InjectionDuration, "injection-duration", 0, "half-cycle duration (0 uses the config)")
	cmd.Flags().StringVar(&opts.ExportPath, "export", "", "SQLite export path (empty uses the config)")

	return cmd
}

func runSequence(ctx context.Context, opts *runOptions, args []string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(opts.rootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ropts := engine.RunOptions{
		InjectionDuration: opts.InjectionDuration,
		NbStack:           opts.NbStack,
		ExportPath:        opts.ExportPath,
	}
	if len(args) == 1 {
		if ropts.Sequence, err = engine.LoadSequence(args[0]); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopMonitor := a.startMonitor()
	defer stopMonitor()

	if opts.Repeat <= 0 {
		records, err := a.engine.RunSequence(ctx, ropts)
		if err != nil {
			return err
		}
		return printRecords(out, records)
	}

	if err := a.engine.RunMultipleSequences(ropts, opts.Repeat, opts.Delay); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		a.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.engine.Interrupt()
		<-done
	}

	stopMonitor()
	s := a.meter.Summary()
	fmt.Fprintf(out, "records: %d ok: %d failed: %d\n", s.Total, s.OK, s.Failed)
	return nil
}

func printRecords(out io.Writer, records []inject.Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "A\tB\tM\tN\tSTATUS\tR (Ohm)\tσR\tI (mA)\tV (mV)\tSP (mV)\tVinj (V)")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\t%.4g\t%.2g\t%.4g\t%.4g\t%.4g\t%.3g\n",
			r.A, r.B, r.M, r.N, r.Status,
			r.Resistance, r.ResistanceStd,
			r.CurrentMean*1e3, r.VoltageMean*1e3, r.SelfPotential*1e3,
			r.InjectionVoltage,
		)
	}
	return w.Flush()
}
