package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/goert/pkg/dispatch"
	"github.com/itohio/goert/pkg/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	*rootOptions
	URL string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept measurement commands over socket.io",
		Long: `Connect to the socket.io server named in the remote config section and
execute the commands received on the command event until interrupted.
Every command is acknowledged on the ack event with its cmd_id and status.

Example:
  ert serve --mock --url http://192.168.1.10:3000/socket.io/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "socket.io server URL override")

	return cmd
}

func serve(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(opts.rootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	rcfg := a.cfg.Remote
	if opts.URL != "" {
		rcfg.URL = opts.URL
	}
	listener, err := remote.New(rcfg, dispatch.New(a.engine, a.logger), a.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Run(ctx)
	})
	g.Go(func() error {
		a.watch()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		a.engine.Interrupt()
		a.feed.Close()
		return nil
	})

	err = g.Wait()
	if err != nil {
		a.logger.Error("serve failed", zap.Error(err))
	}
	return err
}
