package main

import (
	"errors"
	"maps"
	"os"
	"slices"
	"os/signal"
	"syscall"

	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWorkerCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve the demo module over stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			module := demoModule()
			ep := worker.ServeStdio(ctx)
			if err := rpc.Expose(ep, module); err != nil {
				return err
			}
			logger.Debug("worker serving", zap.Int("pid", os.Getpid()),
				zap.Strings("methods", slices.Sorted(maps.Keys(module))))

			// the controller closing our stdin is the normal way out
			err = ep.Wait()
			if errors.Is(err, worker.ErrConnectionLost) || ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
