package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, app, _, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer stop()
			return app.RunServe(ctx)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume distributed pipeline stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, app, _, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer stop()
			return app.RunWorker(ctx)
		},
	}
}
