package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/config"
	"github.com/JakeFAU/manga-crawl-engine/internal/logging"
	"github.com/JakeFAU/manga-crawl-engine/internal/server"
)

type runtimeKey struct{}

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "mangacrawler",
		Short:        "Crawls manga sites into a catalog of series, chapters and pages.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newCrawlCmd())
	return cmd
}

func runtimeFrom(cmd *cobra.Command) (*runtime, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime)
	if !ok {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// buildApp loads the runtime and builds the application under a context that
// ends on SIGINT or SIGTERM.
func buildApp(cmd *cobra.Command) (context.Context, context.CancelFunc, *server.App, *zap.Logger, error) {
	rt, err := runtimeFrom(cmd)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	app, err := server.Build(ctx, rt.cfg, rt.logger)
	if err != nil {
		stop()
		rt.logger.Error("build application failed", zap.Error(err))
		return nil, nil, nil, nil, err
	}
	return ctx, stop, app, rt.logger, nil
}
