package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

type crawlFlags struct {
	pageLimit string
	maxItems  int
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <target>",
		Short: "Run one full crawl of a target and wait for it",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(_ *cobra.Command, _ []string) error {
			_, err := flags.limit()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := flags.limit()
			if err != nil {
				return err
			}
			ctx, stop, app, logger, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			job, err := app.RunOnce(ctx, args[0], limit, flags.maxItems)
			if job.ID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(job); encErr != nil {
					logger.Warn("print job failed", zap.Error(encErr))
				}
			}
			if err != nil {
				return err
			}
			if job.Status != crawler.JobStatusCompleted {
				return fmt.Errorf("job %s finished %s: %s", job.ID, job.Status, job.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.pageLimit, "pages", "first", `result pages to visit: "first", "all" or a count`)
	cmd.Flags().IntVar(&flags.maxItems, "max-items", 0, "stop after this many series (0 means no cap)")
	return cmd
}

func (f crawlFlags) limit() (crawler.PageLimit, error) {
	if f.maxItems < 0 {
		return crawler.PageLimit{}, fmt.Errorf("--max-items must be >= 0")
	}
	limit, err := crawler.ParsePageLimit(f.pageLimit)
	if err != nil {
		return crawler.PageLimit{}, fmt.Errorf("--pages: %w", err)
	}
	return limit, nil
}
