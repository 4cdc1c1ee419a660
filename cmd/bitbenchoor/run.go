package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runRevision string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Benchmark a single revision",
	Long: `Check out the given revision, time it with hyperfine and store the
results. Exits non-zero if any stage fails.`,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runRevision, "commit", "c", "",
		"revision to benchmark (commit hash, branch or tag)")

	_ = runCmd.MarkFlagRequired("commit")
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, stopPipeline, err := startPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopPipeline()

	res, err := p.Run(ctx, runRevision)
	if err != nil {
		return fmt.Errorf("benchmarking %q: %w", runRevision, err)
	}

	logResult(res)

	return nil
}
