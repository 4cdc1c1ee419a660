package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/bitbenchoor/pkg/pipeline"
	"github.com/ethpandaops/bitbenchoor/pkg/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run benchmarks on the configured schedule",
	Long: `Benchmark the configured revision every time the schedule fires, until
interrupted. Failed runs are logged and the next fire time is awaited.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var p pipeline.Pipeline

	sched, err := scheduler.New(log, &cfg.Schedule, func(ctx context.Context, revision string) error {
		res, err := p.Run(ctx, revision)
		if err != nil {
			return err
		}

		logResult(res)

		return nil
	}, nil)
	if err != nil {
		return err
	}

	p, stopPipeline, err := startPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopPipeline()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-gctx.Done():
		}

		return nil
	})

	g.Go(func() error {
		defer cancel()

		return sched.Run(gctx)
	})

	log.WithFields(logrus.Fields{
		"schedule": cfg.Schedule.Expression,
		"revision": cfg.Schedule.Revision,
		"next":     sched.Next(time.Now()),
	}).Info("Daemon started")

	return g.Wait()
}
