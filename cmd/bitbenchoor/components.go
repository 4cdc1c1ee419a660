package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
	"github.com/ethpandaops/bitbenchoor/pkg/cpufreq"
	"github.com/ethpandaops/bitbenchoor/pkg/hostinfo"
	"github.com/ethpandaops/bitbenchoor/pkg/pipeline"
	"github.com/ethpandaops/bitbenchoor/pkg/runner"
	"github.com/ethpandaops/bitbenchoor/pkg/store"
	"github.com/ethpandaops/bitbenchoor/pkg/upload"
	"github.com/ethpandaops/bitbenchoor/pkg/workspace"
)

// loadConfig loads and validates the configuration from --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The file setting only applies when --log-level was left at its default.
	if !rootCmd.PersistentFlags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// startPipeline opens the store, builds every component from cfg and
// starts the pipeline worker. The returned stop function tears both down.
func startPipeline(ctx context.Context, cfg *config.Config) (pipeline.Pipeline, func(), error) {
	st := store.NewStore(log, &cfg.Database)

	if err := st.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("starting store: %w", err)
	}

	stopStore := func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}

	components := pipeline.Components{
		Preflight: hostinfo.NewChecker(log, cfg.Benchmark.DataDir, cfg.Benchmark.MinFreeSpaceBytes()),
		Workspace: workspace.NewManager(log, &cfg.Workspace),
		CPUFreq:   cpufreq.NewManager(log, &cfg.Benchmark.CPUFreq),
		Runner:    runner.NewRunner(log, &cfg.Benchmark),
		Store:     st,
	}

	if cfg.Upload.S3.Enabled {
		uploader := upload.NewS3Uploader(log, &cfg.Upload.S3)

		if err := uploader.Preflight(ctx); err != nil {
			stopStore()

			return nil, nil, fmt.Errorf("s3 upload preflight: %w", err)
		}

		components.Uploader = uploader
	}

	p := pipeline.NewPipeline(log, components)

	if err := p.Start(ctx); err != nil {
		stopStore()

		return nil, nil, fmt.Errorf("starting pipeline: %w", err)
	}

	stop := func() {
		if err := p.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop pipeline")
		}

		stopStore()
	}

	return p, stop, nil
}

func logResult(res *pipeline.Result) {
	log.WithFields(logrus.Fields{
		"revision": res.Revision,
		"rows":     len(res.Rows),
		"duration": res.Duration.Round(time.Millisecond).String(),
	}).Info("Benchmark recorded")

	for _, row := range res.Rows {
		log.WithFields(logrus.Fields{
			"id":     row.ID,
			"commit": row.CommitHash,
			"mean":   row.Mean,
			"median": row.Median,
		}).Debug("Stored measurement")
	}
}
