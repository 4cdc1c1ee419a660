// Package pipeline runs workspace preparation, the benchmark driver, result
// parsing and persistence for one revision on a dedicated worker goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ethpandaops/bitbenchoor/pkg/cpufreq"
	"github.com/ethpandaops/bitbenchoor/pkg/hostinfo"
	"github.com/ethpandaops/bitbenchoor/pkg/results"
	"github.com/ethpandaops/bitbenchoor/pkg/runner"
	"github.com/ethpandaops/bitbenchoor/pkg/store"
	"github.com/ethpandaops/bitbenchoor/pkg/upload"
	"github.com/ethpandaops/bitbenchoor/pkg/workspace"
)

// Stage names a step of a pipeline run.
type Stage string

const (
	StagePreflight Stage = "preflight"
	StageWorkspace Stage = "workspace"
	StageCPUFreq   Stage = "cpufreq"
	StageRunner    Stage = "runner"
	StageParse     Stage = "parse"
	StageStore     Stage = "store"
	StageUpload    Stage = "upload"
)

// ErrNotRunning is returned by Run when the worker is not running.
var ErrNotRunning = errors.New("pipeline worker not running")

// Error reports the stage at which a pipeline run failed.
type Error struct {
	Revision string
	Stage    Stage
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline for revision %q failed at %s: %v", e.Revision, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result summarises a successful run.
type Result struct {
	Revision    string
	Rows        []store.Benchmark
	Duration    time.Duration
	ArtifactKey string // remote key when the artifact was archived
}

// Pipeline executes benchmark runs one at a time.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop() error

	// Run executes the pipeline for revision on the worker and blocks until
	// it finishes. Concurrent callers are served one after another.
	Run(ctx context.Context, revision string) (*Result, error)
}

// Components are the collaborators a pipeline drives. Preflight, CPUFreq
// and Uploader are optional.
type Components struct {
	Preflight hostinfo.Checker
	Workspace workspace.Manager
	CPUFreq   cpufreq.Manager
	Runner    runner.Runner
	Store     store.Store
	Uploader  upload.Uploader
}

type job struct {
	ctx      context.Context //nolint:containedctx // carried to the worker
	revision string
	reply    chan outcome
}

type outcome struct {
	result *Result
	err    error
}

// Compile-time interface check.
var _ Pipeline = (*pipeline)(nil)

type pipeline struct {
	log  logrus.FieldLogger
	c    Components
	sem  *semaphore.Weighted
	jobs chan job

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPipeline creates a new Pipeline.
func NewPipeline(log logrus.FieldLogger, c Components) Pipeline {
	return &pipeline{
		log:  log.WithField("component", "pipeline"),
		c:    c,
		sem:  semaphore.NewWeighted(1),
		jobs: make(chan job),
	}
}

// Start launches the worker goroutine.
func (p *pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("pipeline already started")
	}

	p.running = true
	p.done = make(chan struct{})

	p.wg.Add(1)

	go p.worker(p.done)

	p.log.Debug("Pipeline worker started")

	return nil
}

// Stop signals the worker to exit and waits for any in-flight run.
func (p *pipeline) Stop() error {
	p.mu.Lock()

	if !p.running {
		p.mu.Unlock()

		return nil
	}

	p.running = false
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	p.log.Debug("Pipeline worker stopped")

	return nil
}

func (p *pipeline) worker(done <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case j := <-p.jobs:
			result, err := p.execute(j.ctx, j.revision)
			j.reply <- outcome{result: result, err: err}
		case <-done:
			return
		}
	}
}

func (p *pipeline) Run(ctx context.Context, revision string) (*Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	running, done := p.running, p.done
	p.mu.Unlock()

	if !running {
		return nil, ErrNotRunning
	}

	j := job{ctx: ctx, revision: revision, reply: make(chan outcome, 1)}

	select {
	case p.jobs <- j:
	case <-done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The job observes ctx itself; always wait for it so runs never overlap.
	out := <-j.reply

	return out.result, out.err
}

// execute runs every stage in order. A panic in any stage is reported as a
// failure of that stage.
func (p *pipeline) execute(ctx context.Context, revision string) (result *Result, err error) {
	log := p.log.WithField("revision", revision)
	start := time.Now()
	stage := StagePreflight

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &Error{Revision: revision, Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}

		if err != nil {
			log.WithError(err).WithField("stage", stage).Error("Pipeline failed")
		}
	}()

	fail := func(e error) (*Result, error) {
		return nil, &Error{Revision: revision, Stage: stage, Err: e}
	}

	log.Info("Pipeline started")

	if p.c.Preflight != nil {
		if _, err := p.c.Preflight.Check(ctx); err != nil {
			return fail(err)
		}
	}

	stage = StageWorkspace
	if err := p.c.Workspace.Prepare(ctx, revision); err != nil {
		return fail(err)
	}

	artifact, err := p.runDriver(ctx, revision, &stage)
	if err != nil {
		return fail(err)
	}

	stage = StageParse

	measurements, err := results.Parse(artifact)
	if err != nil {
		return fail(err)
	}

	stage = StageStore
	rows := make([]store.Benchmark, 0, len(measurements))

	for i := range measurements {
		row, err := p.c.Store.Append(ctx, revision, &measurements[i])
		if err != nil {
			return fail(err)
		}

		rows = append(rows, *row)
	}

	result = &Result{Revision: revision, Rows: rows}

	if p.c.Uploader != nil {
		stage = StageUpload

		key, err := p.c.Uploader.Upload(ctx, revision, artifact)
		if err != nil {
			// Rows are already persisted; the archive copy is best-effort.
			log.WithError(err).Warn("Archiving artifact failed")
		} else {
			result.ArtifactKey = key
		}
	}

	result.Duration = time.Since(start)

	log.WithFields(logrus.Fields{
		"rows":     len(rows),
		"duration": units.HumanDuration(result.Duration),
	}).Info("Pipeline finished")

	return result, nil
}

// runDriver pins CPU frequency around the driver run.
func (p *pipeline) runDriver(ctx context.Context, revision string, stage *Stage) (string, error) {
	if p.c.CPUFreq != nil {
		*stage = StageCPUFreq
		defer func() {
			if err := p.c.CPUFreq.Restore(context.WithoutCancel(ctx)); err != nil {
				p.log.WithError(err).Warn("Restoring CPU frequency settings failed")
			}
		}()

		if err := p.c.CPUFreq.Apply(ctx); err != nil {
			return "", err
		}
	}

	*stage = StageRunner

	return p.c.Runner.Run(ctx, p.c.Workspace.RepoPath(), revision)
}
