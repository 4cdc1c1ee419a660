// Package runner invokes the benchmark driver against a prepared checkout.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
)

const (
	// DefaultHeartbeatInterval is the minimum gap between progress log lines.
	DefaultHeartbeatInterval = 30 * time.Second

	// waitDelay bounds how long Wait blocks on output pipes held open by
	// orphaned grandchildren after the shell exits.
	waitDelay = 30 * time.Second
)

// Error reports a failed driver run with everything it printed.
type Error struct {
	ExitCode int // -1 when the driver could not be started or was killed
	Stdout   string
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "benchmark driver failed (exit code %d): %v", e.ExitCode, e.Err)

	if out := strings.TrimSpace(e.Stdout); out != "" {
		sb.WriteString("\n--- stdout ---\n")
		sb.WriteString(out)
	}

	if out := strings.TrimSpace(e.Stderr); out != "" {
		sb.WriteString("\n--- stderr ---\n")
		sb.WriteString(out)
	}

	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Runner executes the benchmark recipe.
type Runner interface {
	// Run times revision in repoPath and returns the artifact path.
	Run(ctx context.Context, repoPath, revision string) (string, error)
	// Recipe returns the recipe the runner executes.
	Recipe() Recipe
}

// Compile-time interface check.
var _ Runner = (*runner)(nil)

type runner struct {
	log       logrus.FieldLogger
	cfg       *config.BenchmarkConfig
	recipe    Recipe
	stdout    io.Writer
	stderr    io.Writer
	heartbeat time.Duration
}

// Option configures a Runner.
type Option func(*runner)

// WithOutput sets where driver output is passed through to.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithHeartbeat sets the progress log interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(r *runner) {
		r.heartbeat = interval
	}
}

// NewRunner creates a new Runner.
func NewRunner(log logrus.FieldLogger, cfg *config.BenchmarkConfig, opts ...Option) Runner {
	r := &runner{
		log:       log.WithField("component", "runner"),
		cfg:       cfg,
		recipe:    RecipeFromConfig(cfg),
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		heartbeat: DefaultHeartbeatInterval,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *runner) Recipe() Recipe {
	return r.recipe
}

func (r *runner) Run(ctx context.Context, repoPath, revision string) (string, error) {
	artifact := filepath.Join(repoPath, r.recipe.Artifact)
	line := r.recipe.CommandLine(revision)

	log := r.log.WithFields(logrus.Fields{
		"revision": revision,
		"artifact": artifact,
	})

	if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", &Error{ExitCode: -1, Err: fmt.Errorf("removing stale artifact: %w", err)}
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var (
		stdoutBuf bytes.Buffer
		stderrBuf bytes.Buffer
	)

	progress := &progressWriter{
		log:       log,
		sometimes: &rate.Sometimes{Interval: r.heartbeat},
	}

	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", line)
	cmd.Dir = repoPath
	cmd.Stdout = io.MultiWriter(r.stdout, &stdoutBuf, progress)
	cmd.Stderr = io.MultiWriter(r.stderr, &stderrBuf, progress)
	cmd.WaitDelay = waitDelay

	// The driver forks the build and the node; cancel the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	log.WithField("command", line).Info("Starting benchmark driver")

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return "", &Error{ExitCode: -1, Err: fmt.Errorf("starting driver: %w", err)}
	}

	err := cmd.Wait()

	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}

		return "", &Error{
			ExitCode: cmd.ProcessState.ExitCode(),
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			Err:      err,
		}
	}

	if _, err := os.Stat(artifact); err != nil {
		return "", &Error{
			ExitCode: 0,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			Err:      fmt.Errorf("driver exited cleanly but produced no artifact: %w", err),
		}
	}

	log.WithFields(logrus.Fields{
		"duration": units.HumanDuration(elapsed),
		"output":   units.HumanSize(float64(progress.total.Load())),
	}).Info("Benchmark driver finished")

	return artifact, nil
}

// progressWriter counts driver output and periodically logs that the
// driver is still alive.
type progressWriter struct {
	log       logrus.FieldLogger
	sometimes *rate.Sometimes
	total     atomic.Int64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	total := w.total.Add(int64(len(p)))

	w.sometimes.Do(func() {
		w.log.WithField("output", units.HumanSize(float64(total))).Info("Benchmark driver running")
	})

	return len(p), nil
}
