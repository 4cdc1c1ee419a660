// Package workspace positions a local source checkout at a revision.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
)

// Step names a stage of Prepare.
type Step string

const (
	StepChdir    Step = "chdir"
	StepFetch    Step = "fetch"
	StepCheckout Step = "checkout"
)

// Error reports a failed workspace step.
type Error struct {
	Step     Step
	Revision string
	RepoPath string
	ExitCode int    // -1 when the tool did not run or exit normally
	Output   string // combined tool output
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("workspace %s failed for revision %q in %s", e.Step, e.Revision, e.RepoPath)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}

	msg += ": " + e.Err.Error()

	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Commander runs an external command with dir as its working directory.
type Commander interface {
	Run(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error
}

// ExecCommander runs commands with os/exec.
type ExecCommander struct{}

// Run implements Commander.
func (ExecCommander) Run(
	ctx context.Context,
	dir string,
	stdout, stderr io.Writer,
	name string,
	args ...string,
) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	return cmd.Run()
}

// Manager prepares the source checkout.
type Manager interface {
	// Prepare refreshes all remotes and checks out revision.
	Prepare(ctx context.Context, revision string) error
	// RepoPath returns the checkout all commands run in.
	RepoPath() string
}

// Compile-time interface check.
var _ Manager = (*manager)(nil)

type manager struct {
	log       logrus.FieldLogger
	cfg       *config.WorkspaceConfig
	commander Commander
	stdout    io.Writer
	stderr    io.Writer
}

// Option configures a Manager.
type Option func(*manager)

// WithCommander replaces the command executor.
func WithCommander(c Commander) Option {
	return func(m *manager) {
		m.commander = c
	}
}

// WithOutput sets where tool output is passed through to.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(m *manager) {
		m.stdout = stdout
		m.stderr = stderr
	}
}

// NewManager creates a new workspace Manager.
func NewManager(log logrus.FieldLogger, cfg *config.WorkspaceConfig, opts ...Option) Manager {
	m := &manager{
		log:       log.WithField("component", "workspace"),
		cfg:       cfg,
		commander: ExecCommander{},
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *manager) RepoPath() string {
	return m.cfg.RepoPath
}

func (m *manager) Prepare(ctx context.Context, revision string) error {
	log := m.log.WithFields(logrus.Fields{
		"revision":  revision,
		"repo_path": m.cfg.RepoPath,
	})

	if err := m.checkDir(revision); err != nil {
		return err
	}

	if revision == "" {
		return m.newError(StepCheckout, revision, -1, "", errors.New("empty revision"))
	}

	// A leading dash would be parsed as an option by git.
	if strings.HasPrefix(revision, "-") {
		return m.newError(StepCheckout, revision, -1, "", errors.New("revision must not start with '-'"))
	}

	start := time.Now()

	log.Info("Fetching all remotes")

	if err := m.git(ctx, StepFetch, revision, "fetch", "--all"); err != nil {
		return err
	}

	log.Info("Checking out revision")

	if err := m.git(ctx, StepCheckout, revision, "checkout", revision); err != nil {
		return err
	}

	log.WithField("duration", units.HumanDuration(time.Since(start))).Info("Workspace ready")

	return nil
}

// checkDir verifies the checkout is usable as a working directory.
func (m *manager) checkDir(revision string) error {
	info, err := os.Stat(m.cfg.RepoPath)
	if err != nil {
		return m.newError(StepChdir, revision, -1, "", err)
	}

	if !info.IsDir() {
		return m.newError(StepChdir, revision, -1, "", fmt.Errorf("%s is not a directory", m.cfg.RepoPath))
	}

	return nil
}

func (m *manager) git(ctx context.Context, step Step, revision string, args ...string) error {
	var output syncBuffer

	stdout := io.MultiWriter(m.stdout, &output)
	stderr := io.MultiWriter(m.stderr, &output)

	err := m.commander.Run(ctx, m.cfg.RepoPath, stdout, stderr, m.cfg.GitBinary, args...)
	if err != nil {
		return m.newError(step, revision, exitCode(err), output.String(), err)
	}

	return nil
}

func (m *manager) newError(step Step, revision string, code int, output string, err error) *Error {
	return &Error{
		Step:     step,
		Revision: revision,
		RepoPath: m.cfg.RepoPath,
		ExitCode: code,
		Output:   output,
		Err:      err,
	}
}

// exitCode extracts the process exit status, -1 if there is none.
func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}

	return -1
}

// syncBuffer interleaves stdout and stderr, which are copied on separate
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}
