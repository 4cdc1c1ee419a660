package runner

import (
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
)

// Fixed parts of the benchmark recipe.
const (
	CommitParameter = "commit"
	SetupStep       = "rm -Rf build && git checkout {commit} && cmake -B build && cmake --build build -j$(nproc)"
	NodeBinary      = "./build/src/bitcoind"
	Runs            = 1
)

// NodeFlags are passed to the node after -datadir.
var NodeFlags = []string{
	"-connect=127.0.0.1:8333",
	"-port=8444",
	"-rpcport=8445",
	"-dbcache=16385",
	"-printtoconsole=0",
	"-stopatheight=100000",
}

// Recipe describes one driver invocation.
type Recipe struct {
	Driver   string
	Artifact string
	DataDir  string
}

// RecipeFromConfig builds the recipe for cfg.
func RecipeFromConfig(cfg *config.BenchmarkConfig) Recipe {
	return Recipe{
		Driver:   cfg.Driver,
		Artifact: cfg.Artifact,
		DataDir:  cfg.DataDir,
	}
}

func (r Recipe) dataDir() string {
	return strings.TrimRight(r.DataDir, "/")
}

// PrepareStep clears the node data directory before each sample.
func (r Recipe) PrepareStep() string {
	return "sync && rm -Rf " + r.dataDir() + "/*"
}

// TimedCommand is the command the driver measures.
func (r Recipe) TimedCommand() string {
	return NodeBinary + " -datadir=" + r.dataDir() + " " + strings.Join(NodeFlags, " ")
}

// Args returns the driver argv, driver first.
func (r Recipe) Args(revision string) []string {
	return []string{
		r.Driver,
		"--parameter-list", CommitParameter, revision,
		"--setup", SetupStep,
		"--prepare", r.PrepareStep(),
		"--cleanup", "",
		"--runs", strconv.Itoa(Runs),
		"--show-output",
		"--export-json", r.Artifact,
		r.TimedCommand(),
	}
}

// CommandLine returns the shell command line for revision.
func (r Recipe) CommandLine(revision string) string {
	return shellquote.Join(r.Args(revision)...)
}
