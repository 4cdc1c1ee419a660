package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/bitbenchoor/pkg/pipeline"
	"github.com/ethpandaops/bitbenchoor/pkg/runner"
)

func TestReportError_KeepsDriverOutputLines(t *testing.T) {
	err := fmt.Errorf("benchmarking %q: %w", "abc123", &pipeline.Error{
		Revision: "abc123",
		Stage:    pipeline.StageRunner,
		Err: &runner.Error{
			ExitCode: 2,
			Stdout:   "Benchmark 1: ./build/src/bitcoind\nline two",
			Stderr:   "cmake: error\n\"quoted\"",
			Err:      errors.New("exit status 2"),
		},
	})

	var buf bytes.Buffer

	reportError(&buf, err)

	out := buf.String()
	assert.Contains(t, out, "--- stdout ---\nBenchmark 1: ./build/src/bitcoind\nline two\n")
	assert.Contains(t, out, "--- stderr ---\ncmake: error\n\"quoted\"\n")
	assert.NotContains(t, out, `\n`)
	assert.Contains(t, out, "exit code 2")
}
