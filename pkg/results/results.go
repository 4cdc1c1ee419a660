// Package results decodes the JSON artifact exported by hyperfine.
package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// CommitParameter is the parameter name carrying the benchmarked revision.
const CommitParameter = "commit"

// Measurement is one timed command from a driver run.
type Measurement struct {
	Command    string            `json:"command"`
	Mean       float64           `json:"mean"`
	Stddev     *float64          `json:"stddev"`
	Median     float64           `json:"median"`
	User       float64           `json:"user"`
	System     float64           `json:"system"`
	Min        float64           `json:"min"`
	Max        float64           `json:"max"`
	Times      []float64         `json:"times"`
	ExitCodes  []int             `json:"exit_codes"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Commit returns the commit parameter and whether it was present.
func (m *Measurement) Commit() (string, bool) {
	if m.Parameters == nil {
		return "", false
	}

	commit, ok := m.Parameters[CommitParameter]

	return commit, ok
}

// ParseError reports an unreadable, malformed or inconsistent artifact.
type ParseError struct {
	Path  string // artifact path, empty when decoding a stream
	Index int    // offending record, -1 for document-level errors
	Field string // offending field, if any
	Err   error
}

func (e *ParseError) Error() string {
	msg := "parsing results"
	if e.Path != "" {
		msg += " " + e.Path
	}

	if e.Index >= 0 {
		msg += fmt.Sprintf(": result %d", e.Index)
	}

	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}

	return msg + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// rawMeasurement mirrors Measurement with pointers so missing required
// fields can be told apart from zero values.
type rawMeasurement struct {
	Command    *string           `json:"command"`
	Mean       *float64          `json:"mean"`
	Stddev     *float64          `json:"stddev"`
	Median     *float64          `json:"median"`
	User       *float64          `json:"user"`
	System     *float64          `json:"system"`
	Min        *float64          `json:"min"`
	Max        *float64          `json:"max"`
	Times      []*float64        `json:"times"`
	ExitCodes  []*int            `json:"exit_codes"`
	Parameters map[string]string `json:"parameters"`
}

type document struct {
	Results *[]rawMeasurement `json:"results"`
}

// Parse reads and validates the artifact at path.
func Parse(path string) ([]Measurement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Index: -1, Err: fmt.Errorf("reading artifact: %w", err)}
	}

	measurements, err := Decode(bytes.NewReader(data))
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Path = path
		}

		return nil, err
	}

	return measurements, nil
}

// Decode reads a single `{"results": [...]}` document from r.
func Decode(r io.Reader) ([]Measurement, error) {
	var doc document

	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Index: -1, Err: fmt.Errorf("decoding JSON: %w", err)}
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &ParseError{Index: -1, Err: errors.New("decoding JSON: unexpected data after document")}
	}

	if doc.Results == nil {
		return nil, &ParseError{Index: -1, Field: "results", Err: errors.New("missing required field")}
	}

	measurements := make([]Measurement, 0, len(*doc.Results))

	for i, raw := range *doc.Results {
		m, err := raw.toMeasurement()
		if err != nil {
			err.Index = i

			return nil, err
		}

		measurements = append(measurements, *m)
	}

	return measurements, nil
}

func (r *rawMeasurement) toMeasurement() (*Measurement, *ParseError) {
	required := []struct {
		name    string
		present bool
	}{
		{"command", r.Command != nil},
		{"mean", r.Mean != nil},
		{"median", r.Median != nil},
		{"user", r.User != nil},
		{"system", r.System != nil},
		{"min", r.Min != nil},
		{"max", r.Max != nil},
		{"times", r.Times != nil},
		{"exit_codes", r.ExitCodes != nil},
	}

	for _, f := range required {
		if !f.present {
			return nil, &ParseError{Field: f.name, Err: errors.New("missing required field")}
		}
	}

	// A sample killed by a signal has a null exit code.
	codes := make([]int, len(r.ExitCodes))

	for i, code := range r.ExitCodes {
		if code == nil {
			return nil, &ParseError{Field: "exit_codes", Err: fmt.Errorf("null exit code for sample %d", i)}
		}

		codes[i] = *code
	}

	times := make([]float64, len(r.Times))

	for i, sample := range r.Times {
		if sample == nil {
			return nil, &ParseError{Field: "times", Err: fmt.Errorf("null sample at %d", i)}
		}

		times[i] = *sample
	}

	m := &Measurement{
		Command:    *r.Command,
		Mean:       *r.Mean,
		Stddev:     r.Stddev,
		Median:     *r.Median,
		User:       *r.User,
		System:     *r.System,
		Min:        *r.Min,
		Max:        *r.Max,
		Times:      times,
		ExitCodes:  codes,
		Parameters: r.Parameters,
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// validate checks the statistical invariants of a measurement.
func (m *Measurement) validate() *ParseError {
	nonNegative := []struct {
		name  string
		value float64
	}{
		{"mean", m.Mean},
		{"median", m.Median},
		{"user", m.User},
		{"system", m.System},
		{"min", m.Min},
		{"max", m.Max},
	}

	for _, f := range nonNegative {
		if f.value < 0 {
			return &ParseError{Field: f.name, Err: fmt.Errorf("negative value %v", f.value)}
		}
	}

	if m.Stddev != nil && *m.Stddev < 0 {
		return &ParseError{Field: "stddev", Err: fmt.Errorf("negative value %v", *m.Stddev)}
	}

	if m.Min > m.Median || m.Median > m.Max {
		return &ParseError{
			Field: "median",
			Err:   fmt.Errorf("expected min <= median <= max, got %v, %v, %v", m.Min, m.Median, m.Max),
		}
	}

	if m.Min > m.Mean || m.Mean > m.Max {
		return &ParseError{
			Field: "mean",
			Err:   fmt.Errorf("expected min <= mean <= max, got %v, %v, %v", m.Min, m.Mean, m.Max),
		}
	}

	if len(m.Times) == 0 {
		return &ParseError{Field: "times", Err: errors.New("at least one sample is required")}
	}

	if len(m.Times) != len(m.ExitCodes) {
		return &ParseError{
			Field: "exit_codes",
			Err:   fmt.Errorf("%d exit codes for %d samples", len(m.ExitCodes), len(m.Times)),
		}
	}

	for i, sample := range m.Times {
		if sample < 0 {
			return &ParseError{Field: "times", Err: fmt.Errorf("negative sample %v at %d", sample, i)}
		}
	}

	return nil
}
