package store

import (
	"encoding/json"
	"fmt"
)

// TableName is the table holding persisted measurements.
const TableName = "benchmarks"

// Benchmark is one persisted measurement row. Rows are append-only.
type Benchmark struct {
	ID         uint     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CommitHash string   `gorm:"column:commit_hash;type:text;not null" json:"commit_hash"`
	Command    string   `gorm:"column:command;type:text;not null" json:"command"`
	Mean       float64  `gorm:"column:mean" json:"mean"`
	Stddev     *float64 `gorm:"column:stddev" json:"stddev"`
	Median     float64  `gorm:"column:median" json:"median"`
	User       float64  `gorm:"column:user" json:"user"`
	System     float64  `gorm:"column:system" json:"system"`
	Min        float64  `gorm:"column:min" json:"min"`
	Max        float64  `gorm:"column:max" json:"max"`
	Times      string   `gorm:"column:times;type:text" json:"times"`
	ExitCodes  string   `gorm:"column:exit_codes;type:text" json:"exit_codes"`
	Parameters *string  `gorm:"column:parameters;type:text" json:"parameters"`
}

// TableName implements gorm's tabler interface.
func (Benchmark) TableName() string {
	return TableName
}

// Samples decodes the stored sample times.
func (b *Benchmark) Samples() ([]float64, error) {
	var times []float64
	if err := json.Unmarshal([]byte(b.Times), &times); err != nil {
		return nil, fmt.Errorf("decoding times: %w", err)
	}

	return times, nil
}

// Codes decodes the stored per-sample exit codes.
func (b *Benchmark) Codes() ([]int, error) {
	var codes []int
	if err := json.Unmarshal([]byte(b.ExitCodes), &codes); err != nil {
		return nil, fmt.Errorf("decoding exit_codes: %w", err)
	}

	return codes, nil
}

// Params decodes the stored parameters. It returns nil when the column is NULL.
func (b *Benchmark) Params() (map[string]string, error) {
	if b.Parameters == nil {
		return nil, nil
	}

	var params map[string]string
	if err := json.Unmarshal([]byte(*b.Parameters), &params); err != nil {
		return nil, fmt.Errorf("decoding parameters: %w", err)
	}

	return params, nil
}
