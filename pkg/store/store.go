// Package store persists benchmark measurements in an append-only table.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
	"github.com/ethpandaops/bitbenchoor/pkg/fsutil"
	"github.com/ethpandaops/bitbenchoor/pkg/results"
)

// Error reports a failed store operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store provides persistence for benchmark measurements.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// EnsureSchema creates the benchmarks table if it does not exist.
	// An existing table is never altered.
	EnsureSchema(ctx context.Context) error

	// Append inserts one row for m. The row's commit hash is the commit
	// parameter of m when present, otherwise revision.
	Append(ctx context.Context, revision string, m *results.Measurement) (*Benchmark, error)

	// List returns rows in insertion order, filtered by commit hash unless
	// commitHash is empty.
	List(ctx context.Context, commitHash string) ([]Benchmark, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and ensures the schema exists.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	owner, err := fsutil.ParseOwner(s.cfg.Owner)
	if err != nil {
		return &Error{Op: "open", Err: fmt.Errorf("parsing database.owner: %w", err)}
	}

	switch s.cfg.Driver {
	case "sqlite":
		if err := fsutil.MkdirAll(filepath.Dir(s.cfg.SQLite.Path), 0o755, owner); err != nil {
			return &Error{Op: "open", Err: fmt.Errorf("creating database directory: %w", err)}
		}

		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return &Error{Op: "open", Err: fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)}
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return &Error{Op: "open", Err: fmt.Errorf("getting underlying db: %w", err)}
		}

		// One writer at a time; sqlite serialises writes anyway.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	if s.cfg.Driver == "sqlite" {
		fsutil.Chown(s.cfg.SQLite.Path, owner)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return &Error{Op: "ensure_schema", Err: errors.New("store not started")}
	}

	migrator := s.db.WithContext(ctx).Migrator()
	if migrator.HasTable(&Benchmark{}) {
		return nil
	}

	if err := migrator.CreateTable(&Benchmark{}); err != nil {
		return &Error{Op: "ensure_schema", Err: fmt.Errorf("creating %s table: %w", TableName, err)}
	}

	s.log.WithField("table", TableName).Info("Created table")

	return nil
}

func (s *store) Append(
	ctx context.Context,
	revision string,
	m *results.Measurement,
) (*Benchmark, error) {
	if s.db == nil {
		return nil, &Error{Op: "append", Err: errors.New("store not started")}
	}

	row, err := newBenchmark(revision, m)
	if err != nil {
		return nil, &Error{Op: "append", Err: err}
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, &Error{Op: "append", Err: err}
	}

	s.log.WithFields(logrus.Fields{
		"id":          row.ID,
		"commit_hash": row.CommitHash,
		"mean":        row.Mean,
	}).Debug("Appended benchmark row")

	return row, nil
}

func (s *store) List(ctx context.Context, commitHash string) ([]Benchmark, error) {
	if s.db == nil {
		return nil, &Error{Op: "list", Err: errors.New("store not started")}
	}

	var rows []Benchmark

	q := s.db.WithContext(ctx).Order("id ASC")
	if commitHash != "" {
		q = q.Where("commit_hash = ?", commitHash)
	}

	if err := q.Find(&rows).Error; err != nil {
		return nil, &Error{Op: "list", Err: err}
	}

	return rows, nil
}

// newBenchmark maps a measurement onto a row, encoding the sequence and
// mapping fields as JSON text.
func newBenchmark(revision string, m *results.Measurement) (*Benchmark, error) {
	commit, ok := m.Commit()
	if !ok {
		commit = revision
	}

	if commit == "" {
		return nil, errors.New("empty commit hash")
	}

	times, err := json.Marshal(m.Times)
	if err != nil {
		return nil, fmt.Errorf("encoding times: %w", err)
	}

	codes, err := json.Marshal(m.ExitCodes)
	if err != nil {
		return nil, fmt.Errorf("encoding exit_codes: %w", err)
	}

	row := &Benchmark{
		CommitHash: commit,
		Command:    m.Command,
		Mean:       m.Mean,
		Stddev:     m.Stddev,
		Median:     m.Median,
		User:       m.User,
		System:     m.System,
		Min:        m.Min,
		Max:        m.Max,
		Times:      string(times),
		ExitCodes:  string(codes),
	}

	if m.Parameters != nil {
		params, err := json.Marshal(m.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encoding parameters: %w", err)
		}

		encoded := string(params)
		row.Parameters = &encoded
	}

	return row, nil
}
