package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
	"github.com/ethpandaops/bitbenchoor/pkg/results"
	"github.com/ethpandaops/bitbenchoor/pkg/store"
)

func testConfig(t *testing.T) *config.DatabaseConfig {
	t.Helper()

	return &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "nested", "results.db"),
		},
	}
}

func startStore(t *testing.T, cfg *config.DatabaseConfig) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func openRaw(t *testing.T, path string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func ptr(f float64) *float64 {
	return &f
}

func measurement() *results.Measurement {
	return &results.Measurement{
		Command:    "./build/src/bitcoind ...",
		Mean:       120.5,
		Stddev:     ptr(1.2),
		Median:     120.4,
		User:       90.0,
		System:     5.0,
		Min:        119.0,
		Max:        122.0,
		Times:      []float64{120.5},
		ExitCodes:  []int{0},
		Parameters: map[string]string{"commit": "abc123"},
	}
}

func TestStore_AppendUsesCommitParameter(t *testing.T) {
	s := startStore(t, testConfig(t))
	ctx := context.Background()

	row, err := s.Append(ctx, "abc123", measurement())
	require.NoError(t, err)
	assert.NotZero(t, row.ID)

	rows, err := s.List(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, "abc123", got.CommitHash)
	assert.Equal(t, "./build/src/bitcoind ...", got.Command)
	assert.Equal(t, 120.5, got.Mean)
	require.NotNil(t, got.Stddev)
	assert.Equal(t, 1.2, *got.Stddev)
	assert.Equal(t, 120.4, got.Median)
	assert.Equal(t, 90.0, got.User)
	assert.Equal(t, 5.0, got.System)
	assert.Equal(t, 119.0, got.Min)
	assert.Equal(t, 122.0, got.Max)
	assert.Equal(t, "[120.5]", got.Times)
	assert.Equal(t, "[0]", got.ExitCodes)
	require.NotNil(t, got.Parameters)
	assert.JSONEq(t, `{"commit":"abc123"}`, *got.Parameters)
}

func TestStore_CommitParameterOverridesRevision(t *testing.T) {
	s := startStore(t, testConfig(t))
	ctx := context.Background()

	m := measurement()
	m.Parameters = map[string]string{"commit": "deadbeef"}

	row, err := s.Append(ctx, "master", m)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", row.CommitHash)

	rows, err := s.List(ctx, "master")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_RevisionUsedWithoutParameters(t *testing.T) {
	cfg := testConfig(t)
	s := startStore(t, cfg)
	ctx := context.Background()

	m := measurement()
	m.Stddev = nil
	m.Parameters = nil

	row, err := s.Append(ctx, "master", m)
	require.NoError(t, err)
	assert.Equal(t, "master", row.CommitHash)

	raw := openRaw(t, cfg.SQLite.Path)

	var nulls int64
	require.NoError(t, raw.Table(store.TableName).
		Where("stddev IS NULL AND parameters IS NULL").
		Count(&nulls).Error)
	assert.Equal(t, int64(1), nulls)

	rows, err := s.List(ctx, "master")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Stddev)
	assert.Nil(t, rows[0].Parameters)

	params, err := rows[0].Params()
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestStore_SequencesRoundTrip(t *testing.T) {
	s := startStore(t, testConfig(t))
	ctx := context.Background()

	m := measurement()
	m.Times = []float64{1.5, 2.25, 3}
	m.ExitCodes = []int{0, 1, 0}
	m.Parameters = map[string]string{"commit": "abc123", "dbcache": "16385"}

	_, err := s.Append(ctx, "abc123", m)
	require.NoError(t, err)

	rows, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	times, err := rows[0].Samples()
	require.NoError(t, err)
	assert.Equal(t, m.Times, times)

	codes, err := rows[0].Codes()
	require.NoError(t, err)
	assert.Equal(t, m.ExitCodes, codes)

	params, err := rows[0].Params()
	require.NoError(t, err)
	assert.Equal(t, m.Parameters, params)
}

func TestStore_ListOrdersByInsertion(t *testing.T) {
	s := startStore(t, testConfig(t))
	ctx := context.Background()

	for _, command := range []string{"first", "second", "third"} {
		m := measurement()
		m.Command = command

		_, err := s.Append(ctx, "abc123", m)
		require.NoError(t, err)
	}

	rows, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "first", rows[0].Command)
	assert.Equal(t, "second", rows[1].Command)
	assert.Equal(t, "third", rows[2].Command)
	assert.Less(t, rows[0].ID, rows[1].ID)
	assert.Less(t, rows[1].ID, rows[2].ID)
}

func TestStore_EnsureSchemaIdempotent(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	first := store.NewStore(log, cfg)
	require.NoError(t, first.Start(ctx))

	_, err := first.Append(ctx, "abc123", measurement())
	require.NoError(t, err)

	require.NoError(t, first.EnsureSchema(ctx))
	require.NoError(t, first.Stop())

	second := startStore(t, cfg)
	require.NoError(t, second.EnsureSchema(ctx))

	rows, err := second.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc123", rows[0].CommitHash)
}

func TestStore_EnsureSchemaLeavesExistingTable(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "results.db")

	raw := openRaw(t, cfg.SQLite.Path)
	require.NoError(t, raw.Exec(`CREATE TABLE benchmarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		commit_hash TEXT NOT NULL,
		command TEXT NOT NULL,
		mean REAL, stddev REAL, median REAL, user REAL, system REAL,
		min REAL, max REAL,
		times TEXT, exit_codes TEXT, parameters TEXT,
		note TEXT
	)`).Error)

	s := startStore(t, cfg)

	_, err := s.Append(context.Background(), "abc123", measurement())
	require.NoError(t, err)

	assert.True(t, raw.Migrator().HasColumn(store.TableName, "note"))

	var count int64
	require.NoError(t, raw.Table(store.TableName).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unsupported driver", func(t *testing.T) {
		s := store.NewStore(logrus.New(), &config.DatabaseConfig{Driver: "mysql"})

		err := s.Start(ctx)

		var serr *store.Error
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "open", serr.Op)
	})

	t.Run("append before start", func(t *testing.T) {
		s := store.NewStore(logrus.New(), testConfig(t))

		_, err := s.Append(ctx, "abc123", measurement())

		var serr *store.Error
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "append", serr.Op)
	})

	t.Run("empty commit hash", func(t *testing.T) {
		s := startStore(t, testConfig(t))

		m := measurement()
		m.Parameters = nil

		_, err := s.Append(ctx, "", m)

		var serr *store.Error
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "append", serr.Op)
	})

	t.Run("invalid owner", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Owner = "nobody"

		err := store.NewStore(logrus.New(), cfg).Start(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.owner")
	})
}
