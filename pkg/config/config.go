package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	// BITBENCHOOR_WORKSPACE_REPO_PATH overrides workspace.repo_path.
	EnvPrefix = "BITBENCHOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRepoPath is the source checkout the pipeline operates on.
	DefaultRepoPath = "/home/will/src/bitcoin"

	// DefaultGitBinary is the revision-control tool.
	DefaultGitBinary = "git"

	// DefaultDriver is the microbenchmark driver.
	DefaultDriver = "hyperfine"

	// DefaultShell runs the driver command line.
	DefaultShell = "sh"

	// DefaultArtifact is the driver's JSON export, relative to the repo.
	DefaultArtifact = "results.json"

	// DefaultDataDir is the node data directory wiped before every sample.
	DefaultDataDir = "/mnt/bench/.bitcoin"

	// DefaultDatabaseDriver is the default result store driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default result store location.
	DefaultSQLitePath = "/home/will/src/bitcoin_benchmark/results.db"

	// DefaultScheduleExpression fires daily at 00:00:00 UTC.
	// Fields: seconds minutes hours day-of-month month day-of-week year.
	DefaultScheduleExpression = "0 0 0 * * * *"

	// DefaultScheduleRevision is the revision benchmarked on every fire.
	DefaultScheduleRevision = "master"

	// DefaultCPUSysfsPath is the sysfs root for CPU frequency control.
	DefaultCPUSysfsPath = "/sys/devices/system/cpu"

	// DefaultS3Prefix is the key prefix for archived artifacts.
	DefaultS3Prefix = "bitbenchoor/results"
)

// Config is the root configuration for bitbenchoor.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Workspace WorkspaceConfig `yaml:"workspace" mapstructure:"workspace"`
	Benchmark BenchmarkConfig `yaml:"benchmark" mapstructure:"benchmark"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Upload    UploadConfig    `yaml:"upload" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// WorkspaceConfig describes the source checkout.
type WorkspaceConfig struct {
	RepoPath  string `yaml:"repo_path" mapstructure:"repo_path"`
	GitBinary string `yaml:"git_binary" mapstructure:"git_binary"`
}

// BenchmarkConfig contains the driver invocation settings.
type BenchmarkConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"`
	Shell        string        `yaml:"shell" mapstructure:"shell"`
	Artifact     string        `yaml:"artifact" mapstructure:"artifact"`
	DataDir      string        `yaml:"datadir" mapstructure:"datadir"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MinFreeSpace string        `yaml:"min_free_space,omitempty" mapstructure:"min_free_space"`
	CPUFreq      CPUFreqConfig `yaml:"cpufreq" mapstructure:"cpufreq"`
}

// CPUFreqConfig pins CPU frequency behaviour for the duration of a run.
// Empty values leave the host untouched.
type CPUFreqConfig struct {
	SysfsPath  string `yaml:"sysfs_path" mapstructure:"sysfs_path"`
	Governor   string `yaml:"governor,omitempty" mapstructure:"governor"`
	TurboBoost *bool  `yaml:"turbo_boost,omitempty" mapstructure:"turbo_boost"`
}

// Enabled reports whether any CPU frequency setting is configured.
func (c *CPUFreqConfig) Enabled() bool {
	return c.Governor != "" || c.TurboBoost != nil
}

// DatabaseConfig contains result store connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	Owner    string               `yaml:"owner,omitempty" mapstructure:"owner"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN returns the libpq connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// ScheduleConfig configures the daemon.
type ScheduleConfig struct {
	Expression string `yaml:"expression" mapstructure:"expression"`
	Revision   string `yaml:"revision" mapstructure:"revision"`
}

// UploadConfig configures optional archiving of driver artifacts.
type UploadConfig struct {
	S3 S3UploadConfig `yaml:"s3" mapstructure:"s3"`
}

// S3UploadConfig contains S3 settings for artifact archiving.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket,omitempty" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load builds the configuration from the built-in defaults, the given YAML
// files (merged in order) and BITBENCHOOR_* environment variables.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default are invisible to AutomaticEnv.
	if err := v.BindEnv("benchmark.cpufreq.turbo_boost"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every known key so environment overrides apply even
// when no config file mentions it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("workspace.repo_path", DefaultRepoPath)
	v.SetDefault("workspace.git_binary", DefaultGitBinary)

	v.SetDefault("benchmark.driver", DefaultDriver)
	v.SetDefault("benchmark.shell", DefaultShell)
	v.SetDefault("benchmark.artifact", DefaultArtifact)
	v.SetDefault("benchmark.datadir", DefaultDataDir)
	v.SetDefault("benchmark.timeout", "0s")
	v.SetDefault("benchmark.min_free_space", "")
	v.SetDefault("benchmark.cpufreq.sysfs_path", DefaultCPUSysfsPath)
	v.SetDefault("benchmark.cpufreq.governor", "")

	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.owner", "")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "bitbenchoor")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("schedule.expression", DefaultScheduleExpression)
	v.SetDefault("schedule.revision", DefaultScheduleRevision)

	v.SetDefault("upload.s3.enabled", false)
	v.SetDefault("upload.s3.endpoint_url", "")
	v.SetDefault("upload.s3.region", "")
	v.SetDefault("upload.s3.bucket", "")
	v.SetDefault("upload.s3.prefix", DefaultS3Prefix)
	v.SetDefault("upload.s3.access_key_id", "")
	v.SetDefault("upload.s3.secret_access_key", "")
	v.SetDefault("upload.s3.force_path_style", false)
}

// applyDefaults restores defaults for values a config file explicitly blanked.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Workspace.GitBinary == "" {
		c.Workspace.GitBinary = DefaultGitBinary
	}

	if c.Benchmark.Driver == "" {
		c.Benchmark.Driver = DefaultDriver
	}

	if c.Benchmark.Shell == "" {
		c.Benchmark.Shell = DefaultShell
	}

	if c.Benchmark.Artifact == "" {
		c.Benchmark.Artifact = DefaultArtifact
	}

	if c.Benchmark.CPUFreq.SysfsPath == "" {
		c.Benchmark.CPUFreq.SysfsPath = DefaultCPUSysfsPath
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Schedule.Expression == "" {
		c.Schedule.Expression = DefaultScheduleExpression
	}

	if c.Schedule.Revision == "" {
		c.Schedule.Revision = DefaultScheduleRevision
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Workspace.RepoPath == "" {
		return fmt.Errorf("workspace.repo_path is required")
	}

	if err := c.Benchmark.validate(); err != nil {
		return err
	}

	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when upload.s3.enabled is true")
	}

	return nil
}

func (b *BenchmarkConfig) validate() error {
	if b.Artifact != filepath.Base(b.Artifact) {
		return fmt.Errorf("benchmark.artifact %q must be a file name, not a path", b.Artifact)
	}

	// The prepare step runs rm -Rf <datadir>/* before every sample.
	dir := filepath.Clean(b.DataDir)
	if !filepath.IsAbs(dir) || dir == string(filepath.Separator) {
		return fmt.Errorf("benchmark.datadir %q must be an absolute path below /", b.DataDir)
	}

	if b.Timeout < 0 {
		return fmt.Errorf("benchmark.timeout must not be negative")
	}

	if b.MinFreeSpace != "" {
		if _, err := units.FromHumanSize(b.MinFreeSpace); err != nil {
			return fmt.Errorf("benchmark.min_free_space %q: %w", b.MinFreeSpace, err)
		}
	}

	switch b.CPUFreq.Governor {
	case "", "performance", "powersave", "userspace", "ondemand", "conservative", "schedutil":
	default:
		return fmt.Errorf("benchmark.cpufreq.governor %q is not a known governor", b.CPUFreq.Governor)
	}

	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case "sqlite":
		if d.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database.postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q (use \"sqlite\" or \"postgres\")", d.Driver)
	}

	return nil
}

// MinFreeSpaceBytes returns the parsed free space gate, 0 when disabled.
func (b *BenchmarkConfig) MinFreeSpaceBytes() int64 {
	if b.MinFreeSpace == "" {
		return 0
	}

	n, err := units.FromHumanSize(b.MinFreeSpace)
	if err != nil {
		return 0
	}

	return n
}
