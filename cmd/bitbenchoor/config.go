package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging config files, defaults and
BITBENCHOOR_* environment variables. Secrets are redacted.`,
	RunE: printConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(redact(*cfg))
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	_, err = os.Stdout.Write(out)

	return err
}

func redact(cfg config.Config) config.Config {
	if cfg.Database.Postgres.Password != "" {
		cfg.Database.Postgres.Password = redacted
	}

	if cfg.Upload.S3.SecretAccessKey != "" {
		cfg.Upload.S3.SecretAccessKey = redacted
	}

	return cfg
}
