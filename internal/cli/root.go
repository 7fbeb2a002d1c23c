// Package cli implements the memtier CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oceanbase/memtier-go/pkg/core"
)

// Version is reported by `memtier serve` and the /health endpoint.
var Version = "dev"

var (
	configPath string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:          "memtier",
	Short:        "Tiered agent memory with consolidation, world state and goals",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file: a .json file or a .env file (default: environment and ./.env)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

// loadConfig resolves the configuration from --config or the environment.
func loadConfig() (*core.Config, error) {
	var (
		cfg *core.Config
		err error
	)
	switch {
	case configPath == "":
		cfg, err = core.LoadConfigFromEnv()
	case strings.EqualFold(filepath.Ext(configPath), ".json"):
		cfg, err = core.LoadConfigFromJSON(configPath)
	default:
		cfg, err = core.LoadConfigFromEnvFile(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Runtime.LogLevel = strings.ToLower(logLevel)
	}
	return cfg, nil
}

func openClient(ctx context.Context, opts ...core.Option) (*core.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := core.NewClient(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("open client: %w", err)
	}
	return client, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
