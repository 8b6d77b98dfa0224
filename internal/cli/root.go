// Package cli implements the memory CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rcliao/memory-mesh/internal/config"
)

var (
	cfgFile    string
	dbPath     string
	dataDir    string
	nodeID     string
	workDir    string
	logLevel   string
	logFormat  string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memory",
	Short: "Shared memory for AI agents with conflict-safe sync",
	Long: `A memory store shared by agents on several nodes.

Public memories replicate between nodes with vector clocks. Concurrent writes
become conflict records, and a task cannot read a key while it has one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./memory.config.yaml or ~/.agent-memory/memory.config.yaml)")
	pf.StringVarP(&dbPath, "db", "d", "", "database path (default: <data-dir>/<scope-id>/memory.db)")
	pf.StringVar(&dataDir, "data-dir", "", "data directory (default: ~/.agent-memory)")
	pf.StringVar(&nodeID, "node", "", "node id (default: hostname)")
	pf.StringVar(&workDir, "dir", "", "workspace directory used to derive the scope (default: current directory)")
	pf.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	pf.StringVarP(&formatFlag, "format", "f", "json", "output format: json or text")
}

// Execute runs the root command, cancelling its context on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RootCmd.ExecuteContext(ctx)
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Logs go to stderr so stdout stays clean JSON.
	if logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().
			Timestamp().
			Logger()
	}
}

// loadConfig reads the config file, AGENT_MEMORY_* env vars and the global
// flags into a validated Config.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".agent-memory"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("memory.config")
		v.SetConfigType("yaml")
	}
	config.SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	pf := RootCmd.PersistentFlags()
	if pf.Changed("db") {
		v.Set(config.KeyDB, dbPath)
	}
	if pf.Changed("data-dir") {
		v.Set(config.KeyDataDir, dataDir)
	}
	if pf.Changed("node") {
		v.Set(config.KeyNodeID, nodeID)
	}
	return config.Load(v)
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
