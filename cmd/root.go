package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codelink/internal/output"
	"codelink/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "codelink",
	Short: "Session sync client and server for a remote coding assistant",
	Long: `codelink keeps multiple front-end clients synchronized with a remote
coding assistant over a websocket protocol: durable uploads, per-session
turn locks, and replay of missed responses after reconnects.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/codelink/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "codelink")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CODELINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "codelink")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "codelink.db"))
	viper.SetDefault("endpoint", "ws://localhost:8787/ws")
	viper.SetDefault("token", "")
	viper.SetDefault("session", "")
	viper.SetDefault("spool_dir", filepath.Join(defaultConfigDir, "spool"))

	viper.SetDefault("engine.keepalive_interval", 30*time.Second)
	viper.SetDefault("engine.backoff_initial", time.Second)
	viper.SetDefault("engine.backoff_multiplier", 2.0)
	viper.SetDefault("engine.backoff_max", 60*time.Second)
	viper.SetDefault("engine.reconnect_ceiling", 15*time.Minute)
	viper.SetDefault("engine.ack_timeout", 30*time.Second)

	viper.SetDefault("server.listen", ":8787")
	viper.SetDefault("server.token", "")
	viper.SetDefault("server.transcripts_dir", filepath.Join(defaultConfigDir, "transcripts"))
	viper.SetDefault("server.upload_dir", filepath.Join(defaultConfigDir, "uploads"))
	viper.SetDefault("server.db_path", filepath.Join(defaultConfigDir, "server.db"))
	viper.SetDefault("server.pid_file", filepath.Join(defaultConfigDir, "serve.pid"))
	viper.SetDefault("server.max_upload_bytes", int64(32<<20))
	viper.SetDefault("server.command_timeout", 5*time.Minute)
	viper.SetDefault("commands.allowed", []string{})

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Store is initialized lazily — only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// newLogger builds the process logger; --verbose switches on debug level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
