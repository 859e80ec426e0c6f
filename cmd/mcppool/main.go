package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcppool-go/internal/config"
	"mcppool-go/internal/logs"
	"mcppool-go/internal/oauth"
	"mcppool-go/internal/pool"
)

var (
	configFile string
	dataDir    string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // Injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcppool",
		Short:   "MCP connection pool - pooled client connections to Model Context Protocol servers",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (default: ~/.mcppool/config.json)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcppool)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to file")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")

	viper.SetEnvPrefix("MCPPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to bind flag %s: %v\n", f.Name, err)
			os.Exit(1)
		}
	})

	rootCmd.AddCommand(GetServersCommand())
	rootCmd.AddCommand(GetToolsCommand())
	rootCmd.AddCommand(GetCallCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadPoolConfig reads the pool configuration, honoring the --config flag
// and the MCPPOOL_CONFIG environment variable.
func loadPoolConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, ".mcppool", "config.json")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found at %s", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if dd := viper.GetString("data-dir"); dd != "" {
		cfg.DataDir = dd
	}
	return cfg, nil
}

// setupCommandLogger builds the logger with command-line overrides applied.
func setupCommandLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging == nil {
		cfg.Logging = &config.LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		}
	}
	cfg.Logging.Level = viper.GetString("log-level")
	cfg.Logging.EnableFile = viper.GetBool("log-to-file")
	if ld := viper.GetString("log-dir"); ld != "" {
		cfg.Logging.LogDir = ld
	}
	return logs.SetupLogger(cfg.Logging)
}

// buildCoordinator wires the token store and authorization coordinator.
// Tokens persist in bbolt under the data directory; interactive
// authorization URLs print to the terminal.
func buildCoordinator(cfg *config.Config, logger *zap.Logger) (*oauth.Coordinator, func()) {
	dir := cfg.DataDir
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".mcppool")
		}
	}

	var store oauth.TokenStore
	cleanup := func() {}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if bolt, berr := oauth.NewBoltTokenStore(filepath.Join(dir, "tokens.db"), logger.Named("tokens")); berr == nil {
				store = bolt
				cleanup = func() { _ = bolt.Close() }
			} else {
				logger.Warn("Falling back to in-memory token store", zap.Error(berr))
			}
		}
	}
	if store == nil {
		store = oauth.NewMemoryTokenStore()
	}

	coord := oauth.NewCoordinator(store, nil, nil, logger.Named("oauth"))
	coord.SetAuthURLCallback(func(_, server, authURL string) {
		fmt.Printf("Authorization required for %s. Open this URL to continue:\n  %s\n", server, authURL)
	})
	return coord, cleanup
}

// startPool loads the configuration, connects all servers and returns the
// manager plus a teardown function.
func startPool(ctx context.Context) (*pool.Manager, *zap.Logger, func(), error) {
	cfg, err := loadPoolConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := setupCommandLogger(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	coord, closeStore := buildCoordinator(cfg, logger)
	mgr, err := pool.Initialize(ctx, cfg,
		pool.WithLogger(logger),
		pool.WithCoordinator(coord))
	if err != nil {
		closeStore()
		return nil, nil, nil, err
	}

	teardown := func() {
		pool.Destroy(context.Background())
		closeStore()
		_ = logger.Sync()
	}
	return mgr, logger, teardown, nil
}
