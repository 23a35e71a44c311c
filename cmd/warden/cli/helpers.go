package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/tunnelwarden/warden/internal/account"
	"github.com/tunnelwarden/warden/internal/config"
	"github.com/tunnelwarden/warden/internal/provision"
	"github.com/tunnelwarden/warden/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// WARDEN_DATA_DIR env var, or ~/.warden as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("WARDEN_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".warden")
}

// loadConfig materializes the effective configuration for this invocation.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper(), resolveDataDir())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the slog logger every command shares. Debug level is
// gated on --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newManager wires the lifecycle controller against the real platform
// provisioner.
func newManager(cfg *config.Config, logger *slog.Logger) *account.Manager {
	st := store.New(cfg.StorePath())
	prov := provision.NewSystem(logger)
	return account.NewManager(cfg, st, prov, logger)
}
