// Package commands defines the meshprov command tree.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chaz8081/meshprov/internal/config"
)

// app carries state shared by all subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	metrics    *http.Server
}

// Root returns the root command for the meshprov CLI.
func Root() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "meshprov",
		Short:         "Scan, provision and track Bluetooth Mesh devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.teardown()
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: ~/.config/meshprov/config.yaml)")

	cmd.AddCommand(Scan(a))
	cmd.AddCommand(Watch(a))
	cmd.AddCommand(Networks(a))
	cmd.AddCommand(History(a))
	cmd.AddCommand(Config())
	cmd.AddCommand(Version())

	return cmd
}

// setup loads the config, installs the logger and starts the metrics server.
func (a *app) setup() error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	a.cfg = cfg

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		slog.Info("metrics server listening", "addr", cfg.MetricsAddr)
	}
	return nil
}

func (a *app) teardown() error {
	if a.metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.metrics.Shutdown(ctx)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Debug("no config file found, using defaults")
	return config.Default(), nil
}
