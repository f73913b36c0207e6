// Package main is the entry point for the rooletworker binary: a
// worker-side process that connects to a Roolet broker, registers its
// exposed methods, and executes incoming calls through the Worker Pool.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load the JSON configuration file (ROOLET_CONG)
//  4. Build the Method Registry, bind built-in demo methods, then load and
//     apply the optional declarative YAML method manifest (ROOLET_METHODS)
//  5. Build the Engine (token maker, session, worker pool, dispatcher)
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/rconfig"
	"github.com/roolet-io/roolet/internal/registry"
	"github.com/roolet-io/roolet/public/engine"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	configPath   string
	manifestPath string
	stateDir     string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "rooletworker",
		Short: "Roolet worker — registers methods with a broker and executes calls",
		Long: `rooletworker connects to a Roolet broker over a persistent TCP
connection, authenticates with a signed token, registers its exposed
methods, and executes incoming calls through a fixed-size worker pool.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("ROOLET_CONG", ""), "Path to the JSON configuration file")
	root.PersistentFlags().StringVar(&cfg.manifestPath, "methods", envOrDefault("ROOLET_METHODS", ""), "Path to an optional YAML method manifest")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("ROOLET_STATE_DIR", defaultStateDir()), "Directory for session state (sticky cid)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ROOLET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rooletworker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := buildLogger(cli.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := rconfig.Load(cli.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("starting roolet worker",
		zap.String("version", version),
		zap.String("broker", fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)),
		zap.Int("workers", cfg.Workers),
		zap.String("state_dir", cli.stateDir),
	)

	reg := registry.New()
	if err := bindBuiltins(reg); err != nil {
		return fmt.Errorf("failed to bind built-in methods: %w", err)
	}

	manifestPath := cli.manifestPath
	if manifestPath == "" {
		manifestPath = cfg.Methods
	}
	manifest, err := rconfig.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load method manifest: %w", err)
	}
	if err := manifest.Apply(reg); err != nil {
		return fmt.Errorf("failed to apply method manifest: %w", err)
	}

	eng, err := engine.New(logger, cfg, reg, cli.stateDir)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("engine stopped with error: %w", err)
	}

	logger.Info("roolet worker stopped")
	return nil
}

// bindBuiltins registers the demo methods every rooletworker process
// exposes regardless of manifest content: a liveness echo useful for
// exercising the handshake and dispatch path without any application
// code.
func bindBuiltins(reg *registry.Registry) error {
	return reg.Set("echo", func(ctx registry.Context, params []byte) (interface{}, error) {
		body := map[string]interface{}{}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &body); err != nil {
				return nil, fmt.Errorf("echo: decoding params: %w", err)
			}
		}
		return body, nil
	}, registry.DefaultOptions)
}

// defaultStateDir returns the platform-appropriate default state
// directory. On Linux/macOS: ~/.roolet
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.roolet"
	}
	return ".roolet"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
