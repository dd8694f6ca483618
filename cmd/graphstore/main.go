// Package main provides the graphstore CLI entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/orneryd/graphstore/pkg/config"
	"github.com/orneryd/graphstore/pkg/graph"
	"github.com/orneryd/graphstore/pkg/logging"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

// app carries what every command needs once PersistentPreRunE has run.
type app struct {
	v        *viper.Viper
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func()
	engine   *graph.Engine
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run executes one command line and always releases the engine, even when
// the command fails.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	a := &app{v: viper.New()}
	rootCmd := a.newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)

	err := rootCmd.ExecuteContext(ctx)
	if closeErr := a.teardown(); err == nil {
		err = closeErr
	}
	return err
}

func (a *app) newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "graphstore",
		Short: "graphstore - embedded property graph storage",
		Long: `graphstore stores nodes and labelled, directed edges with typed
properties in Badger, keeps label, property and adjacency indexes
consistent with every write, and answers simple pattern queries.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: search graphstore.yaml, ~/.graphstore/config.yaml)")
	flags.String("env-file", "", "Load environment variables from this file before reading config")
	flags.String("data-dir", "", "Data directory")
	flags.Bool("in-memory", false, "Keep everything in RAM (nothing survives the command)")
	flags.String("codec", "", "Record codec: binary or gob")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: json or console")
	flags.Bool("allow-dangling-edges", false, "Allow edges whose endpoints do not exist")

	a.v.SetEnvPrefix("graphstore")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(flags)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Annotations: map[string]string{
			skipEngine: "true",
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphstore v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(
		a.newNodeCmd(),
		a.newEdgeCmd(),
		a.newQueryCmd(),
		a.newStatsCmd(),
		a.newSchemaCmd(),
		a.newBackupCmd(),
		a.newRestoreCmd(),
		a.newLoadCmd(),
	)
	return rootCmd
}

// skipEngine marks commands that run without opening the store.
const skipEngine = "skip-engine"

// setup loads configuration (defaults, file, environment, then flags),
// builds the logger and opens the engine.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipEngine] != "" {
		return nil
	}

	if envFile := a.v.GetString("env-file"); envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
	} else if err := config.LoadDotEnv(); err != nil {
		return err
	}

	path := a.v.GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return err
	}
	a.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	a.logger, a.closeLog = logger, closeLog
	logger.Debug("configuration loaded", zap.String("path", path), zap.Stringer("config", cfg))

	opts, err := cfg.EngineOptions(logger)
	if err != nil {
		return err
	}
	engine, err := graph.OpenWithOptions(opts)
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

// applyFlags copies flags and GRAPHSTORE_* variables seen by viper over cfg.
func (a *app) applyFlags(cfg *config.Config) {
	if a.v.IsSet("data-dir") {
		cfg.Storage.DataDir = a.v.GetString("data-dir")
	}
	if a.v.IsSet("in-memory") {
		cfg.Storage.InMemory = a.v.GetBool("in-memory")
	}
	if a.v.IsSet("codec") {
		cfg.Engine.Codec = a.v.GetString("codec")
	}
	if a.v.IsSet("allow-dangling-edges") {
		cfg.Engine.AllowDanglingEdges = a.v.GetBool("allow-dangling-edges")
	}
	if a.v.IsSet("log-level") {
		cfg.Logging.Level = a.v.GetString("log-level")
	}
	if a.v.IsSet("log-format") {
		cfg.Logging.Format = a.v.GetString("log-format")
	}
}

func (a *app) teardown() error {
	var err error
	if a.engine != nil {
		err = a.engine.Close()
		a.engine = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
		a.logger = nil
	}
	if a.closeLog != nil {
		a.closeLog()
		a.closeLog = nil
	}
	return err
}
