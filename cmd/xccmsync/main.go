// xccmsync is the local persistence agent for the hierarchical editor.
//
// It runs the write-ahead log, the save queue and the collaboration link
// behind a loopback HTTP bridge the editor surface talks to, and offers
// maintenance commands for the WAL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"xccmsync/internal/config"
	"xccmsync/internal/logging"
	"xccmsync/internal/remote"
	"xccmsync/internal/store"
	"xccmsync/internal/wal"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "xccmsync",
		Short:         "Local persistence and collaboration agent for the editor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(runCmd, pendingCmd, replayCmd, purgeCmd, configCmd)
}

// loadConfig reads the configuration once, without watching.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	return config.NewLoader(path).Load()
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	levelName := lc.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxBackups: lc.MaxBackups,
		Component:  "xccmsync",
	})
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)
	return logger, nil
}

// openLog opens the configured WAL backends.
func openLog(cfg *config.Config, logger *logging.Logger) (*wal.Log, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	log, err := store.NewLog(cfg.Storage, wal.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open wal storage: %w", err)
	}
	return log, nil
}

// env bundles what the maintenance commands share.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
	log    *wal.Log
}

func openEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log, err := openLog(cfg, logger)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, log: log}, nil
}

func (e *env) close() {
	e.log.Close()
	e.logger.Close()
}

// openRemote is split out so tests of the maintenance commands can swap it.
var openRemote = func(cmd *cobra.Command, e *env) (remote.Remote, error) {
	return remote.New(cmd.Context(), e.cfg.Remote, e.logger)
}
