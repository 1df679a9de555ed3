package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"xccmsync/internal/agent"
	"xccmsync/internal/config"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent and the editor bridge",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	path := configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	a, err := agent.New(ctx, agent.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	loader.OnChange(a.ApplyConfig)
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
	} else {
		go func() {
			for {
				select {
				case err := <-loader.Errors():
					logger.Warn("config reload rejected", "error", err)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Bridge.ListenAddr)
	if err != nil {
		a.Stop(context.Background())
		return fmt.Errorf("bridge listen: %w", err)
	}
	srv := &http.Server{
		Handler:           newBridge(a, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("bridge listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		logger.Error("bridge stopped", "error", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		logger.Warn("bridge shutdown", "error", serr)
	}
	if serr := a.Stop(sctx); serr != nil {
		logger.Warn("agent stop incomplete; unsaved content stays in the WAL", "error", serr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
