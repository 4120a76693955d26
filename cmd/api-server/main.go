// Package main implements the rollguard API server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rollguard/rollguard/internal/apiserver"
	"github.com/rollguard/rollguard/internal/config"
	"github.com/rollguard/rollguard/internal/system"
	"github.com/rollguard/rollguard/pkg/logging"
)

// Version can be set at build time
var Version = "dev"

var logger = logging.NewLogger("api-server")

func main() {
	if err := run(); err != nil {
		logger.Error("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	var port int
	var debug bool
	var workspace string
	flag.IntVar(&port, "port", 8084, "Port to listen on")
	flag.BoolVar(&debug, "debug", false, "Enable debug mode")
	flag.StringVar(&workspace, "workspace", "", "Workspace directory protected by checkpoints")
	flag.Parse()

	config.AppVersion = Version

	cfg, err := createServerConfig(port, debug, workspace)
	if err != nil {
		return err
	}

	logConfiguration(cfg)

	components, err := system.Build(cfg)
	if err != nil {
		return fmt.Errorf("failed to build components: %w", err)
	}

	server, err := apiserver.NewAPIServer(cfg, apiserver.Components{
		Orchestrator: components.Orchestrator,
		Checkpoints:  components.Checkpoints,
		Probes:       components.Probes,
		Triggers:     components.Triggers,
		Sink:         components.Sink,
		Audit:        components.Audit,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return runServer(server, components)
}

func createServerConfig(port int, debug bool, workspace string) (*config.ServerConfig, error) {
	cfg := config.NewServerConfig()
	cfg.Port = port
	cfg.Debug = debug
	if workspace != "" {
		cfg.WorkspaceDir = workspace
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func logConfiguration(cfg *config.ServerConfig) {
	logger.Info("Starting rollguard API server v%s", Version)
	logger.Info("Configuration:")
	logger.Info("  Port: %d", cfg.Port)
	logger.Info("  Debug: %t", cfg.Debug)
	logger.Info("  Workspace: %s", cfg.WorkspaceDir)
	logger.Info("  State dir: %s", cfg.StateDir)
	logger.Info("  Archive enabled: %t", cfg.Archive.Enabled)
}

func runServer(server *apiserver.APIServer, components *system.Components) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
		return gracefulShutdown(server, components)
	case err := <-errChan:
		if shutdownErr := gracefulShutdown(server, components); shutdownErr != nil {
			logger.Error("Shutdown error: %v", shutdownErr)
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

func gracefulShutdown(server *apiserver.APIServer, components *system.Components) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server: %v", err)
	}

	if err := components.Close(ctx); err != nil {
		return fmt.Errorf("failed to close components: %w", err)
	}
	return nil
}
