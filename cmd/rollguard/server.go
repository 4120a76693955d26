package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rollguard/rollguard/internal/apiserver"
	"github.com/rollguard/rollguard/internal/system"
	"github.com/rollguard/rollguard/pkg/logging"
)

var (
	serverConfigFile string
	serverPort       int
	serverWorkspace  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the rollguard API server",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServer()
	},
}

func init() {
	serverCmd.Flags().StringVarP(&serverConfigFile, "config", "c", "", "Config file path (JSON)")
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	serverCmd.Flags().StringVarP(&serverWorkspace, "workspace", "w", "", "Workspace directory (overrides config)")
}

func runServer() error {
	logger := logging.NewLogger("rollguard")

	cfg, err := loadConfig(serverConfigFile)
	if err != nil {
		return err
	}
	if serverPort != 0 {
		cfg.Port = serverPort
	}
	if serverWorkspace != "" {
		cfg.WorkspaceDir = serverWorkspace
	}

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
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}

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
