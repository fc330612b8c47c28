package commands

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unity-ai-forge/mcp-bridge/internal/batch"
	"github.com/unity-ai-forge/mcp-bridge/internal/bridge"
	"github.com/unity-ai-forge/mcp-bridge/internal/catalog"
	"github.com/unity-ai-forge/mcp-bridge/internal/config"
	"github.com/unity-ai-forge/mcp-bridge/internal/dispatcher"
	"github.com/unity-ai-forge/mcp-bridge/internal/logging"
	"github.com/unity-ai-forge/mcp-bridge/internal/mcpserver"
)

// AppVersion is set by main from the build-time version string.
var AppVersion = "0.0.0-dev"

// ServeCmd starts the bridge: it connects to the Unity Editor over
// WebSocket, serves MCP tool calls over stdio, and runs until the
// process receives a termination signal or the stdio transport closes.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the Unity Editor bridge and serve MCP tools over stdio",
	Long: `Starts the Unity MCP bridge. The process maintains a reconnecting
WebSocket session to the Unity Editor's bridge server and exposes Unity
editing tools to an MCP client over stdio.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	log.Infof("starting unity-mcp-bridge %s", AppVersion)
	log.Infof("config: %s", config.Path())
	log.Infof("bridge target: %s", cfg.BridgeURL())

	cat, err := catalog.Load()
	if err != nil {
		return fmt.Errorf("failed to load tool catalog: %w", err)
	}

	manager := bridge.NewManager(log, cfg.BridgeToken)

	bridgeURL, err := url.Parse(cfg.BridgeURL())
	if err != nil {
		return fmt.Errorf("invalid bridge url: %w", err)
	}

	reconnectInterval := cfg.ReconnectInterval()
	supervisor := bridge.NewSupervisor(log, manager, bridgeURL.String(), reconnectInterval)
	supervisor.Start()

	disp := dispatcher.New(log, manager, cat)
	executor := batch.New(log, cfg.BatchStateFile, disp.InvokeByName)

	server, err := mcpserver.New(log, AppVersion, cat, disp, executor)
	if err != nil {
		return fmt.Errorf("failed to build mcp server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- mcpserver.Serve(server)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Warn("mcp stdio transport closed")
		}
	}

	supervisor.Stop()
	log.Info("shut down cleanly")
	return nil
}
