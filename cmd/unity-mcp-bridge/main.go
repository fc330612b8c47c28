package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unity-ai-forge/mcp-bridge/internal/commands"
)

// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
var Version = "0.0.0-dev"

var rootCmd = &cobra.Command{
	Use:   "unity-mcp-bridge",
	Short: "Unity MCP Bridge - expose a running Unity Editor to an MCP client",
	Long: `unity-mcp-bridge connects an MCP client (an AI coding assistant) to a
running Unity Editor instance over a WebSocket bridge, exposing scene,
GameObject, component, and asset editing as MCP tools.

Commands:
  serve     Connect to the Unity Editor bridge and serve MCP tools over stdio
  version   Print the build version

Config: ~/.unity-mcp-bridge/config.yaml`,
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	commands.AppVersion = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
