package main

import (
	"fmt"

	"github.com/lucentapps/driftsync"
	driftsyncmcp "github.com/lucentapps/driftsync/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for coding agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio.

This exposes sync, status and conflict-review tools to MCP-compatible
agent frameworks.

Environment variables:
  DRIFTSYNC_DB_PATH    Path to local SQLite database
  DRIFTSYNC_SOURCE_ID  Client identifier (default: hostname)
  LEDGERHUB_URL        LedgerHub service URL (optional, enables sync)
  LEDGERHUB_API_KEY    LedgerHub API key (required if LEDGERHUB_URL set)`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	// The server owns the client for its whole lifetime.
	client, err := driftsync.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	server := driftsyncmcp.NewServer(client)
	return server.Run()
}
