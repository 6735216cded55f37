package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agenshield/agenshield/internal/mcp"
	"github.com/agenshield/agenshield/pkg/audit"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the read-only MCP server for agents.
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the read-only MCP server for AI agents",
	Long: `Start an MCP server over stdio that lets an agent inspect the policies,
secrets and settings visible at its level.

The server never unlocks the vault: secret values are always masked.

Available tools:
  - policy_list:   Policies in effect, highest priority first
  - secret_list:   Secret names and policy links (masked)
  - secret_exists: Whether a secret name resolves
  - config_get:    Settings merged across levels
  - preset_list:   Built-in preset bundles

Example MCP configuration:
  {
    "mcpServers": {
      "agenshield": {
        "type": "stdio",
        "command": "/path/to/agenshield",
        "args": ["mcp-server", "--target", "openclaw", "--user", "ash_agent"]
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd.Context())
	},
}

func runMCPServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	f, err := scopeFilter()
	if err != nil {
		return err
	}

	// Tool calls are recorded with their own source.
	mcpActivity := audit.NewLogger(st.DB(), audit.SourceMCP, audit.Options{
		Dir:    audit.DirFor(st.Path()),
		Logger: logger,
	})
	server, err := mcp.NewServer(mcp.ServerOptions{
		Store:    st,
		Scope:    f,
		Activity: mcpActivity,
		Logger:   logger,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
