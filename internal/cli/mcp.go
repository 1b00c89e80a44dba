package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardiansms/internal/classify"
	guardianmcp "github.com/ppiankov/guardiansms/internal/mcp"
)

var mcpNoInject bool

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().BoolVar(&mcpNoInject, "no-inject", false, "Do not expose the guardiansms_inject tool")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for assistant integration",
	Long:  "Runs guardiansms as an MCP (Model Context Protocol) server over stdio.\nExposes tools: status, protect, permissions, alerts, classify, inject.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := dialDaemon(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	mcfg := guardianmcp.Config{
		Caller:     client,
		Classifier: classify.NewLinkGuard(cfg.Classifier.Allowlist),
		Inbox:      cfg.Dirs.Inbox,
		Version:    version,
	}
	if mcpNoInject {
		mcfg.Inbox = ""
	}

	srv, err := guardianmcp.New(mcfg)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintln(os.Stderr, "guardiansms MCP server running on stdio")
	err = srv.Run(ctx)
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		return nil
	}
	return err
}
