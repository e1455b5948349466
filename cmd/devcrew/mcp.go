package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devcrew/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the crew as MCP tools over stdio",
	Long: `Run an MCP server on stdin/stdout.

Tools: crew_run, crew_issues, crew_resume, crew_status, crew_report,
crew_sessions, list_issues, read_issue, post_comment.

Logs go to stderr; stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, appOptions{logWriter: os.Stderr})
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "devcrew",
		Version: version,
		Logger:  a.logger.Underlying().Named("mcp"),
	}, a.engine, a.checkpoints, a.registry, a.scrubber)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("stdio server error: %w", err)
	}
	return nil
}
