// Devcrew runs a crew of language-model agents against a GitHub repository.
//
// A supervisor routes each turn to a planner, coder, tester, reasoner or PR
// creator until a pull request exists, then writes a final report. Sessions are
// checkpointed after every node and can be resumed.
//
// Usage:
//
//	# Run one session in the terminal dashboard
//	devcrew run --repo owner/name "add a --json flag to the export command"
//
//	# Serve the REST/SSE API
//	devcrew serve
//
//	# Expose the crew as MCP tools over stdio
//	devcrew mcp
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// cfgFile is the YAML config path; empty means ~/.config/devcrew/config.yaml
	cfgFile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devcrew",
	Short: "Multi-agent coding crew for GitHub repositories",
	Long: `devcrew drives a supervisor and a team of specialist agents through a
coding task: plan, implement, test, and open a pull request.

Configuration is read from ~/.config/devcrew/config.yaml (or --config) and
DEVCREW_-prefixed environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/devcrew/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "devcrew by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
