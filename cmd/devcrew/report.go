package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

var (
	reportTrace   bool
	sessionsLimit int
	sessionsJSON  bool
)

func init() {
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(sessionsCmd)

	reportCmd.Flags().BoolVar(&reportTrace, "trace", false, "Print the full trace before the report")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions to list")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output results as JSON")
}

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Print the report of a checkpointed session",
	Long: `Print the final report of a finished session, or the tool and node
counters of one that has not finished yet.

Examples:
  devcrew report 3f0c9a4e-...
  devcrew report --trace 3f0c9a4e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List checkpointed sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, appOptions{logWriter: cmd.ErrOrStderr(), withoutEngine: true})
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := orchestrator.LoadState(ctx, a.checkpoints, args[0])
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("session %s not found", args[0])
	}
	if err != nil {
		return err
	}
	writeReport(cmd.OutOrStdout(), st, reportTrace)
	return nil
}

// writeReport prints the final report, or the running counters for an
// unfinished session.
func writeReport(w io.Writer, st orchestrator.State, withTrace bool) {
	if withTrace {
		fmt.Fprintln(w, strings.Join(st.Trace, "\n"))
		fmt.Fprintln(w)
	}
	if st.Done && len(st.Messages) > 0 {
		fmt.Fprintln(w, st.Messages[len(st.Messages)-1].Content)
		return
	}
	status := "in progress"
	if st.Err != "" {
		status = "failed: " + st.Err
	}
	fmt.Fprintf(w, "Session %s %s (node %s, turn %d)\n\n", st.SessionID, status, st.Node, st.Turn)
	fmt.Fprintln(w, orchestrator.RenderReport(st.ToolCallCounts, st.NodeHitCounts))
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, appOptions{logWriter: cmd.ErrOrStderr(), withoutEngine: true})
	if err != nil {
		return err
	}
	defer a.Close()

	infos, err := a.checkpoints.List(ctx, sessionsLimit)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	return writeSessions(cmd.OutOrStdout(), infos, sessionsJSON)
}

func writeSessions(w io.Writer, infos []checkpoint.SessionInfo, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tNODE\tTURN\tSTEPS\tDONE\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\t%s\n",
			info.SessionID, info.Node, info.Turn, info.Steps, info.Done,
			info.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
