package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devcrew/internal/monitor"
	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

var (
	// run command flags
	runRepo      string
	runSessionID string
	runResume    string
	runIssues    bool
	runPlain     bool
	runLogFile   string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runRepo, "repo", "", "GitHub repository (owner/name) the crew works on")
	runCmd.Flags().StringVar(&runSessionID, "session-id", "", "Session ID (generated when empty)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume a stopped session by ID")
	runCmd.Flags().BoolVar(&runIssues, "issues", false, "Summarize the open issues of --repo")
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "Print the trace instead of the dashboard")
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "Write logs to a file while the dashboard runs")
	runCmd.MarkFlagsMutuallyExclusive("resume", "session-id")
	runCmd.MarkFlagsMutuallyExclusive("resume", "issues")
}

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Run one session in the terminal",
	Long: `Run one crew session and follow it live.

Examples:
  # Implement a change
  devcrew run --repo acme/widgets "add retries to the uploader"

  # Summarize open issues
  devcrew run --repo acme/widgets --issues

  # Resume a session that failed or was interrupted
  devcrew run --resume 3f0c9a4e-...

  # Plain trace output (CI, pipes)
  devcrew run --plain --repo acme/widgets "bump the Go version"`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	request := ""
	if runResume == "" {
		var err error
		request, err = buildRequest(runRepo, strings.Join(args, " "), runIssues)
		if err != nil {
			return err
		}
	}

	logWriter, closeLog, err := runLogWriter()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(ctx, appOptions{logWriter: logWriter})
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := runResume
	var events <-chan orchestrator.Event
	if runResume != "" {
		events, err = a.engine.Resume(ctx, runResume)
	} else {
		sessionID = runSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		events, err = a.engine.Start(ctx, request, sessionID)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runPlain {
		return printEvents(out, events)
	}

	if err := monitor.Run(ctx, monitor.NewModel(sessionID, events, a.cfg.Orchestrator.MaxSteps)); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	// Quitting the dashboard stops the session; it stays resumable.
	cancel()
	for range events {
	}

	st, err := a.engine.State(context.Background(), sessionID)
	if err != nil {
		return err
	}
	return printOutcome(out, st)
}

// runLogWriter picks the log destination. The dashboard owns the terminal, so
// logs go to --log-file or nowhere; plain mode logs to stderr.
func runLogWriter() (io.Writer, func(), error) {
	switch {
	case runLogFile != "":
		f, err := os.OpenFile(runLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		return f, func() { _ = f.Close() }, nil
	case runPlain:
		return os.Stderr, func() {}, nil
	default:
		return io.Discard, func() {}, nil
	}
}
