package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

// errSessionFailed marks a session that stopped on an error.
var errSessionFailed = errors.New("session failed")

// buildRequest composes the opening human request.
func buildRequest(repo, task string, issues bool) (string, error) {
	task = strings.TrimSpace(task)
	switch {
	case issues && repo == "":
		return "", errors.New("--issues requires --repo")
	case issues && task != "":
		return "", errors.New("--issues does not take a task")
	case issues:
		return orchestrator.IssuesRequest(repo), nil
	case task == "":
		return "", errors.New("a task is required (or --issues, or --resume)")
	}
	return orchestrator.ComposeRequest(repo, task), nil
}

// printEvents writes every trace line as it arrives, then the final report.
func printEvents(w io.Writer, events <-chan orchestrator.Event) error {
	var last orchestrator.Event
	for ev := range events {
		for _, line := range ev.DeltaTrace {
			fmt.Fprintln(w, line)
		}
		last = ev
	}
	switch {
	case last.Err != "":
		return fmt.Errorf("%w: %s", errSessionFailed, last.Err)
	case last.Done && len(last.NewMessages) > 0:
		fmt.Fprintf(w, "\n%s\n", last.NewMessages[len(last.NewMessages)-1].Content)
	}
	return nil
}

// printOutcome summarizes a session after the dashboard exits.
func printOutcome(w io.Writer, st orchestrator.State) error {
	switch {
	case st.Err != "":
		fmt.Fprintf(w, "Session %s stopped at %s: %s\n", st.SessionID, st.Node, st.Err)
		fmt.Fprintf(w, "Resume with: devcrew run --resume %s\n", st.SessionID)
		return fmt.Errorf("%w: %s", errSessionFailed, st.Err)
	case st.Done:
		if n := len(st.Messages); n > 0 {
			fmt.Fprintln(w, st.Messages[n-1].Content)
		}
	default:
		fmt.Fprintf(w, "Session %s paused at %s (turn %d).\n", st.SessionID, st.Node, st.Turn)
		fmt.Fprintf(w, "Resume with: devcrew run --resume %s\n", st.SessionID)
	}
	return nil
}
