package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() error {
	// Session tools
	s.registerSessionTools()

	// Issue tools, proxied to the built-in registry
	if s.tools != nil {
		if err := s.registerIssueTools(); err != nil {
			return err
		}
	}

	return nil
}

// observe records one tool invocation. Call the returned func with the
// handler's final error.
func (s *Server) observe(ctx context.Context, tool string) func(error) {
	record := s.metrics.begin(ctx, tool)
	return func(err error) {
		record(err)
		if err != nil {
			s.logger.Warn("mcp tool failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// ===== SESSION TOOLS =====

type crewRunInput struct {
	Request   string `json:"request" jsonschema:"The task for the crew, in plain language"`
	Repo      string `json:"repo,omitempty" jsonschema:"Target repository as owner/name"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session identifier (generated when empty)"`
	Wait      bool   `json:"wait,omitempty" jsonschema:"Block until the session finishes and return its report"`
}

type crewIssuesInput struct {
	Repo string `json:"repo" jsonschema:"Repository as owner/name"`
	Wait bool   `json:"wait,omitempty" jsonschema:"Block until the session finishes and return its report"`
}

type sessionRef struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
}

type crewResumeInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
	Wait      bool   `json:"wait,omitempty" jsonschema:"Block until the session finishes and return its report"`
}

type sessionOutput struct {
	SessionID string   `json:"session_id"`
	Node      string   `json:"node,omitempty"`
	Turn      int      `json:"turn"`
	Steps     int      `json:"steps"`
	Done      bool     `json:"done"`
	Running   bool     `json:"running"`
	Error     string   `json:"error,omitempty"`
	Trace     []string `json:"trace,omitempty"`
	Report    string   `json:"report,omitempty"`
}

type crewSessionsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum sessions to return (default 20)"`
}

type sessionRow struct {
	SessionID string `json:"session_id"`
	Node      string `json:"node"`
	Turn      int    `json:"turn"`
	Done      bool   `json:"done"`
	UpdatedAt string `json:"updated_at"`
}

type crewSessionsOutput struct {
	Sessions []sessionRow `json:"sessions"`
}

func (s *Server) registerSessionTools() {
	// crew_run
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "crew_run",
		Description: "Start a crew session on a request. With wait=true the call returns the final report.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args crewRunInput) (res *mcp.CallToolResult, out sessionOutput, err error) {
		done := s.observe(ctx, "crew_run")
		defer func() { done(err) }()

		request := orchestrator.ComposeRequest(args.Repo, args.Request)
		return s.launch(ctx, "run", args.SessionID, args.Wait, func(ctx context.Context, id string) (<-chan orchestrator.Event, error) {
			return s.engine.Start(ctx, request, id)
		})
	})

	// crew_issues
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "crew_issues",
		Description: "Start a crew session that lists and summarizes the open issues of a repository",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args crewIssuesInput) (res *mcp.CallToolResult, out sessionOutput, err error) {
		done := s.observe(ctx, "crew_issues")
		defer func() { done(err) }()

		if args.Repo == "" {
			err = fmt.Errorf("invalid input: repo is required")
			return nil, sessionOutput{}, err
		}
		return s.launch(ctx, "issues", "", args.Wait, func(ctx context.Context, id string) (<-chan orchestrator.Event, error) {
			return s.engine.Start(ctx, orchestrator.IssuesRequest(args.Repo), id)
		})
	})

	// crew_resume
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "crew_resume",
		Description: "Resume an interrupted or failed crew session from its latest checkpoint",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args crewResumeInput) (res *mcp.CallToolResult, out sessionOutput, err error) {
		done := s.observe(ctx, "crew_resume")
		defer func() { done(err) }()

		if args.SessionID == "" {
			err = fmt.Errorf("invalid input: session_id is required")
			return nil, sessionOutput{}, err
		}
		return s.launch(ctx, "resume", args.SessionID, args.Wait, func(ctx context.Context, id string) (<-chan orchestrator.Event, error) {
			return s.engine.Resume(ctx, id)
		})
	})

	// crew_status
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "crew_status",
		Description: "Show the progress trace of a crew session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionRef) (res *mcp.CallToolResult, out sessionOutput, err error) {
		done := s.observe(ctx, "crew_status")
		defer func() { done(err) }()

		st, err := s.engine.State(ctx, args.SessionID)
		if err != nil {
			return nil, sessionOutput{}, err
		}
		out = s.outputFor(st)
		return textResult(s.scrub(strings.Join(st.Trace, ""))), out, nil
	})

	// crew_report
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "crew_report",
		Description: "Return the tool and node statistics of a crew session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionRef) (res *mcp.CallToolResult, out sessionOutput, err error) {
		done := s.observe(ctx, "crew_report")
		defer func() { done(err) }()

		st, err := s.engine.State(ctx, args.SessionID)
		if err != nil {
			return nil, sessionOutput{}, err
		}
		out = s.outputFor(st)
		out.Trace = nil
		if out.Report == "" {
			out.Report = orchestrator.RenderReport(st.ToolCallCounts, st.NodeHitCounts)
		}
		return textResult(out.Report), out, nil
	})

	if s.sessions == nil {
		return
	}

	// crew_sessions
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "crew_sessions",
		Description: "List recent crew sessions, most recently updated first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args crewSessionsInput) (res *mcp.CallToolResult, out crewSessionsOutput, err error) {
		done := s.observe(ctx, "crew_sessions")
		defer func() { done(err) }()

		limit := args.Limit
		if limit <= 0 {
			limit = 20
		}
		infos, err := s.sessions.List(ctx, limit)
		if err != nil {
			err = fmt.Errorf("listing sessions: %w", err)
			return nil, crewSessionsOutput{}, err
		}
		out.Sessions = make([]sessionRow, 0, len(infos))
		var b strings.Builder
		for _, info := range infos {
			out.Sessions = append(out.Sessions, sessionRow{
				SessionID: info.SessionID,
				Node:      info.Node,
				Turn:      info.Turn,
				Done:      info.Done,
				UpdatedAt: info.UpdatedAt.UTC().Format(time.RFC3339),
			})
			status := "open"
			if info.Done {
				status = "done"
			}
			fmt.Fprintf(&b, "%s  turn %d  %s  (%s)\n", info.SessionID, info.Turn, info.Node, status)
		}
		if len(infos) == 0 {
			b.WriteString("No sessions found.")
		}
		return textResult(b.String()), out, nil
	})
}

// launch starts or resumes a session. Without wait the session keeps
// running after the call returns.
func (s *Server) launch(ctx context.Context, kind, id string, wait bool, run func(context.Context, string) (<-chan orchestrator.Event, error)) (*mcp.CallToolResult, sessionOutput, error) {
	if id == "" {
		id = uuid.NewString()
	}

	if !wait {
		// detach from the request so the session outlives the call
		detached := context.WithoutCancel(ctx)
		events, err := run(detached, id)
		if err != nil {
			return nil, sessionOutput{}, err
		}
		go func() {
			outcome, failure := drain(events)
			if outcome == outcomeFailed {
				s.logger.Warn("session failed", zap.String("session_id", id), zap.String("kind", kind), zap.String("error", failure))
			}
			s.metrics.sessionEnded(detached, kind, false, outcome)
		}()
		out := sessionOutput{SessionID: id, Running: true}
		return textResult(fmt.Sprintf("Session %s started. Use crew_status to follow it.", id)), out, nil
	}

	events, err := run(ctx, id)
	if err != nil {
		return nil, sessionOutput{}, err
	}
	outcome, failure := drain(events)
	s.metrics.sessionEnded(context.WithoutCancel(ctx), kind, true, outcome)

	st, err := s.engine.State(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, sessionOutput{}, err
	}
	out := s.outputFor(st)
	if failure != "" {
		return nil, out, fmt.Errorf("session %s failed: %s", id, failure)
	}
	if !st.Done {
		if err := ctx.Err(); err != nil {
			return nil, out, err
		}
	}
	return textResult(strings.Join(out.Trace, "")), out, nil
}

// drain consumes a session's events and reports how it ended along with
// the last failure message, if any.
func drain(events <-chan orchestrator.Event) (outcome, failure string) {
	outcome = outcomeStopped
	for ev := range events {
		switch {
		case ev.Err != "":
			outcome, failure = outcomeFailed, ev.Err
		case ev.Done:
			outcome = outcomeDone
		}
	}
	return outcome, failure
}

func (s *Server) outputFor(st orchestrator.State) sessionOutput {
	out := sessionOutput{
		SessionID: st.SessionID,
		Node:      st.Node,
		Turn:      st.Turn,
		Steps:     st.Steps,
		Done:      st.Done,
		Error:     st.Err,
	}
	for _, line := range st.Trace {
		out.Trace = append(out.Trace, s.scrub(line))
	}
	if st.Done && len(st.Messages) > 0 {
		out.Report = st.Messages[len(st.Messages)-1].Content
	}
	return out
}

func (s *Server) scrub(text string) string {
	return s.scrubber.Scrub(text).Scrubbed
}

// ===== ISSUE TOOLS =====

type listIssuesInput struct {
	RepoFullName string `json:"repo_full_name" jsonschema:"Repository as owner/name"`
	State        string `json:"state,omitempty" jsonschema:"open, closed or all (default open)"`
}

type readIssueInput struct {
	RepoFullName string `json:"repo_full_name" jsonschema:"Repository as owner/name"`
	Number       int    `json:"number" jsonschema:"Issue number"`
}

type postCommentInput struct {
	RepoFullName string `json:"repo_full_name" jsonschema:"Repository as owner/name"`
	Number       int    `json:"number" jsonschema:"Issue number"`
	Body         string `json:"body" jsonschema:"Comment text (markdown)"`
}

type toolOutput struct {
	Result string `json:"result"`
}

func (s *Server) registerIssueTools() error {
	for _, name := range []string{"list_issues", "read_issue", "post_comment"} {
		if _, ok := s.tools.Get(name); !ok {
			return fmt.Errorf("tool %s is not registered", name)
		}
	}

	// list_issues
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_issues",
		Description: "List the issues of a GitHub repository",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listIssuesInput) (*mcp.CallToolResult, toolOutput, error) {
		return s.proxy(ctx, "list_issues", args)
	})

	// read_issue
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "read_issue",
		Description: "Read a GitHub issue with its comments",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args readIssueInput) (*mcp.CallToolResult, toolOutput, error) {
		return s.proxy(ctx, "read_issue", args)
	})

	// post_comment
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "post_comment",
		Description: "Post a comment on a GitHub issue or pull request",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args postCommentInput) (*mcp.CallToolResult, toolOutput, error) {
		return s.proxy(ctx, "post_comment", args)
	})

	return nil
}

// proxy forwards typed MCP arguments to a built-in tool and scrubs its output.
func (s *Server) proxy(ctx context.Context, name string, args any) (res *mcp.CallToolResult, out toolOutput, err error) {
	done := s.observe(ctx, name)
	defer func() { done(err) }()

	tool, _ := s.tools.Get(name)
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, toolOutput{}, fmt.Errorf("encoding %s arguments: %w", name, err)
	}
	text, err := tool.Call(ctx, raw)
	if err != nil {
		return nil, toolOutput{}, err
	}
	out.Result = s.scrub(text)
	return textResult(out.Result), out, nil
}
