package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/logging"
	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
	"github.com/fyrsmithlabs/devcrew/internal/secrets"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

// fakeEngine finishes every session immediately with a canned report.
type fakeEngine struct {
	mu       sync.Mutex
	states   map[string]orchestrator.State
	requests []string
	failWith string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{states: map[string]orchestrator.State{}}
}

func (f *fakeEngine) Start(_ context.Context, request, id string) (<-chan orchestrator.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrSessionExists, id)
	}
	f.requests = append(f.requests, request)
	return f.finish(orchestrator.NewState(id, request)), nil
}

func (f *fakeEngine) Resume(_ context.Context, id string) (<-chan orchestrator.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", id, checkpoint.ErrNotFound)
	}
	if st.Done {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrSessionFinished, id)
	}
	return f.finish(st), nil
}

// finish must be called with f.mu held.
func (f *fakeEngine) finish(st orchestrator.State) <-chan orchestrator.Event {
	out := make(chan orchestrator.Event, 2)
	st.Trace = append(st.Trace, "🧭 routed to coder with token ghp_secret\n")
	st.Turn++
	st.Steps++
	if f.failWith != "" {
		st.Err = f.failWith
		f.states[st.SessionID] = st
		out <- orchestrator.Event{SessionID: st.SessionID, Node: "coder", Err: f.failWith}
		close(out)
		return out
	}
	st.Node = orchestrator.NodeFinalReport
	st.Done = true
	st.ToolCallCounts = map[string]int{"repo_list_files": 2}
	st.NodeHitCounts = map[string]int{"coder": 1}
	st.Messages = append(st.Messages, orchestrator.NewMessage(orchestrator.RoleAI, orchestrator.NodeFinalReport,
		orchestrator.RenderReport(st.ToolCallCounts, st.NodeHitCounts)))
	f.states[st.SessionID] = st
	out <- orchestrator.Event{SessionID: st.SessionID, Node: "supervisor"}
	out <- orchestrator.Event{SessionID: st.SessionID, Node: orchestrator.NodeFinalReport, Done: true}
	close(out)
	return out
}

func (f *fakeEngine) State(_ context.Context, id string) (orchestrator.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return orchestrator.State{}, fmt.Errorf("load %s: %w", id, checkpoint.ErrNotFound)
	}
	return st, nil
}

func (f *fakeEngine) put(st orchestrator.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[st.SessionID] = st
}

type tokenScrubber struct{}

func (tokenScrubber) Scrub(content string) secrets.Result {
	if !strings.Contains(content, "ghp_secret") {
		return secrets.Result{Scrubbed: content}
	}
	return secrets.Result{
		Scrubbed: strings.ReplaceAll(content, "ghp_secret", "[REDACTED]"),
		Findings: []secrets.Finding{{RuleID: "github-pat"}},
	}
}

type staticLister struct{ infos []checkpoint.SessionInfo }

func (l staticLister) List(_ context.Context, limit int) ([]checkpoint.SessionInfo, error) {
	if limit < len(l.infos) {
		return l.infos[:limit], nil
	}
	return l.infos, nil
}

func issueRegistry(t *testing.T, calls *[]string) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	mk := func(name, reply string) tools.Tool {
		return tools.NewFunc(name, name, nil, func(_ context.Context, args json.RawMessage) (string, error) {
			*calls = append(*calls, name+" "+string(args))
			if name == "read_issue" && strings.Contains(string(args), `"number":0`) {
				return "", fmt.Errorf("%w: number must be positive", tools.ErrInvalidArgs)
			}
			return reply, nil
		})
	}
	require.NoError(t, reg.Register(
		mk("list_issues", "#1 Broken build (open) token ghp_secret"),
		mk("read_issue", "#1: Broken build"),
		mk("post_comment", "Comment posted."),
	))
	return reg
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return res, b.String()
}

type fixture struct {
	engine *fakeEngine
	calls  []string
	cs     *mcp.ClientSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{engine: newFakeEngine()}
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	lister := staticLister{infos: []checkpoint.SessionInfo{
		{SessionID: "a", Node: "coder", Turn: 3, UpdatedAt: now},
		{SessionID: "b", Node: "final_report", Turn: 9, Done: true, UpdatedAt: now},
	}}
	cfg := DefaultConfig()
	cfg.Logger = logging.NewTestLogger().Underlying()
	s, err := NewServer(cfg, f.engine, lister, issueRegistry(t, &f.calls), tokenScrubber{})
	require.NoError(t, err)
	f.cs = connect(t, s)
	return f
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine is required")

	_, err = NewServer(nil, newFakeEngine(), nil, tools.NewRegistry(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list_issues is not registered")

	s, err := NewServer(nil, newFakeEngine(), nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, s.mcp)
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	res, err := f.cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"crew_run", "crew_issues", "crew_resume", "crew_status", "crew_report", "crew_sessions",
		"list_issues", "read_issue", "post_comment",
	}, names)
}

func TestCrewRun_Wait(t *testing.T) {
	f := newFixture(t)
	res, text := call(t, f.cs, "crew_run", map[string]any{
		"request":    "fix the build",
		"repo":       "acme/widgets",
		"session_id": "s1",
		"wait":       true,
	})
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "[REDACTED]")
	assert.NotContains(t, text, "ghp_secret")
	assert.Equal(t, []string{"Target repository: acme/widgets\n\nfix the build"}, f.engine.requests)

	st, err := f.engine.State(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, st.Done)
}

func TestCrewRun_Detached(t *testing.T) {
	f := newFixture(t)
	res, text := call(t, f.cs, "crew_run", map[string]any{"request": "fix the build"})
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "started")

	require.Len(t, f.engine.requests, 1)
	assert.Equal(t, "fix the build", f.engine.requests[0])
}

func TestCrewRun_Errors(t *testing.T) {
	f := newFixture(t)

	// request is required by the input schema
	res, err := f.cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "crew_run", Arguments: map[string]any{}})
	if err == nil {
		assert.True(t, res.IsError)
	}

	f.engine.put(orchestrator.NewState("dup", "x"))
	res, text := call(t, f.cs, "crew_run", map[string]any{"request": "again", "session_id": "dup", "wait": true})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "already exists")

	f.engine.failWith = "model unavailable"
	res, text = call(t, f.cs, "crew_run", map[string]any{"request": "x", "session_id": "broken", "wait": true})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "session broken failed: model unavailable")
}

func TestCrewIssues(t *testing.T) {
	f := newFixture(t)
	res, text := call(t, f.cs, "crew_issues", map[string]any{"repo": "acme/widgets", "wait": true})
	require.False(t, res.IsError, text)
	require.Len(t, f.engine.requests, 1)
	assert.Equal(t, orchestrator.IssuesRequest("acme/widgets"), f.engine.requests[0])

	res, _ = call(t, f.cs, "crew_issues", map[string]any{"repo": ""})
	assert.True(t, res.IsError)
}

func TestCrewResume(t *testing.T) {
	f := newFixture(t)

	res, text := call(t, f.cs, "crew_resume", map[string]any{"session_id": "missing", "wait": true})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "not found")

	f.engine.put(orchestrator.NewState("paused", "x"))
	res, text = call(t, f.cs, "crew_resume", map[string]any{"session_id": "paused", "wait": true})
	require.False(t, res.IsError, text)

	res, text = call(t, f.cs, "crew_resume", map[string]any{"session_id": "paused", "wait": true})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "finished")
}

func TestCrewStatusAndReport(t *testing.T) {
	f := newFixture(t)
	st := orchestrator.NewState("open", "x")
	st.Trace = []string{"line one\n", "token ghp_secret\n"}
	st.ToolCallCounts = map[string]int{"repo_read_file": 3}
	st.NodeHitCounts = map[string]int{"tester": 2}
	f.engine.put(st)

	res, text := call(t, f.cs, "crew_status", map[string]any{"session_id": "open"})
	require.False(t, res.IsError, text)
	assert.Equal(t, "line one\ntoken [REDACTED]\n", text)

	// a session that has not finished reports its running counts
	res, text = call(t, f.cs, "crew_report", map[string]any{"session_id": "open"})
	require.False(t, res.IsError, text)
	assert.Equal(t, orchestrator.RenderReport(st.ToolCallCounts, st.NodeHitCounts), text)

	res, text = call(t, f.cs, "crew_status", map[string]any{"session_id": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "not found")
}

func TestCrewSessions(t *testing.T) {
	f := newFixture(t)
	res, text := call(t, f.cs, "crew_sessions", map[string]any{"limit": 1})
	require.False(t, res.IsError, text)
	assert.Equal(t, "a  turn 3  coder  (open)\n", text)

	_, text = call(t, f.cs, "crew_sessions", map[string]any{})
	assert.Contains(t, text, "b  turn 9  final_report  (done)")
}

func TestIssueTools(t *testing.T) {
	f := newFixture(t)

	res, text := call(t, f.cs, "list_issues", map[string]any{"repo_full_name": "acme/widgets"})
	require.False(t, res.IsError, text)
	assert.Equal(t, "#1 Broken build (open) token [REDACTED]", text)

	res, text = call(t, f.cs, "post_comment", map[string]any{"repo_full_name": "acme/widgets", "number": 1, "body": "on it"})
	require.False(t, res.IsError, text)
	assert.Equal(t, "Comment posted.", text)

	res, text = call(t, f.cs, "read_issue", map[string]any{"repo_full_name": "acme/widgets", "number": 0})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "number must be positive")

	require.Len(t, f.calls, 3)
	assert.Equal(t, `list_issues {"repo_full_name":"acme/widgets"}`, f.calls[0])
	assert.Equal(t, `post_comment {"repo_full_name":"acme/widgets","number":1,"body":"on it"}`, f.calls[1])
}

func TestOutputFor(t *testing.T) {
	s := &Server{scrubber: secrets.Nop{}}
	st := orchestrator.NewState("s", "req")
	out := s.outputFor(st)
	assert.Empty(t, out.Report, "unfinished sessions have no report")

	st.Done = true
	out = s.outputFor(st)
	assert.Equal(t, "req", out.Report)
}
