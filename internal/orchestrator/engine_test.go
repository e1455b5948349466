package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/llm"
	"github.com/fyrsmithlabs/devcrew/internal/prompts"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, ev Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for session to end")
			return out
		}
	}
}

func nodesOf(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Node
	}
	return out
}

func happyPath() []scriptedReply {
	return []scriptedReply{
		say("planner"),
		say("1. edit parse.py\n**PLAN COMPLETE**"),
		say("tester"), // overridden: planner always hands to coder
		callTool(tools.ToolRepoWrite, `{"path":"parse.py","content":"x"}`),
		say("edited parse.py"),
		say("tester"),
		say("all tests pass"),
		say("pr creator"),
		callTool(tools.ToolCreatePR, `{"repo_full_name":"o/r","title":"fix"}`),
		say("PR created successfully: https://github.com/o/r/pull/1"),
	}
}

func TestEngine_HappyPath(t *testing.T) {
	f := newEngineFixture(t, testConfig(), happyPath()...)
	pub := &MockPublisher{}
	pub.On("Publish", mock.Anything, mock.AnythingOfType("orchestrator.Event")).Return(nil)
	f.engine.publisher = pub

	events, err := f.engine.Start(context.Background(), "fix the bug in parse.py", "sess-1")
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, []string{
		NodeSupervisor, NodePlanner, NodeSupervisor, NodeCoder, NodeSupervisor,
		NodeTester, NodeSupervisor, NodePRCreator, NodeFinalReport,
	}, nodesOf(got))
	last := got[len(got)-1]
	assert.True(t, last.Done)
	assert.Empty(t, last.Err)
	require.Len(t, last.NewMessages, 1)
	assert.Contains(t, last.NewMessages[0].Content, "**Final Agent Statistics**")
	for _, ev := range got[:len(got)-1] {
		assert.False(t, ev.Done)
		assert.Equal(t, "sess-1", ev.SessionID)
	}
	assert.Equal(t, 4, last.Turn)
	pub.AssertNumberOfCalls(t, "Publish", len(got))

	st, err := f.engine.State(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, NodeFinalReport, st.Node)
	assert.Equal(t, 9, st.Steps)
	assert.Equal(t, "1. edit parse.py\n**PLAN COMPLETE**", st.LastPlannerPlan)
	assert.Equal(t, map[string]int{tools.ToolRepoWrite: 1, tools.ToolCreatePR: 1}, st.ToolCallCounts)
	assert.Equal(t, map[string]int{
		NodeSupervisor: 4, NodePlanner: 1, NodeCoder: 1, NodeTester: 1, NodePRCreator: 1,
	}, st.NodeHitCounts)
	assert.Equal(t, 1, strings.Count(strings.Join(contents(st.Messages), "\n"), "**Final Agent Statistics**"))
	assert.Contains(t, st.Messages[len(st.Messages)-1].Content, "- create_pull_request: 1 times")

	history, err := f.store.History(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, history, 10, "initial state plus one checkpoint per node")

	assert.Equal(t, []string{tools.ToolRepoWrite, tools.ToolCreatePR}, f.tools.names())
	assert.False(t, f.engine.Running("sess-1"))
}

func TestEngine_TiersPerRole(t *testing.T) {
	f := newEngineFixture(t, testConfig(), happyPath()...)
	_, err := f.engine.Run(context.Background(), "fix it", "tiers", nil)
	require.NoError(t, err)

	var tiers []llm.Tier
	for _, c := range f.model.recorded() {
		tiers = append(tiers, c.tier)
	}
	assert.Equal(t, []llm.Tier{
		llm.TierFast, llm.TierFast, // supervisor, planner
		llm.TierFast, llm.TierPrecise, llm.TierPrecise, // supervisor, coder x2
		llm.TierFast, llm.TierFast, // supervisor, tester
		llm.TierFast, llm.TierPrecise, llm.TierPrecise, // supervisor, pr_creator x2
	}, tiers)
}

func TestEngine_LoopBreakerForcesPR(t *testing.T) {
	cfg := testConfig()
	cfg.LoopThreshold = 1
	f := newEngineFixture(t, cfg,
		say("coder"), say("wrote code"),
		say("tester"), say("broken, coder fix it"),
		say("coder"), say("fixed"), // round 1
		say("tester"), say("still broken"),
		say("coder"), // round 2 > 1: forced pr_creator
		say("PR created successfully: u"),
	)

	st, err := f.engine.Run(context.Background(), "req", "loop", nil)
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, 2, st.CoderTesterRounds)
	assert.Equal(t, 1, st.NodeHitCounts[NodePRCreator])
	assert.Contains(t, strings.Join(st.Trace, ""), "Chose: pr_creator [forced:")
}

func TestEngine_StepLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 3
	f := newEngineFixture(t, cfg, say("coder"), say("ok"), say("coder"))

	events, err := f.engine.Start(context.Background(), "req", "capped")
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, []string{NodeSupervisor, NodeCoder, NodeSupervisor, NodeFinalReport}, nodesOf(got))
	last := got[len(got)-1]
	assert.True(t, last.Done)
	require.NotEmpty(t, last.DeltaTrace)
	assert.Contains(t, last.DeltaTrace[0], "Step limit (3) reached before coder")
	assert.Equal(t, 1, f.logger.Count("step limit reached"))
}

func TestEngine_FailureAndResume(t *testing.T) {
	boom := errors.New("model endpoint down")
	f := newEngineFixture(t, testConfig(), say("coder"), fail(boom))
	ctx := context.Background()

	got := collect(t, mustStart(t, f.engine, ctx, "req", "flaky"))
	require.Len(t, got, 2)
	assert.Equal(t, NodeCoder, got[1].Node)
	assert.Contains(t, got[1].Err, "model endpoint down")
	assert.Equal(t, "❌ [Turn 1] coder failed: coder: model endpoint down\n", got[1].DeltaTrace[0])

	st, err := f.engine.State(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, NodeSupervisor, st.Node, "failed node is not recorded as done")
	assert.NotEmpty(t, st.Err)
	assert.False(t, st.Done)

	f.model.push(say("fixed it"), say("finish"))
	events, err := f.engine.Resume(ctx, "flaky")
	require.NoError(t, err)
	got = collect(t, events)
	assert.Equal(t, []string{NodeCoder, NodeSupervisor, NodeFinalReport}, nodesOf(got))

	st, err = f.engine.State(ctx, "flaky")
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Empty(t, st.Err)
	assert.Equal(t, 2, st.Turn)

	_, err = f.engine.Resume(ctx, "flaky")
	assert.ErrorIs(t, err, ErrSessionFinished)
}

func TestEngine_FailureKeepsCompletedToolCalls(t *testing.T) {
	boom := errors.New("model endpoint down")
	f := newEngineFixture(t, testConfig(),
		say("coder"),
		callTool(tools.ToolRepoWrite, `{"path":"parse.py","content":"x"}`),
		fail(boom),
	)
	ctx := context.Background()

	got := collect(t, mustStart(t, f.engine, ctx, "req", "half-done"))
	require.Len(t, got, 2)
	failed := got[1]
	assert.Contains(t, failed.Err, "model endpoint down")
	require.Len(t, failed.NewMessages, 2, "ai tool call and its result")
	assert.Equal(t, RoleAI, failed.NewMessages[0].Role)
	require.Len(t, failed.NewMessages[0].ToolCalls, 1)
	assert.Equal(t, RoleTool, failed.NewMessages[1].Role)

	st, err := f.engine.State(ctx, "half-done")
	require.NoError(t, err)
	assert.Equal(t, NodeSupervisor, st.Node, "failed node is not recorded as done")
	assert.Equal(t, 1, st.ToolCallCounts[tools.ToolRepoWrite])
	assert.Zero(t, st.NodeHitCounts[NodeCoder])
	assert.Equal(t, RoleTool, st.Messages[len(st.Messages)-1].Role)

	f.model.push(say("wrote parse.py"), say("finish"))
	collect(t, mustResume(t, f.engine, ctx, "half-done"))

	st, err = f.engine.State(ctx, "half-done")
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, []string{tools.ToolRepoWrite}, f.tools.names(), "the write is not repeated")
	assert.Equal(t, map[string]int{tools.ToolRepoWrite: 1}, st.ToolCallCounts)
	assert.Equal(t, 1, st.NodeHitCounts[NodeCoder])

	var toolMsgs int
	for _, m := range st.Messages {
		if m.Role == RoleTool {
			toolMsgs++
		}
	}
	assert.Equal(t, 1, toolMsgs)
	assert.Contains(t, st.Messages[len(st.Messages)-1].Content, "- repo_write_file: 1 times")
}

func TestEngine_PinnedContextAcrossTurns(t *testing.T) {
	const request = "fix the bug in parse.py"
	const plan = "1. edit parse.py\n**PLAN COMPLETE**"
	f := newEngineFixture(t, testConfig(), happyPath()...)
	ctx := context.Background()

	st, err := f.engine.Run(ctx, request, "pinned", nil)
	require.NoError(t, err)
	assert.Equal(t, request, st.OriginalRequest)
	assert.Equal(t, plan, st.LastPlannerPlan)

	calls := f.model.recorded()
	require.Len(t, calls, 10)
	planner := strings.Join(calls[1].text(), "\n")
	assert.Contains(t, planner, "ORIGINAL HUMAN REQUEST: "+request)
	assert.NotContains(t, planner, "LATEST PLANNER PLAN:")

	// coder x2, tester, pr_creator x2 run in turns 2 to 4
	for _, i := range []int{3, 4, 6, 8, 9} {
		text := strings.Join(calls[i].text(), "\n")
		assert.Contains(t, text, "ORIGINAL HUMAN REQUEST: "+request, "call %d", i)
		assert.Contains(t, text, "LATEST PLANNER PLAN:\n"+plan, "call %d", i)
	}

	history, err := f.store.History(ctx, "pinned")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	for _, snap := range history {
		var saved State
		require.NoError(t, json.Unmarshal(snap.Data, &saved))
		assert.Equal(t, request, saved.OriginalRequest, "checkpoint after %s", snap.Node)
		if saved.NodeHitCounts[NodePlanner] > 0 {
			assert.Equal(t, plan, saved.LastPlannerPlan, "checkpoint after %s", snap.Node)
		}
	}
}

func TestEngine_NodeSpans(t *testing.T) {
	f := newEngineFixture(t, testConfig(), say("coder"), fail(errors.New("model endpoint down")))
	collect(t, mustStart(t, f.engine, context.Background(), "req", "traced"))

	f.tel.AssertSpanExists(t, "orchestrator.supervisor")
	f.tel.AssertSpanAttribute(t, "orchestrator.supervisor", "session_id", "traced")
	f.tel.AssertSpanAttribute(t, "orchestrator.supervisor", "step", int64(1))

	span := f.tel.SpanByName("orchestrator.coder")
	require.NotNil(t, span)
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Status().Description, "model endpoint down")
}

func TestEngine_RunReturnsFailure(t *testing.T) {
	f := newEngineFixture(t, testConfig(), fail(errors.New("no route to host")))
	st, err := f.engine.Run(context.Background(), "req", "fails", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")
	assert.Equal(t, "", st.Node)
	assert.Contains(t, st.Err, "supervisor classification")
}

func TestEngine_StartValidation(t *testing.T) {
	f := newEngineFixture(t, testConfig(), say("finish"))
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "  ", "x")
	assert.ErrorIs(t, err, ErrEmptyRequest)

	_, err = f.engine.Start(ctx, "req", "not valid!")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	collect(t, mustStart(t, f.engine, ctx, "req", "dup"))
	_, err = f.engine.Start(ctx, "req", "dup")
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = f.engine.Resume(ctx, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestEngine_GeneratesSessionID(t *testing.T) {
	f := newEngineFixture(t, testConfig(), say("finish"))
	st, err := f.engine.Run(context.Background(), "req", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, st.Done)
}

// gatedModel blocks its first call until release is closed.
type gatedModel struct {
	*scriptedModel
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (g *gatedModel) Generate(ctx context.Context, tier llm.Tier, msgs []llms.MessageContent, defs []llms.Tool) (*llms.ContentChoice, error) {
	if !g.once {
		g.once = true
		close(g.entered)
		<-g.release
	}
	return g.scriptedModel.Generate(ctx, tier, msgs, defs)
}

func TestEngine_RejectsConcurrentRunOfSameSession(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	gm := &gatedModel{scriptedModel: newScriptedModel(say("finish")), entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.graph.nodes[NodeSupervisor].(*Supervisor).model = gm

	events := mustStart(t, f.engine, context.Background(), "req", "busy")
	<-gm.entered
	assert.True(t, f.engine.Running("busy"))
	_, err := f.engine.Resume(context.Background(), "busy")
	assert.ErrorIs(t, err, ErrSessionRunning)

	close(gm.release)
	got := collect(t, events)
	assert.True(t, got[len(got)-1].Done)
}

func TestNewEngine_ConfigurationFailures(t *testing.T) {
	base := func() Deps {
		return Deps{
			Model:       newScriptedModel(),
			Templates:   allTemplates(),
			Tools:       fakeRegistry(t, &toolLog{}),
			Checkpoints: mustService(t),
		}
	}

	t.Run("missing template", func(t *testing.T) {
		d := base()
		tmpl := allTemplates()
		delete(tmpl, NodeTester)
		d.Templates = tmpl
		_, err := NewEngine(testConfig(), d)
		assert.ErrorIs(t, err, prompts.ErrTemplateNotFound)
	})

	t.Run("unregistered tool", func(t *testing.T) {
		d := base()
		d.Tools = tools.NewRegistry()
		_, err := NewEngine(testConfig(), d)
		assert.ErrorIs(t, err, tools.ErrUnknownTool)
	})

	t.Run("missing model", func(t *testing.T) {
		d := base()
		d.Model = nil
		_, err := NewEngine(testConfig(), d)
		assert.Error(t, err)
	})

	t.Run("specialist lookup", func(t *testing.T) {
		e, err := NewEngine(testConfig(), base())
		require.NoError(t, err)
		sp, err := e.Specialist(NodeTester)
		require.NoError(t, err)
		assert.Equal(t, []string{"repo_list_dir", "repo_read_file", "repo_run_command"}, sp.Tools())
		_, err = e.Specialist(NodeSupervisor)
		assert.ErrorIs(t, err, ErrUnknownRole)
	})
}

func mustStart(t *testing.T, e *Engine, ctx context.Context, request, id string) <-chan Event {
	t.Helper()
	events, err := e.Start(ctx, request, id)
	require.NoError(t, err)
	return events
}

func mustResume(t *testing.T, e *Engine, ctx context.Context, id string) <-chan Event {
	t.Helper()
	events, err := e.Resume(ctx, id)
	require.NoError(t, err)
	return events
}

func mustService(t *testing.T) *checkpoint.Service {
	t.Helper()
	svc, err := checkpoint.NewService(checkpoint.NewMemoryStore(), nil)
	require.NoError(t, err)
	return svc
}
