package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/config"
	"github.com/fyrsmithlabs/devcrew/internal/llm"
	"github.com/fyrsmithlabs/devcrew/internal/logging"
	"github.com/fyrsmithlabs/devcrew/internal/prompts"
	"github.com/fyrsmithlabs/devcrew/internal/telemetry"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

var errScriptExhausted = errors.New("model script exhausted")

type modelCall struct {
	tier     llm.Tier
	messages []llms.MessageContent
	tools    []string
}

// text returns the concatenated text parts of every message.
func (c modelCall) text() []string {
	var out []string
	for _, m := range c.messages {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				out = append(out, tc.Text)
			}
		}
	}
	return out
}

type scriptedReply struct {
	choice *llms.ContentChoice
	err    error
}

func say(text string) scriptedReply {
	return scriptedReply{choice: &llms.ContentChoice{Content: text}}
}

func callTool(name, args string) scriptedReply {
	return scriptedReply{choice: &llms.ContentChoice{
		ToolCalls: []llms.ToolCall{{
			ID:           "call_" + name,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
		}},
	}}
}

func fail(err error) scriptedReply { return scriptedReply{err: err} }

// scriptedModel answers calls from a queue in order.
type scriptedModel struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   []modelCall
}

func newScriptedModel(replies ...scriptedReply) *scriptedModel {
	return &scriptedModel{replies: replies}
}

func (m *scriptedModel) Generate(_ context.Context, tier llm.Tier, messages []llms.MessageContent, defs []llms.Tool) (*llms.ContentChoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	m.calls = append(m.calls, modelCall{tier: tier, messages: messages, tools: names})

	if len(m.replies) == 0 {
		return nil, errScriptExhausted
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.choice, r.err
}

func (m *scriptedModel) push(replies ...scriptedReply) {
	m.mu.Lock()
	m.replies = append(m.replies, replies...)
	m.mu.Unlock()
}

func (m *scriptedModel) recorded() []modelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]modelCall(nil), m.calls...)
}

// staticTemplates serves fixed role instructions.
type staticTemplates map[string]string

func (s staticTemplates) Load(role string) (string, error) {
	text, ok := s[role]
	if !ok {
		return "", fmt.Errorf("%w: %s", prompts.ErrTemplateNotFound, role)
	}
	return text, nil
}

func allTemplates() staticTemplates {
	t := staticTemplates{NodeSupervisor: "route the work"}
	for _, r := range DefaultRoles() {
		t[r.Template] = "you are the " + r.Name
	}
	return t
}

// toolLog records fake tool invocations.
type toolLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *toolLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *toolLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakeRegistry registers a stub for every tool any default role may use.
// repo_run_command fails so error handling can be observed.
func fakeRegistry(t *testing.T, log *toolLog) *tools.Registry {
	t.Helper()
	seen := map[string]bool{}
	reg := tools.NewRegistry()
	for _, r := range DefaultRoles() {
		for _, name := range r.Tools {
			if seen[name] {
				continue
			}
			seen[name] = true
			name := name
			require.NoError(t, reg.Register(tools.NewFunc(name, "stub "+name, nil,
				func(_ context.Context, args json.RawMessage) (string, error) {
					log.add(name)
					if name == tools.ToolRepoRun {
						return "", errors.New("exit status 2")
					}
					return fmt.Sprintf("%s ok %s", name, string(args)), nil
				})))
		}
	}
	return reg
}

func testConfig() config.OrchestratorConfig {
	return config.Default().Orchestrator
}

type engineFixture struct {
	engine *Engine
	model  *scriptedModel
	store  *checkpoint.MemoryStore
	tools  *toolLog
	logger *logging.TestLogger
	tel    *telemetry.TestTelemetry
}

func newEngineFixture(t *testing.T, cfg config.OrchestratorConfig, replies ...scriptedReply) *engineFixture {
	t.Helper()
	logger := logging.NewTestLogger()
	store := checkpoint.NewMemoryStore()
	svc, err := checkpoint.NewService(store, logger.Underlying())
	require.NoError(t, err)

	f := &engineFixture{
		model:  newScriptedModel(replies...),
		store:  store,
		tools:  &toolLog{},
		logger: logger,
		tel:    telemetry.NewTestTelemetry(),
	}
	f.engine, err = NewEngine(cfg, Deps{
		Model:       f.model,
		Templates:   allTemplates(),
		Tools:       fakeRegistry(t, f.tools),
		Checkpoints: svc,
		Logger:      logger.Logger,
		Tracer:      f.tel.Tracer("orchestrator-test"),
	})
	require.NoError(t, err)
	return f
}

func newSpecialistForTest(t *testing.T, node string, model Model, memory MemorySnapshotter, log *toolLog) (*Specialist, *logging.TestLogger) {
	t.Helper()
	spec, err := RoleFor(node)
	require.NoError(t, err)
	logger := logging.NewTestLogger()
	sp, err := newSpecialist(spec, testConfig(), Deps{
		Model:     model,
		Templates: allTemplates(),
		Tools:     fakeRegistry(t, log),
		Memory:    memory,
		Logger:    logger.Logger,
	})
	require.NoError(t, err)
	return sp, logger
}

func newSupervisorForTest(t *testing.T, model Model, threshold int) (*Supervisor, *logging.TestLogger) {
	t.Helper()
	logger := logging.NewTestLogger()
	tmpl, err := newRoleTemplate(allTemplates(), NodeSupervisor, logger.Logger)
	require.NoError(t, err)
	return &Supervisor{
		model:     model,
		template:  tmpl,
		window:    15,
		threshold: threshold,
		memUsage:  func() string { return "1.0 MB" },
		logger:    logger.Logger,
	}, logger
}
