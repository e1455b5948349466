package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/logging"
	"github.com/fyrsmithlabs/devcrew/internal/secrets"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

// MemorySnapshotter renders memory for the pinned context.
type MemorySnapshotter interface {
	Snapshot(includeLongTerm bool) (string, error)
}

// Specialist runs one role: it assembles the context, drives the model's
// tool-use loop and reports what changed.
type Specialist struct {
	spec     RoleSpec
	template *roleTemplate
	tools    *tools.Set
	model    Model
	memory   MemorySnapshotter
	scrubber secrets.Scrubber

	historyWindow int
	summaryCap    int
	previewCap    int
	maxToolSteps  int

	memUsage func() string
	metrics  *Metrics
	logger   *logging.Logger
}

// Spec returns the role binding.
func (s *Specialist) Spec() RoleSpec { return s.spec }

// Tools returns the names of the tools the role may call.
func (s *Specialist) Tools() []string { return s.tools.Names() }

// Run invokes the role once.
func (s *Specialist) Run(ctx context.Context, st State) (Update, error) {
	lines := []string{fmt.Sprintf("🛠️ [Turn %d] %s is working...\n", st.Turn, s.spec.Name)}

	pinned := Pinned{
		Request: st.OriginalRequest,
		Plan:    st.LastPlannerPlan,
		Advice:  st.LastReasonerAdvice,
	}
	if s.memory != nil {
		snap, err := s.memory.Snapshot(s.spec.IncludeLongTerm)
		if err != nil {
			s.logger.Warn(ctx, "reading memory snapshot failed", zap.Error(err))
		}
		pinned.Memory = snap
	}
	history := AssembleContext(st.Messages, s.historyWindow, pinned)

	tally := tools.NewTally()
	set := tools.Counted(s.tools, tally, s.scrubber, s.logger.Underlying())

	produced, final, err := s.toolLoop(ctx, set, history)
	counts := tally.Counts()
	s.metrics.observeToolCalls(s.spec.Node, counts)
	if err != nil {
		// Tool calls that already ran have side effects; hand them back with the error.
		partial := Update{Messages: produced, ToolCallCounts: counts}
		return partial, fmt.Errorf("%s: %w", s.spec.Node, err)
	}

	output := strings.TrimSpace(final)
	u := Update{
		Messages:       produced,
		Turn:           ptr(st.Turn),
		LastAgent:      ptr(s.spec.Node),
		ToolCallCounts: counts,
		NodeHitCounts:  map[string]int{s.spec.Node: 1},
	}
	// An empty answer keeps the earlier plan or advice.
	if output != "" {
		switch s.spec.Preserve {
		case PreservePlan:
			u.LastPlannerPlan = ptr(truncate(output, s.summaryCap))
		case PreserveAdvice:
			u.LastReasonerAdvice = ptr(truncate(output, s.summaryCap))
		}
	}

	if s.spec.Preview {
		lines = append(lines, fmt.Sprintf("📤 %s Output Preview:\n%s\n\n", s.spec.Name, preview(output, s.previewCap)))
	}
	lines = append(lines, fmt.Sprintf("💾 Memory after %s: %s\n\n", s.spec.Name, s.memUsage()))
	u.Trace = lines
	u.DeltaTrace = lines

	s.logger.Info(ctx, "specialist finished",
		zap.String("role", s.spec.Node),
		zap.Int("tool_calls", tally.Total()),
		zap.Int("output_chars", len(output)),
	)
	return u, nil
}

// toolLoop calls the model until it answers without tool calls or the step
// limit is reached. It returns the messages produced and the final text,
// which is empty when the limit cut the loop short.
func (s *Specialist) toolLoop(ctx context.Context, set *tools.Set, history []Message) ([]Message, string, error) {
	msgs := make([]llms.MessageContent, 0, len(history)+1+2*s.maxToolSteps)
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, s.template.text(ctx)))
	msgs = append(msgs, toModelMessages(history)...)
	defs := set.Definitions()

	var produced []Message
	for step := 0; step < s.maxToolSteps; step++ {
		choice, err := s.model.Generate(ctx, s.spec.Tier, msgs, defs)
		if err != nil {
			return produced, "", err
		}

		reply := NewMessage(RoleAI, s.spec.Node, choice.Content)
		if len(choice.ToolCalls) == 0 {
			produced = append(produced, reply)
			return produced, choice.Content, nil
		}

		aiParts := make([]llms.ContentPart, 0, len(choice.ToolCalls)+1)
		if choice.Content != "" {
			aiParts = append(aiParts, llms.TextContent{Text: choice.Content})
		}
		var results []llms.MessageContent
		var resultMsgs []Message
		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			id := tc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			name, args := tc.FunctionCall.Name, tc.FunctionCall.Arguments
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{ID: id, Name: name, Arguments: args})
			aiParts = append(aiParts, llms.ToolCall{
				ID:           id,
				Type:         "function",
				FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
			})

			out := s.callTool(ctx, set, name, args)
			results = append(results, llms.MessageContent{
				Role:  llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{ToolCallID: id, Name: name, Content: out}},
			})
			tm := NewMessage(RoleTool, name, out)
			tm.ToolCallID = id
			resultMsgs = append(resultMsgs, tm)
		}

		produced = append(produced, reply)
		produced = append(produced, resultMsgs...)
		msgs = append(msgs, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: aiParts})
		msgs = append(msgs, results...)
	}

	s.logger.Warn(ctx, "tool step limit reached",
		zap.String("role", s.spec.Node),
		zap.Int("max_tool_steps", s.maxToolSteps),
	)
	return produced, "", nil
}

func (s *Specialist) callTool(ctx context.Context, set *tools.Set, name, args string) string {
	t, ok := set.Lookup(name)
	if !ok {
		s.logger.Warn(ctx, "model requested a tool outside the role's set",
			zap.String("role", s.spec.Node),
			zap.String("tool", name),
		)
		return fmt.Sprintf("Error: tool %s is not available to %s", name, s.spec.Name)
	}
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	// counted tools never return an error
	out, _ := t.Call(ctx, json.RawMessage(args))
	return out
}
