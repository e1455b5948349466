package orchestrator

import (
	"context"
	"fmt"
	"runtime"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/llm"
	"github.com/fyrsmithlabs/devcrew/internal/logging"
)

// Model generates the next assistant turn. *llm.Client implements it.
type Model interface {
	Generate(ctx context.Context, tier llm.Tier, messages []llms.MessageContent, tools []llms.Tool) (*llms.ContentChoice, error)
}

var _ Model = (*llm.Client)(nil)

// toModelMessages renders session history for the model. Tool calls and
// results from earlier turns become plain text so a window cut never
// leaves a tool result without its call.
func toModelMessages(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleAI:
			text := m.Content
			for _, tc := range m.ToolCalls {
				if text != "" {
					text += "\n"
				}
				text += fmt.Sprintf("[called %s %s]", tc.Name, tc.Arguments)
			}
			if text == "" {
				continue
			}
			out = append(out, llms.TextParts(llms.ChatMessageTypeAI, text))
		case RoleTool:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman,
				fmt.Sprintf("[result of %s]\n%s", m.Name, m.Content)))
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return out
}

// memoryUsage reports memory obtained from the OS by the Go runtime.
func memoryUsage() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return fmt.Sprintf("%.1f MB", float64(m.Sys)/(1024*1024))
}

// truncate caps s at n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// preview caps s at n runes and marks the cut.
func preview(s string, n int) string {
	t := truncate(s, n)
	if t != s {
		return t + "..."
	}
	return s
}

// TemplateSource returns the current instructions for a role.
// *prompts.Loader implements it.
type TemplateSource interface {
	Load(role string) (string, error)
}

// roleTemplate re-reads a role's template on every use so reloaded
// templates apply to the next turn. The text loaded at construction is
// kept for when a later read fails.
type roleTemplate struct {
	src    TemplateSource
	role   string
	loaded string
	logger *logging.Logger
}

func newRoleTemplate(src TemplateSource, role string, logger *logging.Logger) (*roleTemplate, error) {
	text, err := src.Load(role)
	if err != nil {
		return nil, fmt.Errorf("loading %s template: %w", role, err)
	}
	return &roleTemplate{src: src, role: role, loaded: text, logger: logger}, nil
}

func (t *roleTemplate) text(ctx context.Context) string {
	text, err := t.src.Load(t.role)
	if err != nil {
		t.logger.Warn(ctx, "template reload failed, using the last good one",
			zap.String("role", t.role), zap.Error(err))
		return t.loaded
	}
	return text
}
