package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/llm"
	"github.com/fyrsmithlabs/devcrew/internal/logging"
)

// PlanCompleteMarker ends every finished plan.
const PlanCompleteMarker = "**plan complete**"

// DecisionKind tags how the supervisor reached its decision.
type DecisionKind int

const (
	// DecisionForced is an override that ignores the model's suggestion.
	DecisionForced DecisionKind = iota
	// DecisionKeyword matched a role keyword in the model's text.
	DecisionKeyword
	// DecisionFallback is the default when nothing matched.
	DecisionFallback
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionForced:
		return "forced"
	case DecisionKeyword:
		return "keyword"
	case DecisionFallback:
		return "fallback"
	}
	return "unknown"
}

// Decision is the supervisor's routing outcome. Target is a node name or
// Finish.
type Decision struct {
	Kind   DecisionKind
	Target string
	Reason string
}

func (d Decision) String() string {
	return fmt.Sprintf("%s (%s: %s)", d.Target, d.Kind, d.Reason)
}

type keywordRule struct {
	target   string
	keywords []string
}

// keywordRules are checked in order; the first rule with a matching keyword wins.
var keywordRules = []keywordRule{
	{NodePlanner, []string{"planner"}},
	{NodeCoder, []string{"coder"}},
	{NodeTester, []string{"tester"}},
	{NodePRCreator, []string{"pr_creator", "prcreator", "pr creator", "pullrequest"}},
	{NodeReasoner, []string{"reasoner", "stuck", "unclear", "help", "confused", "ambiguous", "issue", "comment"}},
	{Finish, []string{"finish", "done", "complete"}},
}

// Route applies the override cascade to the normalized model text and
// returns the decision with the updated coder/tester round counter. The
// counter only changes when the tester asks for the coder; pr_creator is
// forced once it exceeds threshold.
func Route(lastAgent, text string, rounds, threshold int) (Decision, int) {
	switch {
	case lastAgent == NodePRCreator:
		return Decision{Kind: DecisionForced, Target: Finish, Reason: "pull request already created"}, rounds

	case lastAgent == NodeTester && strings.Contains(text, "coder"):
		rounds++
		if rounds > threshold {
			return Decision{
				Kind:   DecisionForced,
				Target: NodePRCreator,
				Reason: fmt.Sprintf("coder/tester rounds %d exceed threshold %d", rounds, threshold),
			}, rounds
		}
		return Decision{
			Kind:   DecisionForced,
			Target: NodeCoder,
			Reason: fmt.Sprintf("tester sent work back to coder (round %d of %d)", rounds, threshold),
		}, rounds

	case lastAgent == NodePlanner:
		return Decision{Kind: DecisionForced, Target: NodeCoder, Reason: "plan finished"}, rounds

	case strings.Contains(text, PlanCompleteMarker):
		return Decision{Kind: DecisionForced, Target: NodeCoder, Reason: "plan complete marker"}, rounds
	}

	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return Decision{Kind: DecisionKeyword, Target: rule.target, Reason: fmt.Sprintf("matched %q", kw)}, rounds
			}
		}
	}
	return Decision{Kind: DecisionFallback, Target: NodeCoder, Reason: "no keyword matched"}, rounds
}

// Supervisor is the routing node.
type Supervisor struct {
	model     Model
	template  *roleTemplate
	window    int
	threshold int
	memUsage  func() string
	metrics   *Metrics
	logger    *logging.Logger
}

// Run asks the fast model which specialist should act next and resolves
// the answer through Route.
func (s *Supervisor) Run(ctx context.Context, st State) (Update, error) {
	turn := st.Turn + 1
	lines := []string{fmt.Sprintf("🔄 [Turn %d] Supervisor (last: %s) deciding...\n", turn, st.LastAgent)}

	msgs := make([]llms.MessageContent, 0, s.window+1)
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, s.template.text(ctx)))
	msgs = append(msgs, toModelMessages(lastN(st.Messages, s.window))...)

	choice, err := s.model.Generate(ctx, llm.TierFast, msgs, nil)
	if err != nil {
		return Update{}, fmt.Errorf("supervisor classification: %w", err)
	}
	text := strings.ToLower(strings.TrimSpace(choice.Content))
	lines = append(lines, fmt.Sprintf("   Raw: %s\n", text))

	decision, rounds := Route(st.LastAgent, text, st.CoderTesterRounds, s.threshold)
	s.metrics.observeDecision(decision)
	s.logger.Info(ctx, "supervisor decided",
		zap.String("target", decision.Target),
		zap.Stringer("kind", decision.Kind),
		zap.String("reason", decision.Reason),
		zap.Int("coder_tester_rounds", rounds),
	)

	lines = append(lines,
		fmt.Sprintf("✅ [Turn %d] Chose: %s [%s: %s] (coder/tester rounds: %d)\n", turn, decision.Target, decision.Kind, decision.Reason, rounds),
		fmt.Sprintf("💾 Memory: %s\n\n", s.memUsage()),
	)

	return Update{
		Next:              ptr(decision.Target),
		Turn:              ptr(turn),
		Trace:             lines,
		DeltaTrace:        lines,
		LastAgent:         ptr(NodeSupervisor),
		CoderTesterRounds: ptr(rounds),
		NodeHitCounts:     map[string]int{NodeSupervisor: 1},
	}, nil
}

func lastN(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
