package orchestrator

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Node names of the control graph.
const (
	NodeSupervisor  = "supervisor"
	NodePlanner     = "planner"
	NodeCoder       = "coder"
	NodeTester      = "tester"
	NodePRCreator   = "pr_creator"
	NodeReasoner    = "reasoner"
	NodeFinalReport = "final_report"
)

// Finish is the routing target that ends a session.
const Finish = "FINISH"

// LastAgentUser is last_agent before any node has run.
const LastAgentUser = "user"

// MessageRole says who produced a message.
type MessageRole string

const (
	RoleHuman  MessageRole = "human"
	RoleAI     MessageRole = "ai"
	RoleTool   MessageRole = "tool"
	RoleSystem MessageRole = "system"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of the session log.
type Message struct {
	ID         string      `json:"id"`
	Role       MessageRole `json:"role"`
	Name       string      `json:"name,omitempty"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewMessage returns a message with a fresh ID.
func NewMessage(role MessageRole, name, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Name:      name,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// State is the session state threaded through the graph. It is a value:
// nodes read it and return an Update, and Apply produces the next State
// without touching the old one.
type State struct {
	SessionID string `json:"session_id"`
	// Node is the last node executed.
	Node string `json:"node"`
	// Steps counts node executions.
	Steps int `json:"steps"`

	Messages           []Message      `json:"messages"`
	Next               string         `json:"next"`
	Turn               int            `json:"turn"`
	Trace              []string       `json:"trace"`
	DeltaTrace         []string       `json:"delta_trace"`
	LastAgent          string         `json:"last_agent"`
	OriginalRequest    string         `json:"original_human_request"`
	LastPlannerPlan    string         `json:"last_planner_plan"`
	LastReasonerAdvice string         `json:"last_reasoner_advice"`
	CoderTesterRounds  int            `json:"coder_tester_rounds"`
	ToolCallCounts     map[string]int `json:"tool_call_counts"`
	NodeHitCounts      map[string]int `json:"node_hit_counts"`

	Done bool   `json:"done"`
	Err  string `json:"error,omitempty"`
}

// NewState returns the initial state of a session: the request as the only
// message, turn 0 and last agent "user".
func NewState(sessionID, request string) State {
	return State{
		SessionID:       sessionID,
		Messages:        []Message{NewMessage(RoleHuman, "", request)},
		LastAgent:       LastAgentUser,
		OriginalRequest: request,
		ToolCallCounts:  map[string]int{},
		NodeHitCounts:   map[string]int{},
	}
}

// Update holds the fields one node produced. Nil pointers and empty
// collections mean "not produced".
type Update struct {
	Messages           []Message
	Next               *string
	Turn               *int
	Trace              []string
	DeltaTrace         []string
	LastAgent          *string
	OriginalRequest    *string
	LastPlannerPlan    *string
	LastReasonerAdvice *string
	CoderTesterRounds  *int
	ToolCallCounts     map[string]int
	NodeHitCounts      map[string]int
	Done               bool
}

// MergePolicy names how a field of Update folds into State.
type MergePolicy int

const (
	// MergeAppend appends to the existing log.
	MergeAppend MergePolicy = iota
	// MergeOverwrite replaces the value when produced.
	MergeOverwrite
	// MergeReplace always replaces, even with nothing.
	MergeReplace
	// MergeSum adds per key.
	MergeSum
	// MergeCarry overwrites when produced and otherwise keeps the old value.
	MergeCarry
	// MergeOnce sets the value only while it is still empty.
	MergeOnce
	// MergeMonotonic keeps the larger of old and new.
	MergeMonotonic
)

func (p MergePolicy) String() string {
	switch p {
	case MergeAppend:
		return "append"
	case MergeOverwrite:
		return "overwrite"
	case MergeReplace:
		return "replace"
	case MergeSum:
		return "sum"
	case MergeCarry:
		return "carry"
	case MergeOnce:
		return "once"
	case MergeMonotonic:
		return "monotonic"
	}
	return "unknown"
}

// FieldPolicies lists the merge policy of every state field by JSON name.
var FieldPolicies = map[string]MergePolicy{
	"messages":               MergeAppend,
	"next":                   MergeOverwrite,
	"turn":                   MergeMonotonic,
	"trace":                  MergeAppend,
	"delta_trace":            MergeReplace,
	"last_agent":             MergeOverwrite,
	"original_human_request": MergeOnce,
	"last_planner_plan":      MergeCarry,
	"last_reasoner_advice":   MergeCarry,
	"coder_tester_rounds":    MergeMonotonic,
	"tool_call_counts":       MergeSum,
	"node_hit_counts":        MergeSum,
}

// Apply folds u into a copy of s.
func (s State) Apply(u Update) State {
	next := s.clone()

	next.Messages = append(next.Messages, u.Messages...)
	if u.Next != nil {
		next.Next = *u.Next
	}
	if u.Turn != nil && *u.Turn > next.Turn {
		next.Turn = *u.Turn
	}
	next.Trace = append(next.Trace, u.Trace...)
	next.DeltaTrace = slices.Clone(u.DeltaTrace)
	if u.LastAgent != nil {
		next.LastAgent = *u.LastAgent
	}
	if u.OriginalRequest != nil && next.OriginalRequest == "" {
		next.OriginalRequest = *u.OriginalRequest
	}
	if u.LastPlannerPlan != nil {
		next.LastPlannerPlan = *u.LastPlannerPlan
	}
	if u.LastReasonerAdvice != nil {
		next.LastReasonerAdvice = *u.LastReasonerAdvice
	}
	if u.CoderTesterRounds != nil && *u.CoderTesterRounds > next.CoderTesterRounds {
		next.CoderTesterRounds = *u.CoderTesterRounds
	}
	for k, v := range u.ToolCallCounts {
		next.ToolCallCounts[k] += v
	}
	for k, v := range u.NodeHitCounts {
		next.NodeHitCounts[k] += v
	}
	if u.Done {
		next.Done = true
	}
	return next
}

// clone deep-copies the slices and maps of s.
func (s State) clone() State {
	c := s
	c.Messages = slices.Clone(s.Messages)
	c.Trace = slices.Clone(s.Trace)
	c.DeltaTrace = slices.Clone(s.DeltaTrace)
	c.ToolCallCounts = cloneCounts(s.ToolCallCounts)
	c.NodeHitCounts = cloneCounts(s.NodeHitCounts)
	return c
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// ComposeRequest prefixes task with the target repository when one is given.
func ComposeRequest(repo, task string) string {
	task = strings.TrimSpace(task)
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return task
	}
	return "Target repository: " + repo + "\n\n" + task
}

// IssuesRequest asks the crew to summarize the open issues of repo.
func IssuesRequest(repo string) string {
	return fmt.Sprintf("Use list_issues('%s') tool and summarize open issues.\n%s", repo, strings.ToUpper(PlanCompleteMarker))
}
