package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/devcrew/internal/llm"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

// ErrUnknownRole is returned for a node name that is not a specialist.
var ErrUnknownRole = errors.New("unknown role")

// Preserve says which pinned summary a role's output replaces.
type Preserve int

const (
	PreserveNone Preserve = iota
	PreservePlan
	PreserveAdvice
)

// RoleSpec binds a specialist to its model tier, tools and template.
type RoleSpec struct {
	// Node is the graph node and last_agent value, e.g. "pr_creator".
	Node string
	// Name is shown in the trace, e.g. "PR_Creator".
	Name string
	// Template is the prompt template name.
	Template string
	Tier     llm.Tier
	Tools    []string
	// IncludeLongTerm adds long-term memory to the pinned snapshot.
	IncludeLongTerm bool
	Preserve        Preserve
	// Preview adds an output preview to the trace.
	Preview bool
}

// DefaultRoles returns the five specialists.
func DefaultRoles() []RoleSpec {
	return []RoleSpec{
		{
			Node: NodePlanner, Name: "Planner", Template: NodePlanner, Tier: llm.TierFast,
			Tools: []string{
				tools.ToolCloneRepo, tools.ToolRepoListDir, tools.ToolRepoRead,
				tools.ToolMemoryReadUserRules, tools.ToolMemoryReadShortTerm, tools.ToolMemoryReadLongTerm,
			},
			IncludeLongTerm: true, Preserve: PreservePlan, Preview: true,
		},
		{
			Node: NodeCoder, Name: "Coder", Template: NodeCoder, Tier: llm.TierPrecise,
			Tools: []string{
				tools.ToolRepoListDir, tools.ToolRepoRead, tools.ToolRepoWrite, tools.ToolRepoRun,
				tools.ToolTempWrite, tools.ToolTempRead,
			},
			Preview: true,
		},
		{
			Node: NodeTester, Name: "Tester", Template: NodeTester, Tier: llm.TierFast,
			Tools:   []string{tools.ToolRepoListDir, tools.ToolRepoRead, tools.ToolRepoRun},
			Preview: true,
		},
		{
			Node: NodePRCreator, Name: "PR_Creator", Template: NodePRCreator, Tier: llm.TierPrecise,
			Tools: []string{tools.ToolCreatePR, tools.ToolRepoListDir, tools.ToolRepoRead},
		},
		{
			Node: NodeReasoner, Name: "Reasoner", Template: NodeReasoner, Tier: llm.TierReasoner,
			Tools: []string{
				tools.ToolRepoListDir, tools.ToolRepoRead,
				tools.ToolMemoryReadUserRules, tools.ToolMemoryAppendUserRule,
				tools.ToolMemoryIngestShort, tools.ToolMemoryIngestLong,
				tools.ToolMemoryReadShortTerm, tools.ToolMemoryReadLongTerm,
			},
			IncludeLongTerm: true, Preserve: PreserveAdvice, Preview: true,
		},
	}
}

// RoleFor returns the default spec of the named specialist node.
func RoleFor(node string) (RoleSpec, error) {
	for _, r := range DefaultRoles() {
		if r.Node == node {
			return r, nil
		}
	}
	return RoleSpec{}, fmt.Errorf("%w: %s", ErrUnknownRole, node)
}

// SpecialistNodes lists the specialist node names in graph order.
func SpecialistNodes() []string {
	roles := DefaultRoles()
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.Node
	}
	return out
}
