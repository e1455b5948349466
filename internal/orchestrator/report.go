package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// RenderReport formats the cumulative counters of a session.
func RenderReport(toolCalls, nodeHits map[string]int) string {
	var b strings.Builder
	b.WriteString("\n**Final Agent Statistics**\n\n")
	b.WriteString("**Tool Calls:**\n")
	writeCounts(&b, toolCalls, "No tools called")
	b.WriteString("\n**Node Hits:**\n")
	writeCounts(&b, nodeHits, "No nodes hit")
	b.WriteString("\n**Session complete.** Memory has been ingested and persisted.\n")
	return b.String()
}

func writeCounts(b *strings.Builder, counts map[string]int, empty string) {
	if len(counts) == 0 {
		b.WriteString(empty + "\n")
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "- %s: %d times\n", name, counts[name])
	}
}

// reportNode is the terminal node. It appends the report as one message.
func reportNode(_ context.Context, st State) (Update, error) {
	return Update{
		Messages: []Message{NewMessage(RoleAI, NodeFinalReport, RenderReport(st.ToolCallCounts, st.NodeHitCounts))},
		Done:     true,
	}, nil
}
