package orchestrator

// Pinned holds the summaries re-sent to every specialist regardless of the
// history window.
type Pinned struct {
	Memory  string
	Request string
	Plan    string
	Advice  string
}

const pinnedName = "context"

// messages renders the non-empty pinned fields in priority order.
func (p Pinned) messages() []Message {
	var out []Message
	add := func(content string) {
		out = append(out, NewMessage(RoleHuman, pinnedName, content))
	}
	if p.Memory != "" {
		add(p.Memory)
	}
	if p.Request != "" {
		add("ORIGINAL HUMAN REQUEST: " + p.Request)
	}
	if p.Plan != "" {
		add("LATEST PLANNER PLAN:\n" + p.Plan)
	}
	if p.Advice != "" {
		add("LATEST REASONER ADVICE:\n" + p.Advice)
	}
	return out
}

// AssembleContext returns the pinned items followed by the last window
// messages of history. A pinned item whose text already appears in the
// window is left out.
func AssembleContext(history []Message, window int, pinned Pinned) []Message {
	recent := lastN(history, window)

	seen := make(map[string]bool, len(recent))
	for _, m := range recent {
		seen[m.Content] = true
	}

	out := make([]Message, 0, len(recent)+4)
	for _, m := range pinned.messages() {
		if seen[m.Content] {
			continue
		}
		seen[m.Content] = true
		out = append(out, m)
	}
	return append(out, recent...)
}
