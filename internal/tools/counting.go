package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/secrets"
)

// Tally counts tool calls by name. It is safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{counts: make(map[string]int)}
}

// Inc records one call to name.
func (t *Tally) Inc(name string) {
	t.mu.Lock()
	t.counts[name]++
	t.mu.Unlock()
}

// Counts returns a copy of the counts.
func (t *Tally) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Total returns the number of calls recorded.
func (t *Tally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.counts {
		n += v
	}
	return n
}

// String renders the counts sorted by name.
func (t *Tally) String() string {
	counts := t.Counts()
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	s := ""
	for i, n := range names {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%d", n, counts[n])
	}
	return s
}

// unscrubbed names the staging reads whose output is file content the agent
// may edit and write back. Redacting it would write the placeholder into the
// file, so these pass through verbatim.
var unscrubbed = map[string]bool{
	ToolRepoRead: true,
	ToolTempRead: true,
}

type counted struct {
	Tool
	tally    *Tally
	scrubber secrets.Scrubber
	logger   *zap.Logger
}

// Counted wraps every tool in s. Each call is tallied before it runs, a
// returned error becomes "Error: <err>" text with a nil error, and the
// output is passed through scrubber when one is given. Staging file reads
// are never scrubbed.
func Counted(s *Set, tally *Tally, scrubber secrets.Scrubber, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return s.Map(func(t Tool) Tool {
		return &counted{Tool: t, tally: tally, scrubber: scrubber, logger: logger}
	})
}

func (c *counted) Call(ctx context.Context, args json.RawMessage) (string, error) {
	c.tally.Inc(c.Name())

	out, err := c.Tool.Call(ctx, args)
	if err != nil {
		c.logger.Debug("tool call failed", zap.String("tool", c.Name()), zap.Error(err))
		out = "Error: " + err.Error()
	}
	if c.scrubber != nil && !unscrubbed[c.Name()] {
		res := c.scrubber.Scrub(out)
		if res.HasFindings() {
			rules := make([]string, len(res.Findings))
			for i, f := range res.Findings {
				rules[i] = f.RuleID
			}
			c.logger.Warn("secrets redacted from tool output",
				zap.String("tool", c.Name()),
				zap.Strings("rules", rules),
			)
		}
		out = res.Scrubbed
	}
	return out, nil
}
