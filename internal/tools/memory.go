package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	ToolMemoryReadUserRules  = "memory_read_user_rules"
	ToolMemoryAppendUserRule = "memory_append_user_rule"
	ToolMemoryReadShortTerm  = "memory_read_short_term"
	ToolMemoryReadLongTerm   = "memory_read_long_term"
	ToolMemoryIngestShort    = "memory_ingest_short_term"
	ToolMemoryIngestLong     = "memory_ingest_long_term"
)

// MemoryStore is the memory backend the tools read and write.
type MemoryStore interface {
	ShortTerm() (string, error)
	LongTerm() (string, error)
	UserRules() (string, error)
	AppendUserRule(rule string) error
	IngestShortTerm(ctx context.Context, newMemory string) (string, error)
	IngestLongTerm(ctx context.Context, newMemory string) (string, error)
	Recall(ctx context.Context, query string, n int) ([]string, error)
}

// MemoryTools exposes the memory files to the model.
type MemoryTools struct {
	store       MemoryStore
	recallLimit int
}

// NewMemoryTools returns the memory tools. recallLimit bounds similarity
// queries against long-term memory.
func NewMemoryTools(store MemoryStore, recallLimit int) *MemoryTools {
	if recallLimit <= 0 {
		recallLimit = 5
	}
	return &MemoryTools{store: store, recallLimit: recallLimit}
}

// Tools returns the six memory tools.
func (m *MemoryTools) Tools() []Tool {
	return []Tool{
		NewFunc(ToolMemoryReadUserRules,
			"Read the persistent rules the user wants every session to follow.",
			object(nil),
			m.readUserRules),
		NewFunc(ToolMemoryAppendUserRule,
			"Append a persistent user rule.",
			object(map[string]any{"rule": stringProp("The rule, one sentence")}, "rule"),
			m.appendUserRule),
		NewFunc(ToolMemoryReadShortTerm,
			"Read short-term memory: recent context as concise bullets.",
			object(nil),
			m.readShortTerm),
		NewFunc(ToolMemoryReadLongTerm,
			"Read long-term memory: stable key facts and decisions. With a query, only the most relevant entries are returned.",
			object(map[string]any{"query": stringProp("Optional search text")}),
			m.readLongTerm),
		NewFunc(ToolMemoryIngestShort,
			"Merge new recent context into short-term memory. The result is deduplicated and kept to at most 20 short bullets.",
			object(map[string]any{"new_memory": stringProp("Context to remember")}, "new_memory"),
			m.ingestShortTerm),
		NewFunc(ToolMemoryIngestLong,
			"Merge new stable knowledge into long-term memory as summarized key facts.",
			object(map[string]any{"new_memory": stringProp("Facts to remember")}, "new_memory"),
			m.ingestLongTerm),
	}
}

func orEmpty(s, empty string) string {
	if strings.TrimSpace(s) == "" {
		return empty
	}
	return s
}

func (m *MemoryTools) readUserRules(_ context.Context, _ json.RawMessage) (string, error) {
	rules, err := m.store.UserRules()
	if err != nil {
		return "", err
	}
	return orEmpty(rules, "No user rules defined yet."), nil
}

func (m *MemoryTools) appendUserRule(_ context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		Rule string `json:"rule"`
	}](raw)
	if err != nil {
		return "", err
	}
	if err := m.store.AppendUserRule(args.Rule); err != nil {
		return "", err
	}
	return "Added user rule: " + strings.TrimSpace(args.Rule), nil
}

func (m *MemoryTools) readShortTerm(_ context.Context, _ json.RawMessage) (string, error) {
	st, err := m.store.ShortTerm()
	if err != nil {
		return "", err
	}
	return orEmpty(st, "Short-term memory is empty."), nil
}

func (m *MemoryTools) readLongTerm(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		Query string `json:"query"`
	}](raw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Query) == "" {
		lt, err := m.store.LongTerm()
		if err != nil {
			return "", err
		}
		return orEmpty(lt, "Long-term memory is empty."), nil
	}
	entries, err := m.store.Recall(ctx, args.Query, m.recallLimit)
	if err != nil {
		return "", err
	}
	return orEmpty(strings.Join(entries, "\n---\n"), "Long-term memory is empty."), nil
}

func (m *MemoryTools) ingestShortTerm(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		NewMemory string `json:"new_memory"`
	}](raw)
	if err != nil {
		return "", err
	}
	updated, err := m.store.IngestShortTerm(ctx, args.NewMemory)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Ingested short-term memory. New length: %d chars.", utf8.RuneCountInString(updated)), nil
}

func (m *MemoryTools) ingestLongTerm(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		NewMemory string `json:"new_memory"`
	}](raw)
	if err != nil {
		return "", err
	}
	updated, err := m.store.IngestLongTerm(ctx, args.NewMemory)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Ingested long-term memory. New length: %d chars.", utf8.RuneCountInString(updated)), nil
}
