package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/llm"
)

const (
	ShortTermFile = "short_term_memory.txt"
	LongTermFile  = "long_term_memory.txt"
	UserRulesFile = "user_rules.txt"
)

const shortTermPrompt = `Current short-term memory (recent context as bullets):
%s

New memory to ingest:
%s

Instructions: 
- Deduplicate and clean the combined memory.
- Keep ONLY recent, relevant context as concise bullet points (max 20 bullets, short).
- Focus on actionable recent events, decisions, context for immediate tasks.
- Output ONLY the updated bullet list, nothing else.`

const longTermPrompt = `Current long-term memory (key facts/summaries):
%s

New memory to ingest:
%s

Instructions:
- Merge, deduplicate, and summarize into persistent key facts and summaries.
- Focus on stable knowledge, patterns, important decisions (not transient details).
- Use concise paragraphs or structured bullets.
- Output ONLY the updated long-term memory, nothing else.`

// ErrEmptyMemory is returned when an ingest or rule carries no text.
var ErrEmptyMemory = errors.New("memory text is empty")

// Completer is the model call used to merge memory.
type Completer interface {
	Complete(ctx context.Context, tier llm.Tier, prompt string) (string, error)
}

// Store reads and rewrites the memory files.
type Store struct {
	dir    string
	model  Completer
	index  *Index
	logger *zap.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithIndex attaches a long-term recall index. Every long-term ingest is
// added to it.
func WithIndex(idx *Index) Option {
	return func(s *Store) { s.index = idx }
}

// NewStore opens the memory directory, creating it if needed.
func NewStore(dir string, model Completer, logger *zap.Logger, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("memory directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory directory %s: %w", dir, err)
	}
	s := &Store{dir: dir, model: model, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the memory directory.
func (s *Store) Dir() string { return s.dir }

// HasIndex reports whether a recall index is attached.
func (s *Store) HasIndex() bool { return s.index != nil }

// ShortTerm returns the short-term memory. A missing file reads as empty.
func (s *Store) ShortTerm() (string, error) { return s.read(ShortTermFile) }

// LongTerm returns the long-term memory. A missing file reads as empty.
func (s *Store) LongTerm() (string, error) { return s.read(LongTermFile) }

// UserRules returns the user rules. A missing file reads as empty.
func (s *Store) UserRules() (string, error) { return s.read(UserRulesFile) }

// AppendUserRule adds one rule as a bullet line.
func (s *Store) AppendUserRule(rule string) error {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return ErrEmptyMemory
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, UserRulesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening user rules: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "- %s\n", rule); err != nil {
		return fmt.Errorf("appending user rule: %w", err)
	}
	return nil
}

// IngestShortTerm merges newMemory into short-term memory via the model and
// returns the rewritten text.
func (s *Store) IngestShortTerm(ctx context.Context, newMemory string) (string, error) {
	return s.ingest(ctx, ShortTermFile, shortTermPrompt, newMemory)
}

// IngestLongTerm merges newMemory into long-term memory via the model and
// returns the rewritten text. The new memory is also added to the recall
// index when one is attached; indexing failures are logged, not returned.
func (s *Store) IngestLongTerm(ctx context.Context, newMemory string) (string, error) {
	updated, err := s.ingest(ctx, LongTermFile, longTermPrompt, newMemory)
	if err != nil {
		return "", err
	}
	if s.index != nil {
		if err := s.index.Add(ctx, newMemory); err != nil {
			s.logger.Warn("indexing long-term memory failed", zap.Error(err))
		}
	}
	return updated, nil
}

// Recall returns up to n long-term entries similar to query. Without an
// index the whole long-term memory is returned as a single entry.
func (s *Store) Recall(ctx context.Context, query string, n int) ([]string, error) {
	if s.index == nil || strings.TrimSpace(query) == "" {
		lt, err := s.LongTerm()
		if err != nil || lt == "" {
			return nil, err
		}
		return []string{lt}, nil
	}
	return s.index.Query(ctx, query, n)
}

// Snapshot renders memory for injection into a specialist's context.
// Long-term memory is included only when includeLongTerm is set. Returns ""
// when there is nothing to show.
func (s *Store) Snapshot(includeLongTerm bool) (string, error) {
	st, err := s.ShortTerm()
	if err != nil {
		return "", err
	}
	var lt string
	if includeLongTerm {
		if lt, err = s.LongTerm(); err != nil {
			return "", err
		}
	}
	return RenderSnapshot(st, lt), nil
}

// RenderSnapshot formats short and long-term memory as one pinned message.
func RenderSnapshot(shortTerm, longTerm string) string {
	shortTerm = strings.TrimSpace(shortTerm)
	longTerm = strings.TrimSpace(longTerm)
	if shortTerm == "" && longTerm == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("MEMORY SNAPSHOT:")
	if shortTerm != "" {
		b.WriteString("\nShort-term memory:\n")
		b.WriteString(shortTerm)
	}
	if longTerm != "" {
		if shortTerm != "" {
			b.WriteString("\n")
		}
		b.WriteString("\nLong-term memory:\n")
		b.WriteString(longTerm)
	}
	return b.String()
}

func (s *Store) ingest(ctx context.Context, name, tmpl, newMemory string) (string, error) {
	if strings.TrimSpace(newMemory) == "" {
		return "", ErrEmptyMemory
	}
	if s.model == nil {
		return "", errors.New("memory store has no model for ingest")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.readLocked(name)
	if err != nil {
		return "", err
	}
	resp, err := s.model.Complete(ctx, llm.TierMemory, fmt.Sprintf(tmpl, old, newMemory))
	if err != nil {
		return "", fmt.Errorf("summarizing %s: %w", name, err)
	}
	updated := strings.TrimSpace(resp)
	if err := writeAtomic(filepath.Join(s.dir, name), updated); err != nil {
		return "", err
	}

	s.logger.Debug("memory ingested",
		zap.String("file", name),
		zap.Int("old_chars", len(old)),
		zap.Int("new_chars", len(updated)),
	)
	return updated, nil
}

func (s *Store) read(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(name)
}

func (s *Store) readLocked(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return string(data), nil
}

func writeAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
