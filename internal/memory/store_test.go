package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/llm"
)

type fakeCompleter struct {
	reply   string
	err     error
	prompts []string
	tiers   []llm.Tier
}

func (f *fakeCompleter) Complete(_ context.Context, tier llm.Tier, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.tiers = append(f.tiers, tier)
	return f.reply, f.err
}

func newTestStore(t *testing.T, model Completer, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), model, zap.NewNop(), opts...)
	require.NoError(t, err)
	return s
}

func TestStore_MissingFilesReadEmpty(t *testing.T) {
	s := newTestStore(t, nil)

	for _, read := range []func() (string, error){s.ShortTerm, s.LongTerm, s.UserRules} {
		got, err := read()
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestStore_IngestShortTerm(t *testing.T) {
	model := &fakeCompleter{reply: "  - cloned octo/app\n- tests failing in pkg/x  \n"}
	s := newTestStore(t, model)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ShortTermFile), []byte("- cloned octo/app"), 0o644))

	got, err := s.IngestShortTerm(context.Background(), "tests failing in pkg/x")
	require.NoError(t, err)
	assert.Equal(t, "- cloned octo/app\n- tests failing in pkg/x", got)

	require.Len(t, model.prompts, 1)
	assert.Equal(t, llm.TierMemory, model.tiers[0])
	assert.True(t, strings.HasPrefix(model.prompts[0], "Current short-term memory (recent context as bullets):\n- cloned octo/app\n\nNew memory to ingest:\ntests failing in pkg/x"))
	assert.Contains(t, model.prompts[0], "max 20 bullets")

	stored, err := s.ShortTerm()
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestStore_IngestLongTermUsesLongTermPrompt(t *testing.T) {
	model := &fakeCompleter{reply: "Project uses Go 1.24."}
	s := newTestStore(t, model)

	got, err := s.IngestLongTerm(context.Background(), "go version is 1.24")
	require.NoError(t, err)
	assert.Equal(t, "Project uses Go 1.24.", got)
	assert.Contains(t, model.prompts[0], "Current long-term memory (key facts/summaries):")
	assert.Contains(t, model.prompts[0], "Output ONLY the updated long-term memory, nothing else.")

	stored, err := s.LongTerm()
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestStore_IngestErrors(t *testing.T) {
	t.Run("empty memory", func(t *testing.T) {
		s := newTestStore(t, &fakeCompleter{})
		_, err := s.IngestShortTerm(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyMemory)
	})

	t.Run("model failure keeps old file", func(t *testing.T) {
		boom := errors.New("boom")
		s := newTestStore(t, &fakeCompleter{err: boom})
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), LongTermFile), []byte("old"), 0o644))

		_, err := s.IngestLongTerm(context.Background(), "new")
		assert.ErrorIs(t, err, boom)

		stored, err := s.LongTerm()
		require.NoError(t, err)
		assert.Equal(t, "old", stored)
	})

	t.Run("no model", func(t *testing.T) {
		s := newTestStore(t, nil)
		_, err := s.IngestShortTerm(context.Background(), "x")
		assert.Error(t, err)
	})
}

func TestStore_AppendUserRule(t *testing.T) {
	s := newTestStore(t, nil)

	require.NoError(t, s.AppendUserRule("always run go vet"))
	require.NoError(t, s.AppendUserRule("  never push to main "))
	assert.ErrorIs(t, s.AppendUserRule(""), ErrEmptyMemory)

	rules, err := s.UserRules()
	require.NoError(t, err)
	assert.Equal(t, "- always run go vet\n- never push to main\n", rules)
}

func TestStore_Snapshot(t *testing.T) {
	s := newTestStore(t, nil)

	got, err := s.Snapshot(true)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ShortTermFile), []byte("- st"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), LongTermFile), []byte("lt facts"), 0o644))

	got, err = s.Snapshot(false)
	require.NoError(t, err)
	assert.Equal(t, "MEMORY SNAPSHOT:\nShort-term memory:\n- st", got)

	got, err = s.Snapshot(true)
	require.NoError(t, err)
	assert.Equal(t, "MEMORY SNAPSHOT:\nShort-term memory:\n- st\n\nLong-term memory:\nlt facts", got)
}

func TestRenderSnapshot_LongTermOnly(t *testing.T) {
	assert.Equal(t, "MEMORY SNAPSHOT:\nLong-term memory:\nfacts", RenderSnapshot("", "facts"))
}

func TestStore_RecallWithoutIndex(t *testing.T) {
	s := newTestStore(t, nil)

	got, err := s.Recall(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), LongTermFile), []byte("all facts"), 0o644))
	got, err = s.Recall(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"all facts"}, got)
}
