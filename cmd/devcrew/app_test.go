package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the config loader at an empty home and the workspace at
// temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XAI_API_KEY", "test-key")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("DEVCREW_MEMORY_DIR", filepath.Join(dir, "memory"))
	t.Setenv("DEVCREW_WORKSPACE_REPO_DIR", filepath.Join(dir, "repo"))
	t.Setenv("DEVCREW_WORKSPACE_TEMP_DIR", filepath.Join(dir, "temp"))
	t.Setenv("DEVCREW_SECRETS_ENABLED", "false")
	prev := cfgFile
	cfgFile = ""
	t.Cleanup(func() { cfgFile = prev })
	return dir
}

func TestNewApp_WithoutEngine(t *testing.T) {
	isolate(t)

	a, err := newApp(context.Background(), appOptions{logWriter: io.Discard, withoutEngine: true})
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.checkpoints)
	assert.Nil(t, a.engine)
	assert.Nil(t, a.publisher)
}

func TestNewApp_WiresEngine(t *testing.T) {
	isolate(t)

	a, err := newApp(context.Background(), appOptions{logWriter: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.engine)
	require.NotNil(t, a.registry)
	for _, name := range []string{"clone_repo", "repo_run_command", "create_pull_request", "memory_read_short_term", "list_issues"} {
		_, ok := a.registry.Get(name)
		assert.True(t, ok, name)
	}
	assert.Equal(t, 3, a.cfg.Orchestrator.LoopThreshold)
}

func TestNewApp_SQLiteCheckpoints(t *testing.T) {
	dir := isolate(t)
	t.Setenv("DEVCREW_CHECKPOINT_BACKEND", "sqlite")
	t.Setenv("DEVCREW_CHECKPOINT_PATH", filepath.Join(dir, "devcrew.db"))

	a, err := newApp(context.Background(), appOptions{logWriter: io.Discard, withoutEngine: true})
	require.NoError(t, err)
	defer a.Close()

	infos, err := a.checkpoints.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestNewApp_InvalidConfig(t *testing.T) {
	isolate(t)
	t.Setenv("DEVCREW_ORCHESTRATOR_LOOP_THRESHOLD", "0")

	_, err := newApp(context.Background(), appOptions{logWriter: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop_threshold")
}
