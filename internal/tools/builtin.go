package tools

import (
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

// Deps are the collaborators the built-in tools need.
type Deps struct {
	Workspace   Workspace
	GitHub      config.GitHubConfig
	Memory      MemoryStore
	RecallLimit int
	Logger      *zap.Logger

	RepoOptions   []RepoOption
	GitHubOptions []GitHubOption
}

// NewBuiltinRegistry registers every built-in tool. Memory tools are
// registered only when deps.Memory is set.
func NewBuiltinRegistry(deps Deps) (*Registry, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()
	groups := [][]Tool{
		NewRepoTools(deps.Workspace, deps.GitHub.Token, logger.Named("repo"), deps.RepoOptions...).Tools(),
		NewTempTools(deps.Workspace.TempDir).Tools(),
		NewGitHubTools(deps.GitHub, deps.Workspace.RepoDir, logger.Named("github"), deps.GitHubOptions...).Tools(),
	}
	if deps.Memory != nil {
		groups = append(groups, NewMemoryTools(deps.Memory, deps.RecallLimit).Tools())
	}
	for _, g := range groups {
		if err := reg.Register(g...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
