package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

const (
	ToolCloneRepo   = "clone_repo"
	ToolRepoListDir = "repo_list_dir"
	ToolRepoRead    = "repo_read_file"
	ToolRepoWrite   = "repo_write_file"
	ToolRepoRun     = "repo_run_command"
)

const defaultCloneBaseURL = "https://github.com"

// CloneFunc clones url into dir.
type CloneFunc func(ctx context.Context, dir string, opts *git.CloneOptions) error

func plainClone(ctx context.Context, dir string, opts *git.CloneOptions) error {
	_, err := git.PlainCloneContext(ctx, dir, false, opts)
	return err
}

// RepoTools operates on the repository staging area.
type RepoTools struct {
	ws           Workspace
	token        config.Secret
	cloneBaseURL string
	clone        CloneFunc
	logger       *zap.Logger
}

// RepoOption configures RepoTools.
type RepoOption func(*RepoTools)

// WithCloneBaseURL overrides the host repositories are cloned from.
func WithCloneBaseURL(u string) RepoOption {
	return func(r *RepoTools) { r.cloneBaseURL = strings.TrimSuffix(u, "/") }
}

// WithCloneFunc replaces the clone implementation.
func WithCloneFunc(fn CloneFunc) RepoOption {
	return func(r *RepoTools) { r.clone = fn }
}

// NewRepoTools returns the staging-area tools. The token is only required
// when clone_repo is called.
func NewRepoTools(ws Workspace, token config.Secret, logger *zap.Logger, opts ...RepoOption) *RepoTools {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RepoTools{
		ws:           ws,
		token:        token,
		cloneBaseURL: defaultCloneBaseURL,
		clone:        plainClone,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tools returns clone, list, read, write and run.
func (r *RepoTools) Tools() []Tool {
	return []Tool{
		NewFunc(ToolCloneRepo,
			"Clone (or completely refresh) the target GitHub repository into the staging area. "+
				"Use when starting a task, when the user names a different repository, or to get a clean copy. "+
				"Do not call repeatedly in the same session unless the repository changes.",
			object(map[string]any{
				"repo_full_name": stringProp("Repository as owner/name"),
			}, "repo_full_name"),
			r.cloneRepo),
		NewFunc(ToolRepoListDir,
			"List all files under a path of the staging area, recursively. Call early to explore the project structure.",
			object(map[string]any{
				"path": stringProp("Directory relative to the repository root (default \".\")"),
			}),
			r.listDir),
		NewFunc(ToolRepoRead,
			"Read the full content of a file from the staging area. Always read a file before changing it.",
			object(map[string]any{
				"path": stringProp("File path relative to the repository root"),
			}, "path"),
			r.readFile),
		NewFunc(ToolRepoWrite,
			"Write or overwrite a file in the staging area, creating parent directories.",
			object(map[string]any{
				"path":    stringProp("File path relative to the repository root"),
				"content": stringProp("Full new file content"),
			}, "path", "content"),
			r.writeFile),
		NewFunc(ToolRepoRun,
			"Run a shell command inside the staging area, for example the test suite. Not for git operations.",
			object(map[string]any{
				"cmd":     stringProp("Shell command"),
				"timeout": intProp("Timeout in seconds"),
			}, "cmd"),
			r.runCommand),
	}
}

func (r *RepoTools) cloneRepo(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		RepoFullName string `json:"repo_full_name"`
	}](raw)
	if err != nil {
		return "", err
	}
	if err := requireArg("repo_full_name", args.RepoFullName); err != nil {
		return "", err
	}
	if !r.token.IsSet() {
		return "Error: GITHUB_TOKEN not found in environment", nil
	}

	if err := os.RemoveAll(r.ws.RepoDir); err != nil {
		return fmt.Sprintf("Error cloning %s: %v", args.RepoFullName, err), nil
	}
	if err := os.MkdirAll(r.ws.RepoDir, 0o755); err != nil {
		return fmt.Sprintf("Error cloning %s: %v", args.RepoFullName, err), nil
	}

	url := fmt.Sprintf("%s/%s.git", r.cloneBaseURL, args.RepoFullName)
	r.logger.Info("cloning repository", zap.String("repo", args.RepoFullName), zap.String("dir", r.ws.RepoDir))
	err = r.clone(ctx, r.ws.RepoDir, &git.CloneOptions{
		URL:  url,
		Auth: &githttp.BasicAuth{Username: "x-access-token", Password: r.token.Value()},
	})
	if err != nil {
		r.logger.Warn("clone failed", zap.String("repo", args.RepoFullName), zap.Error(err))
		return fmt.Sprintf("Error cloning %s: %s", args.RepoFullName, strings.TrimSpace(err.Error())), nil
	}
	return fmt.Sprintf("Successfully cloned %s into current_repo/ staging area", args.RepoFullName), nil
}

func (r *RepoTools) listDir(_ context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		Path string `json:"path"`
	}](raw)
	if err != nil {
		return "", err
	}
	if args.Path == "" {
		args.Path = "."
	}
	full, err := resolve(r.ws.RepoDir, args.Path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		return "Path not found: " + args.Path, nil
	}
	files, err := listFiles(r.ws.RepoDir, full)
	if err != nil {
		return fmt.Sprintf("Error listing %s: %v", args.Path, err), nil
	}
	r.logger.Debug("listed repository", zap.String("path", args.Path), zap.Int("files", len(files)))
	return strings.Join(files, "\n"), nil
}

func (r *RepoTools) readFile(_ context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		Path string `json:"path"`
	}](raw)
	if err != nil {
		return "", err
	}
	if err := requireArg("path", args.Path); err != nil {
		return "", err
	}
	full, err := resolve(r.ws.RepoDir, args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Sprintf("Error reading %s: %v", args.Path, err), nil
	}
	return string(data), nil
}

func (r *RepoTools) writeFile(_ context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}](raw)
	if err != nil {
		return "", err
	}
	if err := requireArg("path", args.Path); err != nil {
		return "", err
	}
	full, err := resolve(r.ws.RepoDir, args.Path)
	if err != nil {
		return "", err
	}
	if err := writeFile(full, args.Content); err != nil {
		return fmt.Sprintf("Error writing %s: %v", args.Path, err), nil
	}
	return fmt.Sprintf("Wrote %s (%d characters)", args.Path, utf8.RuneCountInString(args.Content)), nil
}

func (r *RepoTools) runCommand(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		Cmd     string `json:"cmd"`
		Timeout int    `json:"timeout"`
	}](raw)
	if err != nil {
		return "", err
	}
	if err := requireArg("cmd", args.Cmd); err != nil {
		return "", err
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(args.Cmd)), "git ") {
		return "Error: Git management commands are not allowed via run_command. Use dedicated GitHub tools.", nil
	}

	timeout := r.ws.CommandTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", args.Cmd)
	cmd.Dir = r.ws.RepoDir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("command timed out", zap.String("cmd", args.Cmd), zap.Duration("timeout", timeout))
		return fmt.Sprintf("Command timed out after %ds", int(timeout.Seconds())), nil
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Sprintf("Error running command: %v", err), nil
		}
		exitCode = exitErr.ExitCode()
	}
	r.logger.Debug("command finished", zap.String("cmd", args.Cmd), zap.Int("exit_code", exitCode))
	return fmt.Sprintf("Exit code: %d\nSTDOUT:\n%s\nSTDERR:\n%s", exitCode, stdout.String(), stderr.String()), nil
}
