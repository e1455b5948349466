package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

const (
	ToolCreatePR    = "create_pull_request"
	ToolListIssues  = "list_issues"
	ToolReadIssue   = "read_issue"
	ToolPostComment = "post_comment"
)

// RetryConfig configures retries of GitHub API calls.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns three retries starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// GitHubTools talks to the GitHub API on behalf of the PR creator and the
// front-end surfaces.
type GitHubTools struct {
	token      config.Secret
	baseBranch string
	repoDir    string
	baseURL    string
	retry      RetryConfig
	logger     *zap.Logger
}

// GitHubOption configures GitHubTools.
type GitHubOption func(*GitHubTools)

// WithGitHubBaseURL points the client at another API root.
func WithGitHubBaseURL(u string) GitHubOption {
	return func(g *GitHubTools) { g.baseURL = u }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(rc RetryConfig) GitHubOption {
	return func(g *GitHubTools) { g.retry = rc }
}

// NewGitHubTools returns the GitHub tools. repoDir is the staging clone used
// to collect changed files when a pull request names none.
func NewGitHubTools(cfg config.GitHubConfig, repoDir string, logger *zap.Logger, opts ...GitHubOption) *GitHubTools {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	g := &GitHubTools{
		token:      cfg.Token,
		baseBranch: base,
		repoDir:    repoDir,
		retry:      DefaultRetryConfig(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Tools returns create_pull_request, list_issues, read_issue and post_comment.
func (g *GitHubTools) Tools() []Tool {
	return []Tool{
		NewFunc(ToolCreatePR,
			"Create a branch from the base branch, commit the given files to it and open a pull request. "+
				"files_to_change maps repository paths to full new content; when empty, the files changed in the staging clone are used.",
			object(map[string]any{
				"repo_full_name": stringProp("Repository as owner/name"),
				"title":          stringProp("Pull request title"),
				"body":           stringProp("Pull request description"),
				"branch_name":    stringProp("New branch to create"),
				"files_to_change": map[string]any{
					"type":                 "object",
					"description":          "Map of file path to full new content",
					"additionalProperties": map[string]any{"type": "string"},
				},
			}, "repo_full_name", "title", "body", "branch_name"),
			g.createPullRequest),
		NewFunc(ToolListIssues,
			"List issues of a repository.",
			object(map[string]any{
				"repo_full_name": stringProp("Repository as owner/name"),
				"state":          stringProp("open, closed or all (default open)"),
			}, "repo_full_name"),
			g.listIssues),
		NewFunc(ToolReadIssue,
			"Read an issue with its comments.",
			object(map[string]any{
				"repo_full_name": stringProp("Repository as owner/name"),
				"number":         intProp("Issue number"),
			}, "repo_full_name", "number"),
			g.readIssue),
		NewFunc(ToolPostComment,
			"Post a comment on an issue or pull request.",
			object(map[string]any{
				"repo_full_name": stringProp("Repository as owner/name"),
				"number":         intProp("Issue or pull request number"),
				"body":           stringProp("Comment text"),
			}, "repo_full_name", "number", "body"),
			g.postComment),
	}
}

func (g *GitHubTools) client(ctx context.Context) (*github.Client, error) {
	if !g.token.IsSet() {
		return nil, errors.New("GITHUB_TOKEN not found in environment")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: g.token.Value()})
	c := github.NewClient(oauth2.NewClient(ctx, ts))
	if g.baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(g.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing GitHub base URL: %w", err)
		}
		c.BaseURL = u
	}
	return c, nil
}

func splitRepo(full string) (string, string, error) {
	owner, name, ok := strings.Cut(full, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: repo_full_name must be owner/name, got %q", ErrInvalidArgs, full)
	}
	return owner, name, nil
}

type createPRArgs struct {
	RepoFullName  string            `json:"repo_full_name"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	BranchName    string            `json:"branch_name"`
	FilesToChange map[string]string `json:"files_to_change"`
}

func (g *GitHubTools) createPullRequest(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[createPRArgs](raw)
	if err != nil {
		return "", err
	}
	for name, v := range map[string]string{"repo_full_name": args.RepoFullName, "title": args.Title, "branch_name": args.BranchName} {
		if err := requireArg(name, v); err != nil {
			return "", err
		}
	}
	owner, repo, err := splitRepo(args.RepoFullName)
	if err != nil {
		return "", err
	}

	prURL, err := g.openPullRequest(ctx, owner, repo, args)
	if err != nil {
		g.logger.Warn("creating pull request failed", zap.String("repo", args.RepoFullName), zap.Error(err))
		return fmt.Sprintf("Error creating PR: %v", err), nil
	}
	g.logger.Info("pull request created", zap.String("repo", args.RepoFullName), zap.String("url", prURL))
	return "PR created successfully: " + prURL, nil
}

func (g *GitHubTools) openPullRequest(ctx context.Context, owner, repo string, args createPRArgs) (string, error) {
	files := args.FilesToChange
	if len(files) == 0 {
		collected, err := changedFiles(g.repoDir)
		if err != nil {
			return "", fmt.Errorf("collecting changed files: %w", err)
		}
		if len(collected) == 0 {
			return "", errors.New("no files to change")
		}
		files = collected
	}

	c, err := g.client(ctx)
	if err != nil {
		return "", err
	}

	var base *github.Reference
	if _, err := g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		base, resp, err = c.Git.GetRef(ctx, owner, repo, "refs/heads/"+g.baseBranch)
		return resp, err
	}); err != nil {
		return "", fmt.Errorf("reading base branch %s: %w", g.baseBranch, err)
	}

	if _, err := g.do(ctx, func() (*github.Response, error) {
		_, resp, err := c.Git.CreateRef(ctx, owner, repo, &github.Reference{
			Ref:    github.String("refs/heads/" + args.BranchName),
			Object: &github.GitObject{SHA: base.Object.SHA},
		})
		return resp, err
	}); err != nil {
		return "", fmt.Errorf("creating branch %s: %w", args.BranchName, err)
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := g.putFile(ctx, c, owner, repo, args.BranchName, p, files[p]); err != nil {
			return "", err
		}
	}

	var pr *github.PullRequest
	if _, err := g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: github.String(args.Title),
			Head:  github.String(args.BranchName),
			Base:  github.String(g.baseBranch),
			Body:  github.String(args.Body),
		})
		return resp, err
	}); err != nil {
		return "", fmt.Errorf("opening pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

// putFile updates path on branch when it exists there, otherwise creates it.
func (g *GitHubTools) putFile(ctx context.Context, c *github.Client, owner, repo, branch, path, content string) error {
	existing, _, resp, err := c.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: branch})
	opts := &github.RepositoryContentFileOptions{
		Content: []byte(content),
		Branch:  github.String(branch),
	}
	switch {
	case err == nil && existing != nil:
		opts.Message = github.String("Update " + path)
		opts.SHA = existing.SHA
		_, err = g.do(ctx, func() (*github.Response, error) {
			_, resp, err := c.Repositories.UpdateFile(ctx, owner, repo, path, opts)
			return resp, err
		})
	case err != nil && statusCode(resp) != http.StatusNotFound:
		return fmt.Errorf("reading %s: %w", path, err)
	default:
		opts.Message = github.String("Add " + path)
		_, err = g.do(ctx, func() (*github.Response, error) {
			_, resp, err := c.Repositories.CreateFile(ctx, owner, repo, path, opts)
			return resp, err
		})
	}
	if err != nil {
		return fmt.Errorf("committing %s: %w", path, err)
	}
	return nil
}

// changedFiles reads every modified, added or untracked file from the
// staging clone's worktree. Deleted files are skipped.
func changedFiles(repoDir string) (map[string]string, error) {
	r, err := git.PlainOpen(repoDir)
	if err != nil {
		return nil, err
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}
	files := make(map[string]string)
	for path, s := range status {
		if s.Worktree == git.Deleted || s.Staging == git.Deleted {
			continue
		}
		if s.Worktree == git.Unmodified && s.Staging == git.Unmodified {
			continue
		}
		data, err := os.ReadFile(filepath.Join(repoDir, filepath.FromSlash(path)))
		if err != nil {
			return nil, err
		}
		files[path] = string(data)
	}
	return files, nil
}

func (g *GitHubTools) listIssues(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		RepoFullName string `json:"repo_full_name"`
		State        string `json:"state"`
	}](raw)
	if err != nil {
		return "", err
	}
	owner, repo, err := splitRepo(args.RepoFullName)
	if err != nil {
		return "", err
	}
	if args.State == "" {
		args.State = "open"
	}
	c, err := g.client(ctx)
	if err != nil {
		return "Error listing issues: " + err.Error(), nil
	}

	var issues []*github.Issue
	if _, err := g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issues, resp, err = c.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
			State:       args.State,
			ListOptions: github.ListOptions{PerPage: 50},
		})
		return resp, err
	}); err != nil {
		return "Error listing issues: " + err.Error(), nil
	}
	if len(issues) == 0 {
		return "No issues found.", nil
	}
	var b strings.Builder
	for i, is := range issues {
		if i > 0 {
			b.WriteString("\n")
		}
		kind := ""
		if is.IsPullRequest() {
			kind = " [PR]"
		}
		fmt.Fprintf(&b, "#%d %s (%s)%s", is.GetNumber(), is.GetTitle(), is.GetState(), kind)
	}
	return b.String(), nil
}

func (g *GitHubTools) readIssue(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		RepoFullName string `json:"repo_full_name"`
		Number       int    `json:"number"`
	}](raw)
	if err != nil {
		return "", err
	}
	owner, repo, err := splitRepo(args.RepoFullName)
	if err != nil {
		return "", err
	}
	if args.Number <= 0 {
		return "", fmt.Errorf("%w: number must be positive", ErrInvalidArgs)
	}
	c, err := g.client(ctx)
	if err != nil {
		return "Error reading issue: " + err.Error(), nil
	}

	var issue *github.Issue
	if _, err := g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = c.Issues.Get(ctx, owner, repo, args.Number)
		return resp, err
	}); err != nil {
		return fmt.Sprintf("Error reading issue #%d: %v", args.Number, err), nil
	}
	var comments []*github.IssueComment
	if _, err := g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		comments, resp, err = c.Issues.ListComments(ctx, owner, repo, args.Number, nil)
		return resp, err
	}); err != nil {
		return fmt.Sprintf("Error reading issue #%d: %v", args.Number, err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#%d: %s\nState: %s\nAuthor: %s\n\n%s",
		issue.GetNumber(), issue.GetTitle(), issue.GetState(), issue.GetUser().GetLogin(), issue.GetBody())
	if len(comments) > 0 {
		b.WriteString("\n\nComments:")
		for _, cm := range comments {
			fmt.Fprintf(&b, "\n- %s: %s", cm.GetUser().GetLogin(), cm.GetBody())
		}
	}
	return b.String(), nil
}

func (g *GitHubTools) postComment(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		RepoFullName string `json:"repo_full_name"`
		Number       int    `json:"number"`
		Body         string `json:"body"`
	}](raw)
	if err != nil {
		return "", err
	}
	owner, repo, err := splitRepo(args.RepoFullName)
	if err != nil {
		return "", err
	}
	if err := requireArg("body", args.Body); err != nil {
		return "", err
	}
	c, err := g.client(ctx)
	if err != nil {
		return "Error posting comment: " + err.Error(), nil
	}

	var cm *github.IssueComment
	if _, err := g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		cm, resp, err = c.Issues.CreateComment(ctx, owner, repo, args.Number, &github.IssueComment{Body: github.String(args.Body)})
		return resp, err
	}); err != nil {
		return "Error posting comment: " + err.Error(), nil
	}
	return "Comment posted: " + cm.GetHTMLURL(), nil
}
