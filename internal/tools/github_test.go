package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitobject "github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

type putRecord struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Branch  string `json:"branch"`
}

type fakeGitHub struct {
	mu       sync.Mutex
	puts     map[string]putRecord
	newRef   map[string]any
	pr       map[string]any
	failures int
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	f := &fakeGitHub{puts: map[string]putRecord{}}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /repos/octo/app/git/ref/heads/main", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": "base-sha"}})
	})
	mux.HandleFunc("POST /repos/octo/app/git/refs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.newRef))
		writeJSON(w, http.StatusCreated, f.newRef)
	})
	mux.HandleFunc("GET /repos/octo/app/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("path") == "README.md" {
			writeJSON(w, http.StatusOK, map[string]any{"type": "file", "path": "README.md", "sha": "readme-sha"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
	})
	mux.HandleFunc("PUT /repos/octo/app/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var rec putRecord
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		f.mu.Lock()
		f.puts[r.PathValue("path")] = rec
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"content": map[string]any{}, "commit": map[string]any{}})
	})
	mux.HandleFunc("POST /repos/octo/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.pr))
		writeJSON(w, http.StatusCreated, map[string]any{"number": 7, "html_url": "https://github.com/octo/app/pull/7"})
	})
	mux.HandleFunc("GET /repos/octo/app/issues", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures > 0 {
			f.failures--
			writeJSON(w, http.StatusBadGateway, map[string]any{"message": "bad gateway"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"number": 1, "title": "Crash on start", "state": "open"},
			{"number": 2, "title": "Fix crash", "state": "open", "pull_request": map[string]any{"url": "x"}},
		})
	})
	mux.HandleFunc("GET /repos/octo/app/issues/1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"number": 1, "title": "Crash on start", "state": "open",
			"body": "It crashes.", "user": map[string]any{"login": "alice"},
		})
	})
	mux.HandleFunc("GET /repos/octo/app/issues/1/comments", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"body": "Same here", "user": map[string]any{"login": "bob"}}})
	})
	mux.HandleFunc("POST /repos/octo/app/issues/1/comments", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"html_url": "https://github.com/octo/app/issues/1#issuecomment-9"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeGitHub) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *fakeGitHub) state() (map[string]putRecord, map[string]any, map[string]any, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	puts := make(map[string]putRecord, len(f.puts))
	for k, v := range f.puts {
		puts[k] = v
	}
	return puts, f.newRef, f.pr, f.failures
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newGitHubTools(srv *httptest.Server, token, repoDir string) *GitHubTools {
	return NewGitHubTools(config.GitHubConfig{Token: config.Secret(token), BaseBranch: "main"}, repoDir, zap.NewNop(),
		WithGitHubBaseURL(srv.URL),
		WithRetryConfig(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}),
	)
}

func decodeContent(t *testing.T, s string) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return string(b)
}

func TestCreatePullRequest(t *testing.T) {
	f, srv := newFakeGitHub(t)
	g := newGitHubTools(srv, "ghp_token", t.TempDir())

	out := call(t, g.createPullRequest, `{
		"repo_full_name": "octo/app",
		"title": "Fix crash",
		"body": "Closes #1",
		"branch_name": "fix-crash",
		"files_to_change": {"README.md": "new readme", "cmd/new.go": "package main"}
	}`)
	assert.Equal(t, "PR created successfully: https://github.com/octo/app/pull/7", out)

	puts, newRef, pr, _ := f.state()
	assert.Equal(t, "refs/heads/fix-crash", newRef["ref"])
	assert.Equal(t, "base-sha", newRef["sha"])

	readme := puts["README.md"]
	assert.Equal(t, "Update README.md", readme.Message)
	assert.Equal(t, "readme-sha", readme.SHA)
	assert.Equal(t, "fix-crash", readme.Branch)
	assert.Equal(t, "new readme", decodeContent(t, readme.Content))

	added := puts["cmd/new.go"]
	assert.Equal(t, "Add cmd/new.go", added.Message)
	assert.Empty(t, added.SHA)
	assert.Equal(t, "package main", decodeContent(t, added.Content))

	assert.Equal(t, "fix-crash", pr["head"])
	assert.Equal(t, "main", pr["base"])
	assert.Equal(t, "Fix crash", pr["title"])
	assert.Equal(t, "Closes #1", pr["body"])
}

func TestCreatePullRequest_CollectsWorktreeChanges(t *testing.T) {
	f, srv := newFakeGitHub(t)
	repoDir := t.TempDir()

	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "keep.txt"), []byte("same"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Add("keep.txt")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &gitobject.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("v2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "added.go"), []byte("package x"), 0o644))

	g := newGitHubTools(srv, "ghp_token", repoDir)
	out := call(t, g.createPullRequest, `{"repo_full_name":"octo/app","title":"t","body":"b","branch_name":"feat"}`)
	assert.Equal(t, "PR created successfully: https://github.com/octo/app/pull/7", out)

	puts, _, _, _ := f.state()
	require.Len(t, puts, 2)
	assert.Equal(t, "v2", decodeContent(t, puts["README.md"].Content))
	assert.Equal(t, "package x", decodeContent(t, puts["added.go"].Content))
}

func TestCreatePullRequest_Errors(t *testing.T) {
	_, srv := newFakeGitHub(t)

	t.Run("missing token", func(t *testing.T) {
		g := newGitHubTools(srv, "", t.TempDir())
		out := call(t, g.createPullRequest, `{"repo_full_name":"octo/app","title":"t","body":"b","branch_name":"x","files_to_change":{"a":"b"}}`)
		assert.Equal(t, "Error creating PR: GITHUB_TOKEN not found in environment", out)
	})

	t.Run("unknown repository", func(t *testing.T) {
		g := newGitHubTools(srv, "ghp_token", t.TempDir())
		out := call(t, g.createPullRequest, `{"repo_full_name":"octo/other","title":"t","body":"b","branch_name":"x","files_to_change":{"a":"b"}}`)
		assert.Contains(t, out, "Error creating PR: reading base branch main:")
	})

	t.Run("bad repository name", func(t *testing.T) {
		g := newGitHubTools(srv, "ghp_token", t.TempDir())
		_, err := g.createPullRequest(context.Background(), json.RawMessage(`{"repo_full_name":"app","title":"t","branch_name":"x"}`))
		assert.ErrorIs(t, err, ErrInvalidArgs)
	})
}

func TestIssueTools(t *testing.T) {
	f, srv := newFakeGitHub(t)
	g := newGitHubTools(srv, "ghp_token", t.TempDir())

	t.Run("list retries transient failures", func(t *testing.T) {
		f.setFailures(2)
		out := call(t, g.listIssues, `{"repo_full_name":"octo/app"}`)
		assert.Equal(t, "#1 Crash on start (open)\n#2 Fix crash (open) [PR]", out)
		_, _, _, left := f.state()
		assert.Zero(t, left)
	})

	t.Run("read with comments", func(t *testing.T) {
		out := call(t, g.readIssue, `{"repo_full_name":"octo/app","number":1}`)
		assert.Equal(t, "#1: Crash on start\nState: open\nAuthor: alice\n\nIt crashes.\n\nComments:\n- bob: Same here", out)
	})

	t.Run("post comment", func(t *testing.T) {
		out := call(t, g.postComment, `{"repo_full_name":"octo/app","number":1,"body":"On it"}`)
		assert.Equal(t, "Comment posted: https://github.com/octo/app/issues/1#issuecomment-9", out)
	})
}

func TestRetryable(t *testing.T) {
	resp := func(code int) *github.Response {
		return &github.Response{Response: &http.Response{StatusCode: code}}
	}
	assert.True(t, retryable(assert.AnError, nil))
	assert.True(t, retryable(assert.AnError, resp(http.StatusTooManyRequests)))
	assert.True(t, retryable(assert.AnError, resp(http.StatusServiceUnavailable)))
	assert.False(t, retryable(assert.AnError, resp(http.StatusNotFound)))
	assert.False(t, retryable(assert.AnError, resp(http.StatusForbidden)))
	assert.False(t, retryable(nil, resp(http.StatusBadGateway)))

	secondary := resp(http.StatusForbidden)
	secondary.Rate = github.Rate{Limit: 5000, Remaining: 0}
	assert.True(t, retryable(assert.AnError, secondary))
	assert.True(t, limited(secondary))
}

func TestRateLimitWait(t *testing.T) {
	assert.Equal(t, time.Minute, rateLimitWait(nil, time.Minute))

	soon := &github.Response{Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(-time.Hour)}}}
	assert.Equal(t, time.Second, rateLimitWait(soon, time.Minute))

	late := &github.Response{Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(time.Hour)}}}
	assert.Equal(t, time.Minute, rateLimitWait(late, time.Minute))
}

func TestDo_StopsOnPermanentFailure(t *testing.T) {
	g := NewGitHubTools(config.GitHubConfig{Token: "ghp_token"}, t.TempDir(), zap.NewNop(),
		WithRetryConfig(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}))

	calls := 0
	_, err := g.do(context.Background(), func() (*github.Response, error) {
		calls++
		return &github.Response{Response: &http.Response{StatusCode: http.StatusNotFound}}, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)

	calls = 0
	_, err = g.do(context.Background(), func() (*github.Response, error) {
		calls++
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, 4, calls)
}
