package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

// ErrPathEscape is returned for paths that resolve outside their root.
var ErrPathEscape = errors.New("path escapes workspace")

// Workspace is the pair of directories tools may touch.
type Workspace struct {
	RepoDir        string
	TempDir        string
	CommandTimeout time.Duration
}

// WorkspaceFromConfig converts the workspace settings.
func WorkspaceFromConfig(cfg config.WorkspaceConfig) Workspace {
	return Workspace{RepoDir: cfg.RepoDir, TempDir: cfg.TempDir, CommandTimeout: cfg.CommandTimeout}
}

// resolve joins p onto root and rejects results outside root.
func resolve(root, p string) (string, error) {
	full := filepath.Join(root, p)
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return full, nil
}

// listFiles returns every regular file under dir, relative to root and
// sorted. The .git directory is skipped.
func listFiles(root, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
