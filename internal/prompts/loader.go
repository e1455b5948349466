// Package prompts loads the role templates used by the supervisor and the
// specialists.
//
// Templates are plain text files named after the role (planner.txt, ...). A
// Loader reads them from a directory, or from the built-in set when no
// directory is configured. Directory loaders can watch for edits and pick up
// the new text on the next Load.
package prompts

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrTemplateNotFound is returned when a role has no template file.
var ErrTemplateNotFound = errors.New("prompt template not found")

//go:embed templates/*.txt
var builtin embed.FS

// Loader reads and caches role templates.
type Loader struct {
	fsys   fs.FS
	dir    string // empty for the built-in set
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewLoader returns a Loader over dir, or over the built-in templates when dir is empty.
func NewLoader(dir string, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{dir: dir, logger: logger, cache: make(map[string]string)}
	if dir == "" {
		sub, err := fs.Sub(builtin, "templates")
		if err != nil {
			return nil, err
		}
		l.fsys = sub
		return l, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("prompts directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompts directory %s is not a directory", dir)
	}
	l.fsys = os.DirFS(dir)
	return l, nil
}

// Load returns the trimmed template for role.
func (l *Loader) Load(role string) (string, error) {
	l.mu.RLock()
	text, ok := l.cache[role]
	l.mu.RUnlock()
	if ok {
		return text, nil
	}

	data, err := fs.ReadFile(l.fsys, role+".txt")
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, l.describe(role))
	}
	if err != nil {
		return "", fmt.Errorf("reading prompt %s: %w", l.describe(role), err)
	}

	text = strings.TrimSpace(string(data))
	l.mu.Lock()
	l.cache[role] = text
	l.mu.Unlock()
	return text, nil
}

// MustLoadAll loads every role up front so a missing template fails at start.
func (l *Loader) MustLoadAll(roles ...string) error {
	for _, r := range roles {
		if _, err := l.Load(r); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) describe(role string) string {
	if l.dir == "" {
		return "builtin:" + role + ".txt"
	}
	return filepath.Join(l.dir, role+".txt")
}

func (l *Loader) invalidate(path string) {
	role := strings.TrimSuffix(filepath.Base(path), ".txt")
	l.mu.Lock()
	delete(l.cache, role)
	l.mu.Unlock()
}

// Watch invalidates cached templates when files in the directory change, until
// ctx is done. Built-in loaders have nothing to watch and return immediately.
func (l *Loader) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating prompt watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", l.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".txt") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.invalidate(event.Name)
					l.logger.Info("prompt template changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("prompt watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
