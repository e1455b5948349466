package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"unicode/utf8"
)

const (
	ToolTempWrite   = "temp_write"
	ToolTempRead    = "temp_read"
	ToolTempListDir = "temp_list_dir"
)

// TempTools operates on the scratch directory.
type TempTools struct {
	dir string
}

// NewTempTools returns the scratch-file tools rooted at dir.
func NewTempTools(dir string) *TempTools {
	return &TempTools{dir: dir}
}

// Tools returns write, read and list.
func (t *TempTools) Tools() []Tool {
	return []Tool{
		NewFunc(ToolTempWrite,
			"Write a short-lived scratch or debugging file under temp/. Never use it for permanent code or memory.",
			object(map[string]any{
				"path":    stringProp("Path relative to temp/"),
				"content": stringProp("File content"),
			}, "path", "content"),
			t.write),
		NewFunc(ToolTempRead,
			"Read a file previously written under temp/.",
			object(map[string]any{
				"path": stringProp("Path relative to temp/"),
			}, "path"),
			t.read),
		NewFunc(ToolTempListDir,
			"List all files under temp/.",
			object(nil),
			t.list),
	}
}

func (t *TempTools) write(_ context.Context, raw json.RawMessage) (string, error) {
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
	full, err := resolve(t.dir, args.Path)
	if err != nil {
		return "", err
	}
	if err := writeFile(full, args.Content); err != nil {
		return fmt.Sprintf("Error writing temp/%s: %v", args.Path, err), nil
	}
	return fmt.Sprintf("Wrote temp/%s (%d characters)", args.Path, utf8.RuneCountInString(args.Content)), nil
}

func (t *TempTools) read(_ context.Context, raw json.RawMessage) (string, error) {
	args, err := decodeArgs[struct {
		Path string `json:"path"`
	}](raw)
	if err != nil {
		return "", err
	}
	if err := requireArg("path", args.Path); err != nil {
		return "", err
	}
	full, err := resolve(t.dir, args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "File not found in temp/: " + args.Path, nil
	}
	if err != nil {
		return fmt.Sprintf("Error reading temp/%s: %v", args.Path, err), nil
	}
	return string(data), nil
}

func (t *TempTools) list(_ context.Context, _ json.RawMessage) (string, error) {
	if _, err := os.Stat(t.dir); errors.Is(err, fs.ErrNotExist) {
		return "Temp directory is empty.", nil
	}
	files, err := listFiles(t.dir, t.dir)
	if err != nil {
		return fmt.Sprintf("Error listing temp/: %v", err), nil
	}
	if len(files) == 0 {
		return "Temp directory is empty.", nil
	}
	return strings.Join(files, "\n"), nil
}
