package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist contains content patterns excluded from detection.
type Allowlist struct {
	Regexes   []string
	StopWords []string
}

// LoadAllowlist reads a Gitleaks-style allowlist file. An empty path or a
// missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: '%s' in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Regexes:   file.Allowlist.Regexes,
		StopWords: file.Allowlist.StopWords,
	}, nil
}

// Empty reports whether the allowlist excludes nothing.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Regexes) == 0 && len(a.StopWords) == 0)
}
