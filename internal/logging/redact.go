package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

const (
	redactedKey     = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
)

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs val as its length only.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// redactRules decides what gets masked. The zero value masks nothing.
type redactRules struct {
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func newRedactRules(cfg RedactionConfig) (redactRules, error) {
	if !cfg.Enabled {
		return redactRules{}, nil
	}
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return redactRules{}, err
	}
	keys := make(map[string]struct{}, len(cfg.Fields))
	for _, k := range cfg.Fields {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactRules{keys: keys, patterns: patterns}, nil
}

func (r redactRules) sensitiveKey(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

// mask returns the replacement for a value that matches a pattern.
func (r redactRules) mask(val string) (string, bool) {
	for _, re := range r.patterns {
		if re.MatchString(val) {
			return redactedPattern, true
		}
	}
	return val, false
}

func (r redactRules) field(f zapcore.Field) zapcore.Field {
	if r.sensitiveKey(f.Key) {
		return zap.String(f.Key, redactedKey)
	}
	if f.Type == zapcore.StringType {
		if masked, ok := r.mask(f.String); ok {
			return zap.String(f.Key, masked)
		}
	}
	return f
}

// redactingEncoder applies redactRules to fields added through With and to
// the fields and message of each entry.
type redactingEncoder struct {
	zapcore.Encoder
	rules redactRules
}

func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*redactingEncoder, error) {
	rules, err := newRedactRules(cfg)
	if err != nil {
		return nil, err
	}
	return &redactingEncoder{Encoder: base, rules: rules}, nil
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.rules.sensitiveKey(key) {
		val = redactedKey
	} else {
		val, _ = e.rules.mask(val)
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.rules.sensitiveKey(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.rules.sensitiveKey(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message, _ = e.rules.mask(ent.Message)
	clean := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		clean[i] = e.rules.field(f)
	}
	return e.Encoder.EncodeEntry(ent, clean)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), rules: e.rules}
}
