package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding describes one detected secret. The secret itself is never kept.
type Finding struct {
	RuleID      string
	Description string
	Line        int
}

// Result is the outcome of a Scrub call.
type Result struct {
	Scrubbed string
	Findings []Finding
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// Scrubber redacts secrets from free text.
type Scrubber interface {
	Scrub(content string) Result
}

// Detector is a Scrubber backed by the Gitleaks rule set.
type Detector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewDetector builds a Gitleaks detector with the allowlist merged in.
func NewDetector(allow *Allowlist) (*Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if !allow.Empty() {
		if err := applyAllowlist(&d.Config, allow); err != nil {
			return nil, err
		}
	}
	return &Detector{detector: d}, nil
}

// Scrub replaces every detected secret with a marker naming the rule.
func (d *Detector) Scrub(content string) Result {
	if content == "" {
		return Result{}
	}

	d.mu.Lock()
	found := d.detector.DetectString(content)
	d.mu.Unlock()

	if len(found) == 0 {
		return Result{Scrubbed: content}
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool {
		return len(found[i].Secret) > len(found[j].Secret)
	})

	scrubbed := content
	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		scrubbed = strings.ReplaceAll(scrubbed, f.Secret, "[REDACTED:"+f.RuleID+"]")
		findings = append(findings, Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine})
	}
	return Result{Scrubbed: scrubbed, Findings: findings}
}

// applyAllowlist merges allowlist patterns into the Gitleaks config.
func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "devcrew allowlist"}
	for _, pattern := range allow.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allow.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}

// Nop is a Scrubber that returns content unchanged.
type Nop struct{}

// Scrub returns content as is.
func (Nop) Scrub(content string) Result {
	return Result{Scrubbed: content}
}
