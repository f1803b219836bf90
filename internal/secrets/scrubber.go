// Package secrets scrubs credentials out of text before it leaves the
// machine, using the Gitleaks rule set.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding is one detected secret. The secret value itself is not kept.
type Finding struct {
	RuleID string
	Line   int
	Length int
}

// Scrubber replaces detected secrets with [REDACTED:<rule>] markers.
// It is safe for concurrent use.
type Scrubber struct {
	cfg gitleaksConfig.Config
}

// NewScrubber loads the default Gitleaks rules plus an optional TOML
// allowlist:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_KEY_[0-9]+''']
//
// A missing allowlist file is ignored.
func NewScrubber(allowlistPath string) (*Scrubber, error) {
	var patterns []string
	if allowlistPath != "" {
		p, err := loadAllowlist(allowlistPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		patterns = p
	}

	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	cfg := d.Config
	applyAllowlist(&cfg, patterns)

	return &Scrubber{cfg: cfg}, nil
}

// Scrub returns text with every detected secret replaced.
func (s *Scrubber) Scrub(text string) (string, []Finding) {
	if s == nil || text == "" {
		return text, nil
	}

	// Detectors accumulate findings internally, so each call gets its own
	// over the shared, already compiled rule set.
	raw := detect.NewDetector(s.cfg).DetectString(text)
	if len(raw) == 0 {
		return text, nil
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(raw, func(i, j int) bool { return len(raw[i].Secret) > len(raw[j].Secret) })

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		if f.Secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, f.Secret, "[REDACTED:"+f.RuleID+"]")
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine, Length: len(f.Secret)})
	}
	return text, findings
}

// loadAllowlist reads and validates the regexes of an allowlist file.
func loadAllowlist(path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return file.Allowlist.Regexes, nil
}

// applyAllowlist appends a global allowlist built from validated patterns.
func applyAllowlist(cfg *gitleaksConfig.Config, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	al := &gitleaksConfig.Allowlist{Description: "refine prompt allowlist"}
	for _, p := range patterns {
		al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	al.StopWords = append(al.StopWords, patterns...)
	cfg.Allowlists = append(cfg.Allowlists, al)
}
