package validate

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fliws/immortyx/internal/model"
)

var (
	// ErrInvalidPattern is returned for a malformed pattern entry
	ErrInvalidPattern = errors.New("validate: invalid pattern")
	// ErrShrunk is returned when a new pattern set drops or edits patterns
	// of the current one
	ErrShrunk = errors.New("validate: pattern set may only grow")
)

// Match is a pattern that matched a fact or a source
type Match struct {
	PatternID string
	Category  string
	Severity  model.PatternSeverity
}

// PatternSet is an immutable, validated set of patterns
type PatternSet struct {
	patterns []model.PseudosciencePattern
	byID     map[string]int
	regexps  map[string]*regexp.Regexp
}

// NewPatternSet validates and compiles patterns
func NewPatternSet(patterns []model.PseudosciencePattern) (*PatternSet, error) {
	s := &PatternSet{
		byID:    make(map[string]int, len(patterns)),
		regexps: make(map[string]*regexp.Regexp),
	}
	for _, p := range patterns {
		if err := s.add(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PatternSet) add(p model.PseudosciencePattern) error {
	if strings.TrimSpace(p.PatternID) == "" {
		return fmt.Errorf("%w: pattern without id", ErrInvalidPattern)
	}
	if _, dup := s.byID[p.PatternID]; dup {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidPattern, p.PatternID)
	}
	if strings.TrimSpace(p.Descriptor) == "" {
		return fmt.Errorf("%w: %s has no descriptor", ErrInvalidPattern, p.PatternID)
	}
	switch p.Severity {
	case model.SeverityFlag, model.SeverityReject:
	default:
		return fmt.Errorf("%w: %s has severity %q", ErrInvalidPattern, p.PatternID, p.Severity)
	}
	switch p.Kind {
	case model.PatternPhrase, model.PatternDomain, model.PatternSource:
	case model.PatternRegex:
		re, err := regexp.Compile("(?i)" + p.Descriptor)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPattern, p.PatternID, err)
		}
		s.regexps[p.PatternID] = re
	default:
		return fmt.Errorf("%w: %s has kind %q", ErrInvalidPattern, p.PatternID, p.Kind)
	}
	s.byID[p.PatternID] = len(s.patterns)
	s.patterns = append(s.patterns, p)
	return nil
}

// Patterns returns a copy of the patterns in insertion order
func (s *PatternSet) Patterns() []model.PseudosciencePattern {
	return append([]model.PseudosciencePattern(nil), s.patterns...)
}

// Len returns the number of patterns
func (s *PatternSet) Len() int {
	return len(s.patterns)
}

// Extend returns a set holding s plus the patterns of next that s does not
// have, and those added patterns. next must contain every pattern of s
// unchanged.
func (s *PatternSet) Extend(next []model.PseudosciencePattern) (*PatternSet, []model.PseudosciencePattern, error) {
	incoming := make(map[string]model.PseudosciencePattern, len(next))
	for _, p := range next {
		incoming[p.PatternID] = p
	}
	for _, p := range s.patterns {
		q, ok := incoming[p.PatternID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s was removed", ErrShrunk, p.PatternID)
		}
		if q != p {
			return nil, nil, fmt.Errorf("%w: %s was modified", ErrShrunk, p.PatternID)
		}
	}

	out, err := NewPatternSet(s.patterns)
	if err != nil {
		return nil, nil, err
	}
	var added []model.PseudosciencePattern
	for _, p := range next {
		if _, have := s.byID[p.PatternID]; have {
			continue
		}
		if err := out.add(p); err != nil {
			return nil, nil, err
		}
		added = append(added, p)
	}
	return out, added, nil
}

// MatchText matches phrase and regex patterns against text
func (s *PatternSet) MatchText(text string) []Match {
	lower := strings.ToLower(text)
	var out []Match
	for _, p := range s.patterns {
		var hit bool
		switch p.Kind {
		case model.PatternPhrase:
			hit = strings.Contains(lower, strings.ToLower(p.Descriptor))
		case model.PatternRegex:
			hit = s.regexps[p.PatternID].MatchString(text)
		}
		if hit {
			out = append(out, Match{PatternID: p.PatternID, Category: p.Category, Severity: p.Severity})
		}
	}
	return out
}

// MatchSource matches source and domain patterns. A domain descriptor
// matches hosts containing it as a label sequence, so "mercola" matches
// "articles.mercola.com".
func (s *PatternSet) MatchSource(sourceID, rawURL string) []Match {
	host := ""
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil {
			host = strings.ToLower(u.Hostname())
		}
	}
	var out []Match
	for _, p := range s.patterns {
		var hit bool
		switch p.Kind {
		case model.PatternSource:
			hit = sourceID != "" && strings.EqualFold(sourceID, p.Descriptor)
		case model.PatternDomain:
			hit = host != "" && hostMatches(host, strings.ToLower(p.Descriptor))
		}
		if hit {
			out = append(out, Match{PatternID: p.PatternID, Category: p.Category, Severity: p.Severity})
		}
	}
	return out
}

func hostMatches(host, descriptor string) bool {
	if host == descriptor || strings.HasSuffix(host, "."+descriptor) {
		return true
	}
	for _, label := range strings.Split(host, ".") {
		if label == descriptor {
			return true
		}
	}
	return false
}

// Worst returns the flag implied by matches and their sorted pattern ids
func Worst(matches []Match) (model.IntegrityFlag, []string) {
	flag := model.FlagClear
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.PatternID)
		f := model.PseudosciencePattern{Severity: m.Severity}.Flag()
		if f.Rank() > flag.Rank() {
			flag = f
		}
	}
	sort.Strings(ids)
	return flag, ids
}

// patternFile is the YAML layout of a pattern file
type patternFile struct {
	Patterns []model.PseudosciencePattern `yaml:"patterns"`
}

// LoadPatternFile reads a pattern file. A file that does not parse or holds
// an invalid entry is an error; the caller keeps its current set.
func LoadPatternFile(path string) ([]model.PseudosciencePattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validate: read pattern file: %w", err)
	}
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidPattern, path, err)
	}
	if _, err := NewPatternSet(f.Patterns); err != nil {
		return nil, err
	}
	return f.Patterns, nil
}
