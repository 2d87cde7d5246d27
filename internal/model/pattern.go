package model

// PatternKind tells the integrity gate what a pattern descriptor matches
type PatternKind string

const (
	PatternPhrase PatternKind = "phrase" // case-insensitive substring of fact text
	PatternRegex  PatternKind = "regex"  // regular expression over fact text
	PatternDomain PatternKind = "domain" // host of the document URL
	PatternSource PatternKind = "source" // source id
)

// PatternSeverity decides between flagging and rejecting a match
type PatternSeverity string

const (
	SeverityFlag   PatternSeverity = "flag"
	SeverityReject PatternSeverity = "reject"
)

// PseudosciencePattern is an entry of the negative-knowledge set. The set is
// append-only.
type PseudosciencePattern struct {
	PatternID  string          `json:"pattern_id" yaml:"id"`
	Kind       PatternKind     `json:"kind" yaml:"kind"`
	Category   string          `json:"category,omitempty" yaml:"category,omitempty"`
	Descriptor string          `json:"descriptor" yaml:"descriptor"`
	Severity   PatternSeverity `json:"severity" yaml:"severity"`
}

// Flag maps the pattern severity to the resulting integrity flag
func (p PseudosciencePattern) Flag() IntegrityFlag {
	if p.Severity == SeverityReject {
		return FlagRejected
	}
	return FlagFlagged
}
