package model

import "time"

// FactKind categorizes a structured fact
type FactKind string

const (
	FactKindClaim         FactKind = "claim"
	FactKindCitationEdge  FactKind = "citation_edge"
	FactKindAuthorMention FactKind = "author_mention"
)

// IntegrityFlag is the integrity state of a fact after the integrity gate
type IntegrityFlag string

const (
	FlagClear    IntegrityFlag = "clear"
	FlagFlagged  IntegrityFlag = "flagged"
	FlagRejected IntegrityFlag = "rejected"
)

// Rank orders flags by severity. Post-hoc changes may only raise the rank
// unless an explicit reclassification is recorded.
func (f IntegrityFlag) Rank() int {
	switch f {
	case FlagClear:
		return 0
	case FlagFlagged:
		return 1
	case FlagRejected:
		return 2
	default:
		return -1
	}
}

// Valid reports whether f is a known flag
func (f IntegrityFlag) Valid() bool {
	return f.Rank() >= 0
}

// StructuredFact is an accepted, append-only record produced by the
// validation pipeline.
type StructuredFact struct {
	FactID        string        `json:"fact_id"`
	SourceDocHash string        `json:"source_doc_hash"`
	SourceID      string        `json:"source_id"`
	Kind          FactKind      `json:"kind"`
	TopicID       string        `json:"topic_id,omitempty"`
	Payload       FactPayload   `json:"payload"`
	TrustScore    float64       `json:"trust_score"`
	IntegrityFlag IntegrityFlag `json:"integrity_flag"`
	Authors       []AuthorRef   `json:"authors,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// FactPayload carries the extracted content of a fact. Fields are filled
// depending on Kind.
type FactPayload struct {
	Text            string              `json:"text,omitempty"`
	Heuristic       string              `json:"heuristic,omitempty"` // which extraction rule matched (e.g. "keyword:associated with")
	Sentence        int                 `json:"sentence,omitempty"`
	Keywords        []string            `json:"keywords,omitempty"`
	Polarity        Polarity            `json:"polarity,omitempty"`
	Entities        map[string][]string `json:"entities,omitempty"`
	Identifiers     []string            `json:"identifiers,omitempty"`
	StudySize       int                 `json:"study_size,omitempty"`
	CitationKey     string              `json:"citation_key,omitempty"`
	AuthorName      string              `json:"author_name,omitempty"`
	Affiliation     string              `json:"affiliation,omitempty"`
	MatchedPatterns []string            `json:"matched_patterns,omitempty"`
}

// Polarity tells whether a claim affirms or negates its proposition
type Polarity int

const (
	PolarityNegative Polarity = -1
	PolarityNeutral  Polarity = 0
	PolarityPositive Polarity = 1
)

// ReclassificationEvent is the audit trail entry written every time a
// fact's integrity flag changes after commit.
type ReclassificationEvent struct {
	FactID string        `json:"fact_id"`
	From   IntegrityFlag `json:"from"`
	To     IntegrityFlag `json:"to"`
	Reason string        `json:"reason"`
	Actor  string        `json:"actor"`
	At     time.Time     `json:"at"`
}
