package model

import "time"

// EvidenceLevel grades the evidence behind a consensus entry
type EvidenceLevel string

const (
	EvidenceLow      EvidenceLevel = "low"
	EvidenceModerate EvidenceLevel = "moderate"
	EvidenceHigh     EvidenceLevel = "high"
)

// ConsensusEntry is the synthesized, versioned summary for one topic. It is
// written only by a synthesis cycle.
type ConsensusEntry struct {
	TopicID           string           `json:"topic_id"`
	Summary           ConsensusSummary `json:"summary"`
	SupportingFactIDs []string         `json:"supporting_fact_ids"`
	EvidenceLevel     EvidenceLevel    `json:"evidence_level"`
	EvidenceScore     float64          `json:"evidence_score"`
	LastSynthesizedAt time.Time        `json:"last_synthesized_at"`
	Version           int64            `json:"version"`
}

// ConsensusSummary is the structured summary payload. It holds the winning
// dominant claim plus every analyst candidate for transparency.
type ConsensusSummary struct {
	DominantClaim  string          `json:"dominant_claim"`
	DominantKey    string          `json:"dominant_key"`
	Polarity       Polarity        `json:"polarity"`
	Keywords       []string        `json:"keywords,omitempty"`
	KeyClaims      []KeyClaim      `json:"key_claims,omitempty"`
	WinningAnalyst string          `json:"winning_analyst"`
	Candidates     []CandidateView `json:"candidates,omitempty"`
}

// KeyClaim is a claim cluster retained in the summary and used by the
// paradigm monitor to score divergence.
type KeyClaim struct {
	Key      string   `json:"key"`
	Text     string   `json:"text"`
	Keywords []string `json:"keywords"`
	Polarity Polarity `json:"polarity"`
	Weight   float64  `json:"weight"`
}

// CandidateView is one analyst's candidate as recorded in the summary
type CandidateView struct {
	Analyst       string   `json:"analyst"`
	DominantKey   string   `json:"dominant_key"`
	DominantClaim string   `json:"dominant_claim"`
	Aggregate     float64  `json:"aggregate"`
	FactIDs       []string `json:"fact_ids"`
}

// Topic is a configured research theme synthesized by the consensus engine
type Topic struct {
	ID       string   `json:"id" yaml:"id" mapstructure:"id"`
	Keywords []string `json:"keywords" yaml:"keywords" mapstructure:"keywords"`
	Cadence  string   `json:"cadence,omitempty" yaml:"cadence,omitempty" mapstructure:"cadence"` // cron spec, e.g. "@every 6h"
}
