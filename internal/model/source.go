package model

import "time"

// SourceKind identifies the family of fetcher that serves a source
type SourceKind string

const (
	SourceKindPubMed         SourceKind = "pubmed"
	SourceKindBioRxiv        SourceKind = "biorxiv"
	SourceKindArXiv          SourceKind = "arxiv"
	SourceKindNature         SourceKind = "nature"
	SourceKindClinicalTrials SourceKind = "clinicaltrials"
	SourceKindCochrane       SourceKind = "cochrane"
	SourceKindHTTP           SourceKind = "http"
	SourceKindManual         SourceKind = "manual" // local files fed through ingest
)

// SourceDescriptor describes a polled source. Only PollIntervalHint and
// PriorityWeight change after registration (adapted by the scheduler), plus
// the retire/restore lifecycle.
type SourceDescriptor struct {
	ID               string            `json:"id" yaml:"id" mapstructure:"id"`
	Kind             SourceKind        `json:"kind" yaml:"kind" mapstructure:"kind"`
	PollIntervalHint time.Duration     `json:"poll_interval_hint" yaml:"poll_interval" mapstructure:"poll_interval"`
	BaselineInterval time.Duration     `json:"baseline_interval" yaml:"-" mapstructure:"-"`
	PriorityWeight   float64           `json:"priority_weight" yaml:"priority_weight" mapstructure:"priority_weight"`
	TrustPrior       float64           `json:"trust_prior" yaml:"trust_prior" mapstructure:"trust_prior"`
	Query            map[string]string `json:"query,omitempty" yaml:"query,omitempty" mapstructure:"query"`
	DefaultTopic     string            `json:"default_topic,omitempty" yaml:"default_topic,omitempty" mapstructure:"default_topic"`
	Enabled          *bool             `json:"-" yaml:"enabled,omitempty" mapstructure:"enabled"`

	RegisteredAt  time.Time  `json:"registered_at" yaml:"-" mapstructure:"-"`
	Retired       bool       `json:"retired" yaml:"-" mapstructure:"-"`
	RetiredAt     *time.Time `json:"retired_at,omitempty" yaml:"-" mapstructure:"-"`
	RetiredReason string     `json:"retired_reason,omitempty" yaml:"-" mapstructure:"-"`
}

// IsEnabled reports whether the catalog entry should be registered
func (s SourceDescriptor) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveInterval is the scheduling distance between two polls:
// pollIntervalHint / priorityWeight.
func (s SourceDescriptor) EffectiveInterval() time.Duration {
	if s.PriorityWeight <= 0 {
		return s.PollIntervalHint
	}
	return time.Duration(float64(s.PollIntervalHint) / s.PriorityWeight)
}
