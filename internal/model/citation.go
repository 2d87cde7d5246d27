package model

// CitationEdge is a directed citation from a fact to a document. ToDocHash
// stays empty while the target has not been ingested yet; the edge completes
// when a document carrying TargetKey is committed. ToFactID names the
// target's anchor fact and stays empty for targets that yielded no facts.
type CitationEdge struct {
	EdgeID     string  `json:"edge_id"`
	FromFactID string  `json:"from_fact_id"`
	ToFactID   string  `json:"to_fact_id,omitempty"`
	ToDocHash  string  `json:"to_doc_hash,omitempty"`
	TargetKey  string  `json:"target_key"` // normalized identifier, e.g. "doi:10.1000/182"
	Confidence float64 `json:"confidence"`
}

// Resolved reports whether the edge points at an ingested document
func (e CitationEdge) Resolved() bool {
	return e.ToDocHash != ""
}

// CitationKind classifies how a citation mention was written
type CitationKind string

const (
	CitationDOI        CitationKind = "doi"
	CitationPMID       CitationKind = "pmid"
	CitationArXiv      CitationKind = "arxiv"
	CitationNCT        CitationKind = "nct"
	CitationNumeric    CitationKind = "numeric"     // [12]
	CitationAuthorYear CitationKind = "author_year" // (Smith 2021)
)
