package pipeline

import (
	"fmt"
	"strings"

	"github.com/fliws/immortyx/internal/extract"
	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
)

// Rejection terminates a document. Its facts are still committed, with the
// flag the gate gave them, so the decision stays auditable.
type Rejection struct {
	Stage    string
	Reason   string
	Patterns []string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("pipeline: %s rejected document: %s", r.Stage, r.Reason)
}

// Envelope carries one document through the stages. A non-nil Rejection
// makes it the rejected variant; stages after the rejecting one do not run.
type Envelope struct {
	Doc    model.RawDocument
	Source model.SourceDescriptor

	Extract extract.Result
	Record  model.DocumentRecord
	TopicID string

	Claims      []model.StructuredFact
	Citations   []model.StructuredFact
	AuthorFacts []model.StructuredFact
	Edges       []model.CitationEdge
	AuthorOps   []model.AuthorOp

	// Signals holds the trust signals per fact id
	Signals map[string][]model.Signal

	Rejection *Rejection
}

// NewEnvelope starts an envelope for doc
func NewEnvelope(doc model.RawDocument, source model.SourceDescriptor) *Envelope {
	return &Envelope{
		Doc:    doc,
		Source: source,
		Record: model.DocumentRecord{
			ContentHash:    doc.ContentHash,
			SourceID:       doc.SourceID,
			SourceNativeID: doc.SourceNativeID,
			URL:            doc.URL,
			FetchedAt:      doc.FetchedAt,
			Outcome:        model.OutcomeCommitted,
		},
		Signals: make(map[string][]model.Signal),
	}
}

// Rejected reports whether a stage rejected the document
func (e *Envelope) Rejected() bool {
	return e.Rejection != nil
}

// Facts returns every fact of the document: claims, then citation edges,
// then author mentions
func (e *Envelope) Facts() []model.StructuredFact {
	out := make([]model.StructuredFact, 0, len(e.Claims)+len(e.Citations)+len(e.AuthorFacts))
	out = append(out, e.Claims...)
	out = append(out, e.Citations...)
	return append(out, e.AuthorFacts...)
}

// groups returns the fact slices for in-place updates
func (e *Envelope) groups() [][]model.StructuredFact {
	return [][]model.StructuredFact{e.Claims, e.Citations, e.AuthorFacts}
}

// Anchor is the fact that citations of this document resolve to: the first
// claim, else the first fact of any kind
func (e *Envelope) Anchor() string {
	if len(e.Claims) > 0 {
		return e.Claims[0].FactID
	}
	if facts := e.Facts(); len(facts) > 0 {
		return facts[0].FactID
	}
	return ""
}

// CommitRequest assembles the store write for the envelope
func (e *Envelope) CommitRequest() factstore.CommitRequest {
	rec := e.Record
	rec.AnchorFactID = e.Anchor()
	if e.Rejection != nil {
		rec.Outcome = model.OutcomeRejected
		rec.Reason = e.Rejection.Reason
	}
	return factstore.CommitRequest{
		Document:  rec,
		Facts:     e.Facts(),
		Edges:     e.Edges,
		AuthorOps: e.AuthorOps,
	}
}

// ClearClaims returns the claims that passed the integrity gate
func (e *Envelope) ClearClaims() []model.StructuredFact {
	var out []model.StructuredFact
	for _, f := range e.Claims {
		if f.IntegrityFlag == model.FlagClear {
			out = append(out, f)
		}
	}
	return out
}

func describe(e *Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d claims, %d citations, %d authors", len(e.Claims), len(e.Citations), len(e.AuthorFacts))
	if e.Rejection != nil {
		fmt.Fprintf(&b, ", rejected (%s)", e.Rejection.Reason)
	}
	return b.String()
}
