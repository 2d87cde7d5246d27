// Package link turns citation mentions into citation_edge facts and
// citation edges, resolving targets that are already in the fact store.
package link

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fliws/immortyx/internal/extract"
	"github.com/fliws/immortyx/internal/model"
)

// Lookup finds committed documents by identifier
type Lookup interface {
	LookupIdentifier(ctx context.Context, key string) (model.DocumentRecord, bool, error)
}

// Confidence per citation kind
var kindConfidence = map[model.CitationKind]float64{
	model.CitationDOI:        0.95,
	model.CitationPMID:       0.95,
	model.CitationArXiv:      0.9,
	model.CitationNCT:        0.9,
	model.CitationNumeric:    0.7, // resolved through the reference list
	model.CitationAuthorYear: 0.5,
}

// scopedConfidence applies to numeric markers with no reference entry
const scopedConfidence = 0.3

// Input is one document's citations
type Input struct {
	DocHash   string
	SourceID  string
	TopicID   string
	Mentions  []extract.CitationMention
	CreatedAt time.Time
}

// Result holds the facts and edges produced for a document
type Result struct {
	Facts    []model.StructuredFact
	Edges    []model.CitationEdge
	Resolved int
	Pending  int
	Dropped  int // mentions that did not beat the best edge to their target
}

// Resolver resolves citation mentions against the store
type Resolver struct {
	lookup Lookup
	// EdgeDelta is the confidence a further edge to an already linked target
	// must add over the best existing edge to be kept
	EdgeDelta float64
	newID     func() string
}

// NewResolver creates a resolver
func NewResolver(lookup Lookup, edgeDelta float64) *Resolver {
	return &Resolver{
		lookup:    lookup,
		EdgeDelta: edgeDelta,
		newID:     uuid.NewString,
	}
}

// Confidence returns the edge confidence of a mention
func Confidence(m extract.CitationMention) float64 {
	if Scoped(m.Key) {
		return scopedConfidence
	}
	if c, ok := kindConfidence[m.Kind]; ok {
		return c
	}
	return scopedConfidence
}

// Scoped reports whether key only has meaning inside its document
func Scoped(key string) bool {
	return strings.HasPrefix(key, "ref:")
}

// Resolve emits one citation_edge fact and edge per kept mention. Targets
// already committed are linked to their document, and to its anchor fact
// when it has one; the rest stay pending
// until a document carrying the key is committed. A document never resolves
// a citation to itself.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Result, error) {
	var res Result
	best := make(map[string]float64)

	for _, m := range in.Mentions {
		if m.Key == "" {
			continue
		}
		conf := Confidence(m)
		if prev, ok := best[m.Key]; ok && conf < prev+r.EdgeDelta {
			res.Dropped++
			continue
		}
		if conf > best[m.Key] {
			best[m.Key] = conf
		}

		factID := r.newID()
		edge := model.CitationEdge{
			EdgeID:     r.newID(),
			FromFactID: factID,
			TargetKey:  m.Key,
			Confidence: conf,
		}

		if !Scoped(m.Key) {
			rec, found, err := r.lookup.LookupIdentifier(ctx, m.Key)
			if err != nil {
				return Result{}, fmt.Errorf("link: lookup %s: %w", m.Key, err)
			}
			if found && rec.ContentHash != in.DocHash {
				edge.ToDocHash = rec.ContentHash
				edge.ToFactID = rec.AnchorFactID
			}
		}
		if edge.Resolved() {
			res.Resolved++
		} else {
			res.Pending++
		}

		res.Facts = append(res.Facts, model.StructuredFact{
			FactID:        factID,
			SourceDocHash: in.DocHash,
			SourceID:      in.SourceID,
			Kind:          model.FactKindCitationEdge,
			TopicID:       in.TopicID,
			Payload: model.FactPayload{
				Text:        m.Raw,
				Heuristic:   "citation:" + string(m.Kind),
				CitationKey: m.Key,
				Identifiers: []string{m.Key},
			},
			IntegrityFlag: model.FlagClear,
			CreatedAt:     in.CreatedAt,
		})
		res.Edges = append(res.Edges, edge)
	}
	return res, nil
}
