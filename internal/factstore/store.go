// Package factstore defines the append-only fact store contract and its
// memory and SQLite adapters.
package factstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fliws/immortyx/internal/model"
)

var (
	// ErrDuplicate is returned when a document was already committed
	ErrDuplicate = errors.New("factstore: document already committed")
	// ErrConflict is returned when a commit was prepared against stale
	// author state; the caller re-resolves and retries
	ErrConflict = errors.New("factstore: stale author state")
	// ErrNotFound is returned for unknown ids
	ErrNotFound = errors.New("factstore: not found")
	// ErrDowngrade is returned for an integrity downgrade without an
	// explicit reason and actor
	ErrDowngrade = errors.New("factstore: downgrade requires explicit reclassification")
	// ErrInvalid is returned for malformed requests
	ErrInvalid = errors.New("factstore: invalid request")
)

// Store is the persistence contract used by the pipeline, the consensus
// engine and the status server. Implementations must make Commit atomic:
// either the document record and everything attached to it is visible or
// none of it is.
type Store interface {
	Commit(ctx context.Context, req CommitRequest) error

	Document(ctx context.Context, hash string) (model.DocumentRecord, error)
	DocumentHashes(ctx context.Context) ([]string, error)
	LookupIdentifier(ctx context.Context, key string) (model.DocumentRecord, bool, error)

	Fact(ctx context.Context, id string) (model.StructuredFact, error)
	ReadClearFacts(ctx context.Context, filter FactFilter) ([]model.StructuredFact, error)
	AuditFacts(ctx context.Context, docHash string) ([]model.StructuredFact, error)
	SearchFacts(ctx context.Context, query string, limit int) ([]model.StructuredFact, error)
	Reclassify(ctx context.Context, req ReclassifyRequest) (*model.ReclassificationEvent, error)
	Reclassifications(ctx context.Context, factID string) ([]model.ReclassificationEvent, error)

	EdgesTo(ctx context.Context, docHash string) ([]model.CitationEdge, error)
	EdgesFrom(ctx context.Context, factID string) ([]model.CitationEdge, error)
	CitationCounts(ctx context.Context, docHashes []string) (map[string]int, error)

	ReadAuthor(ctx context.Context, id string) (model.AuthorIdentity, error)
	FindAuthors(ctx context.Context, nameKey string) ([]model.AuthorIdentity, error)
	MergeAuthors(ctx context.Context, from, into string) (model.AuthorIdentity, error)
	PendingAuthors(ctx context.Context) ([]model.PendingResolution, error)
	ClearPending(ctx context.Context, authorID string) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// CommitRequest is everything the pipeline produced for one document
type CommitRequest struct {
	Document  model.DocumentRecord
	Facts     []model.StructuredFact
	Edges     []model.CitationEdge
	AuthorOps []model.AuthorOp
}

// FactFilter narrows ReadClearFacts. Rejected facts are never read.
type FactFilter struct {
	TopicID   string
	Kinds     []model.FactKind
	SourceIDs []string
	Since     time.Time
	Limit     int
	Flagged   bool // also read flagged facts
}

// ReclassifyRequest changes a fact's integrity flag after commit. Upgrades
// (toward rejected) are always accepted; downgrades need Explicit plus a
// reason and actor.
type ReclassifyRequest struct {
	FactID   string
	To       model.IntegrityFlag
	Reason   string
	Actor    string
	Explicit bool
}

// Stats summarizes store contents
type Stats struct {
	Documents          int       `json:"documents"`
	CommittedDocuments int       `json:"committed_documents"`
	RejectedDocuments  int       `json:"rejected_documents"`
	Facts              int       `json:"facts"`
	ClearFacts         int       `json:"clear_facts"`
	FlaggedFacts       int       `json:"flagged_facts"`
	RejectedFacts      int       `json:"rejected_facts"`
	Edges              int       `json:"edges"`
	PendingEdges       int       `json:"pending_edges"`
	Authors            int       `json:"authors"`
	PendingAuthors     int       `json:"pending_authors"`
	LastCommitAt       time.Time `json:"last_commit_at,omitempty"`
}

// validateCommit checks the shape of a request before any state is read
func validateCommit(req CommitRequest) error {
	doc := req.Document
	if doc.ContentHash == "" {
		return fmt.Errorf("%w: document hash is required", ErrInvalid)
	}
	if doc.Outcome != model.OutcomeCommitted && doc.Outcome != model.OutcomeRejected {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalid, doc.Outcome)
	}
	ids := make(map[string]bool, len(req.Facts))
	for _, f := range req.Facts {
		if f.FactID == "" {
			return fmt.Errorf("%w: fact id is required", ErrInvalid)
		}
		if ids[f.FactID] {
			return fmt.Errorf("%w: duplicate fact id %s", ErrInvalid, f.FactID)
		}
		ids[f.FactID] = true
		if f.SourceDocHash != doc.ContentHash {
			return fmt.Errorf("%w: fact %s belongs to another document", ErrInvalid, f.FactID)
		}
		if !f.IntegrityFlag.Valid() {
			return fmt.Errorf("%w: fact %s has flag %q", ErrInvalid, f.FactID, f.IntegrityFlag)
		}
	}
	for _, e := range req.Edges {
		if e.EdgeID == "" || e.FromFactID == "" {
			return fmt.Errorf("%w: edge needs id and source fact", ErrInvalid)
		}
		if !ids[e.FromFactID] {
			return fmt.Errorf("%w: edge %s starts outside the document", ErrInvalid, e.EdgeID)
		}
	}
	for _, op := range req.AuthorOps {
		if op.AuthorID == "" {
			return fmt.Errorf("%w: author op without author id", ErrInvalid)
		}
		switch op.Kind {
		case model.AuthorOpCreate, model.AuthorOpLink, model.AuthorOpDefer:
		default:
			return fmt.Errorf("%w: unknown author op %q", ErrInvalid, op.Kind)
		}
	}
	return nil
}

// checkReclassify applies the flag-retention rule
func checkReclassify(from model.IntegrityFlag, req ReclassifyRequest) error {
	if !req.To.Valid() {
		return fmt.Errorf("%w: unknown flag %q", ErrInvalid, req.To)
	}
	if req.To.Rank() < from.Rank() {
		if !req.Explicit || strings.TrimSpace(req.Reason) == "" || strings.TrimSpace(req.Actor) == "" {
			return fmt.Errorf("%w: %s %s -> %s", ErrDowngrade, req.FactID, from, req.To)
		}
	}
	return nil
}

// matchesFilter reports whether a readable fact passes filter
func matchesFilter(f model.StructuredFact, filter FactFilter) bool {
	switch f.IntegrityFlag {
	case model.FlagClear:
	case model.FlagFlagged:
		if !filter.Flagged {
			return false
		}
	default:
		return false
	}
	if filter.TopicID != "" && f.TopicID != filter.TopicID {
		return false
	}
	if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, f.Kind) {
		return false
	}
	if len(filter.SourceIDs) > 0 && !containsString(filter.SourceIDs, f.SourceID) {
		return false
	}
	if !filter.Since.IsZero() && f.CreatedAt.Before(filter.Since) {
		return false
	}
	return true
}

// searchTerms splits a query into lowercase terms
func searchTerms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// matchesTerms reports whether text contains every term
func matchesTerms(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if !strings.Contains(lower, t) {
			return false
		}
	}
	return true
}

// sortFacts orders facts by creation time, then id
func sortFacts(facts []model.StructuredFact) {
	sort.Slice(facts, func(i, j int) bool {
		if !facts[i].CreatedAt.Equal(facts[j].CreatedAt) {
			return facts[i].CreatedAt.Before(facts[j].CreatedAt)
		}
		return facts[i].FactID < facts[j].FactID
	})
}

func containsKind(kinds []model.FactKind, k model.FactKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// appendUnique appends values not yet in list
func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v != "" && !containsString(list, v) {
			list = append(list, v)
		}
	}
	return list
}

// mergeIdentity folds from into into and returns the survivor
func mergeIdentity(into, from model.AuthorIdentity) model.AuthorIdentity {
	into.Aliases = appendUnique(into.Aliases, from.NormalizedName)
	into.Aliases = appendUnique(into.Aliases, from.Aliases...)
	into.Affiliations = appendUnique(into.Affiliations, from.Affiliations...)
	into.LinkedFactIDs = appendUnique(into.LinkedFactIDs, from.LinkedFactIDs...)
	return into
}
