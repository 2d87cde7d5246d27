// Package author resolves author mentions to author identities.
package author

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/extract"
	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
)

// Store is the part of the fact store author resolution needs
type Store interface {
	ReadAuthor(ctx context.Context, id string) (model.AuthorIdentity, error)
	FindAuthors(ctx context.Context, nameKey string) ([]model.AuthorIdentity, error)
	MergeAuthors(ctx context.Context, from, into string) (model.AuthorIdentity, error)
	PendingAuthors(ctx context.Context) ([]model.PendingResolution, error)
	ClearPending(ctx context.Context, authorID string) error
}

// Input is one document's author mentions
type Input struct {
	DocHash  string
	SourceID string
	TopicID  string
	Mentions []extract.AuthorMention
	// ClaimFactIDs are linked to the identities of the document's own
	// authors
	ClaimFactIDs []string
	CreatedAt    time.Time
}

// Result holds the author_mention facts, author ops and the references to
// attach to the document's claims
type Result struct {
	Facts    []model.StructuredFact
	Ops      []model.AuthorOp
	Refs     []model.AuthorRef // document authors only
	Linked   int
	Created  int
	Deferred int
}

// Resolver scores mentions against existing identities
type Resolver struct {
	store  Store
	high   float64
	low    float64
	logger *zap.Logger
	newID  func() string
}

// NewResolver creates a resolver with the high and low thresholds
func NewResolver(store Store, high, low float64, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  store,
		high:   high,
		low:    low,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Score compares a name and its affiliations with an identity
func Score(normalized string, affiliations []string, cand model.AuthorIdentity) float64 {
	name := NameSimilarity(normalized, cand.NormalizedName)
	for _, alias := range cand.Aliases {
		if s := NameSimilarity(normalized, alias); s > name {
			name = s
		}
	}
	if name == 0 {
		return 0
	}
	return NameWeight*name + AffiliationWeight*AffiliationSimilarity(affiliations, cand.Affiliations)
}

type scored struct {
	id    string
	score float64
	local int // index into ops for identities created by this batch, else -1
}

// Resolve decides an op for every mention. Identities created or deferred
// earlier in the same batch are matched too; a match on one of them folds
// the mention into its op, since the store checks ops against pre-commit
// state.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Result, error) {
	var res Result
	candidates := make(map[string][]model.AuthorIdentity)
	observed := make(map[string]int)

	for _, m := range in.Mentions {
		norm := Normalize(m.Name)
		if norm == "" {
			continue
		}
		key := model.NameKey(norm)
		if _, ok := candidates[key]; !ok {
			found, err := r.store.FindAuthors(ctx, key)
			if err != nil {
				return Result{}, fmt.Errorf("author: find %s: %w", key, err)
			}
			candidates[key] = found
			observed[key] = len(found)
		}

		var affs []string
		if m.Affiliation != "" {
			affs = []string{m.Affiliation}
		}
		ranked := r.rank(norm, affs, key, candidates[key], res.Ops)

		factID := r.newID()
		linked := []string{factID}
		if m.Role == extract.RoleAuthor {
			linked = append(linked, in.ClaimFactIDs...)
		}

		ref := model.AuthorRef{Name: m.Name}
		switch {
		case len(ranked) > 0 && ranked[0].score >= r.high:
			best := ranked[0]
			ref.AuthorID, ref.Score = best.id, best.score
			if best.local >= 0 {
				op := &res.Ops[best.local]
				op.Identity.Aliases = appendNew(op.Identity.Aliases, norm, op.Identity.NormalizedName)
				op.Identity.Affiliations = appendNew(op.Identity.Affiliations, m.Affiliation, "")
				op.FactIDs = append(op.FactIDs, linked...)
				if op.Kind == model.AuthorOpDefer {
					ref.Provisional = true
					ref.CandidateIDs = append([]string(nil), op.CandidateIDs...)
				}
			} else {
				res.Ops = append(res.Ops, model.AuthorOp{
					Kind:        model.AuthorOpLink,
					AuthorID:    best.id,
					Alias:       norm,
					Affiliation: m.Affiliation,
					FactIDs:     linked,
				})
			}
			res.Linked++

		case len(ranked) == 0 || ranked[0].score < r.low:
			id := r.newID()
			ref.AuthorID = id
			res.Ops = append(res.Ops, r.createOp(model.AuthorOpCreate, id, m, norm, key, observed[key], linked, nil))
			res.Created++

		default:
			id := r.newID()
			var ids []string
			for _, c := range ranked {
				if c.score >= r.low {
					ids = append(ids, c.id)
				}
			}
			ref.AuthorID = id
			ref.Provisional = true
			ref.CandidateIDs = ids
			ref.Score = ranked[0].score
			res.Ops = append(res.Ops, r.createOp(model.AuthorOpDefer, id, m, norm, key, observed[key], linked, ids))
			res.Deferred++
		}

		res.Facts = append(res.Facts, model.StructuredFact{
			FactID:        factID,
			SourceDocHash: in.DocHash,
			SourceID:      in.SourceID,
			Kind:          model.FactKindAuthorMention,
			TopicID:       in.TopicID,
			Payload: model.FactPayload{
				Text:        m.Name,
				Heuristic:   "author:" + string(m.Role),
				AuthorName:  m.Name,
				Affiliation: m.Affiliation,
			},
			IntegrityFlag: model.FlagClear,
			Authors:       []model.AuthorRef{ref},
			CreatedAt:     in.CreatedAt,
		})
		if m.Role == extract.RoleAuthor {
			res.Refs = append(res.Refs, ref)
		}
	}
	return res, nil
}

// rank scores stored candidates and identities created or deferred earlier
// in the batch, best first, ties by id
func (r *Resolver) rank(norm string, affs []string, key string, stored []model.AuthorIdentity, ops []model.AuthorOp) []scored {
	var out []scored
	for _, c := range stored {
		if s := Score(norm, affs, c); s > 0 {
			out = append(out, scored{id: c.AuthorID, score: s, local: -1})
		}
	}
	for i, op := range ops {
		if op.Kind == model.AuthorOpLink || op.NameKey != key {
			continue
		}
		if s := Score(norm, affs, op.Identity); s > 0 {
			out = append(out, scored{id: op.AuthorID, score: s, local: i})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func (r *Resolver) createOp(kind model.AuthorOpKind, id string, m extract.AuthorMention, norm, key string, observed int, facts, candidates []string) model.AuthorOp {
	identity := model.AuthorIdentity{
		AuthorID:       id,
		CanonicalName:  m.Name,
		NormalizedName: norm,
	}
	if m.Affiliation != "" {
		identity.Affiliations = []string{m.Affiliation}
	}
	return model.AuthorOp{
		Kind:         kind,
		AuthorID:     id,
		Identity:     identity,
		Affiliation:  m.Affiliation,
		FactIDs:      facts,
		CandidateIDs: candidates,
		NameKey:      key,
		Observed:     observed,
	}
}

// PendingReport summarizes a deferred-resolution pass
type PendingReport struct {
	Examined int `json:"examined"`
	Merged   int `json:"merged"`
	Promoted int `json:"promoted"` // became standalone identities
	Waiting  int `json:"waiting"`
}

// ResolvePending re-scores every deferred mention against its candidates,
// which may have gained aliases and affiliations since. A score at or above
// the high threshold merges the provisional identity into the candidate; a
// score below the low threshold for every candidate promotes it to a
// standalone identity.
func (r *Resolver) ResolvePending(ctx context.Context) (PendingReport, error) {
	var report PendingReport

	pending, err := r.store.PendingAuthors(ctx)
	if err != nil {
		return report, fmt.Errorf("author: pending: %w", err)
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++

		prov, err := r.store.ReadAuthor(ctx, p.AuthorID)
		if err != nil {
			return report, fmt.Errorf("author: read %s: %w", p.AuthorID, err)
		}
		if prov.AuthorID != p.AuthorID {
			// already merged elsewhere
			if err := r.store.ClearPending(ctx, p.AuthorID); err != nil {
				return report, err
			}
			continue
		}

		bestID, best, anyAboveLow := "", 0.0, false
		for _, cid := range p.CandidateIDs {
			cand, err := r.store.ReadAuthor(ctx, cid)
			if errors.Is(err, factstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return report, fmt.Errorf("author: read %s: %w", cid, err)
			}
			if cand.AuthorID == prov.AuthorID {
				continue
			}
			s := identityScore(prov, cand)
			if s >= r.low {
				anyAboveLow = true
			}
			if s > best || (s == best && cand.AuthorID < bestID) {
				bestID, best = cand.AuthorID, s
			}
		}

		switch {
		case bestID != "" && best >= r.high:
			if _, err := r.store.MergeAuthors(ctx, prov.AuthorID, bestID); err != nil {
				return report, fmt.Errorf("author: merge %s into %s: %w", prov.AuthorID, bestID, err)
			}
			report.Merged++
			r.logger.Info("merged provisional author",
				zap.String("from", prov.AuthorID), zap.String("into", bestID), zap.Float64("score", best))
		case !anyAboveLow:
			if err := r.store.ClearPending(ctx, prov.AuthorID); err != nil {
				return report, err
			}
			report.Promoted++
		default:
			report.Waiting++
		}
	}
	return report, nil
}

// identityScore compares two identities over all their names
func identityScore(a, b model.AuthorIdentity) float64 {
	best := 0.0
	for _, n := range append([]string{a.NormalizedName}, a.Aliases...) {
		if s := Score(n, a.Affiliations, b); s > best {
			best = s
		}
	}
	return best
}

// Merge merges identity from into identity into. Merging twice is a no-op.
func (r *Resolver) Merge(ctx context.Context, from, into string) (model.AuthorIdentity, error) {
	merged, err := r.store.MergeAuthors(ctx, from, into)
	if err != nil {
		return model.AuthorIdentity{}, fmt.Errorf("author: merge %s into %s: %w", from, into, err)
	}
	if err := r.store.ClearPending(ctx, from); err != nil {
		return merged, fmt.Errorf("author: clear pending %s: %w", from, err)
	}
	r.logger.Info("merged author", zap.String("from", from), zap.String("into", merged.AuthorID))
	return merged, nil
}

func appendNew(list []string, v, except string) []string {
	if v == "" || v == except {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
