package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/author"
	"github.com/fliws/immortyx/internal/extract"
	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/link"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/score"
	"github.com/fliws/immortyx/internal/validate"
)

// Stage names, in the only order the pipeline accepts
const (
	StageExtract   = "extract"
	StageLink      = "link"
	StageAuthor    = "author"
	StageTrust     = "trust"
	StageIntegrity = "integrity"
)

// Order is the required stage order
var Order = []string{StageExtract, StageLink, StageAuthor, StageTrust, StageIntegrity}

// Stage is one step of document validation. It augments the envelope,
// passes it on unchanged or rejects it.
type Stage interface {
	Name() string
	Process(ctx context.Context, env *Envelope) (*Rejection, error)
}

// ExtractStage decodes the payload and drafts claim facts
type ExtractStage struct {
	extractor *extract.Extractor
	newID     func() string
}

// NewExtractStage wraps an extractor
func NewExtractStage(extractor *extract.Extractor) *ExtractStage {
	return &ExtractStage{extractor: extractor, newID: uuid.NewString}
}

// Name implements Stage
func (s *ExtractStage) Name() string { return StageExtract }

// Process implements Stage. Extraction never rejects; an undecodable payload
// degrades to text and zero claims is valid.
func (s *ExtractStage) Process(ctx context.Context, env *Envelope) (*Rejection, error) {
	res := s.extractor.Extract(env.Doc, env.Source)
	env.Extract = res
	env.Record.Identifiers = extract.DocumentKeys(res.Doc)
	if env.Record.URL == "" {
		env.Record.URL = res.Doc.URL
	}
	if res.DecodeErr != nil {
		env.Record.Meta = map[string]string{"decode_error": res.DecodeErr.Error()}
	}

	env.TopicID = env.Source.DefaultTopic
	if len(res.Topics) > 0 && res.Topics[0] != "" {
		env.TopicID = res.Topics[0]
	}

	env.Claims = env.Claims[:0]
	for i, c := range res.Claims {
		env.Claims = append(env.Claims, model.StructuredFact{
			FactID:        s.newID(),
			SourceDocHash: env.Doc.ContentHash,
			SourceID:      env.Doc.SourceID,
			Kind:          model.FactKindClaim,
			TopicID:       res.Topics[i],
			Payload: model.FactPayload{
				Text:      c.Text,
				Heuristic: c.Heuristic,
				Sentence:  c.Sentence,
				Keywords:  c.Keywords,
				Polarity:  c.Polarity,
				Entities:  c.Entities,
				StudySize: c.StudySize,
			},
			IntegrityFlag: model.FlagClear,
			CreatedAt:     env.Doc.FetchedAt,
		})
	}
	return nil, nil
}

// LinkStage resolves citation mentions to edges
type LinkStage struct {
	resolver *link.Resolver
}

// NewLinkStage wraps a link resolver
func NewLinkStage(resolver *link.Resolver) *LinkStage {
	return &LinkStage{resolver: resolver}
}

// Name implements Stage
func (s *LinkStage) Name() string { return StageLink }

// Process implements Stage. Re-running it replaces the previous edges.
func (s *LinkStage) Process(ctx context.Context, env *Envelope) (*Rejection, error) {
	res, err := s.resolver.Resolve(ctx, link.Input{
		DocHash:   env.Doc.ContentHash,
		SourceID:  env.Doc.SourceID,
		TopicID:   env.TopicID,
		Mentions:  env.Extract.Citations,
		CreatedAt: env.Doc.FetchedAt,
	})
	if err != nil {
		return nil, err
	}
	env.Citations = res.Facts
	env.Edges = res.Edges
	return nil, nil
}

// AuthorStage resolves author mentions to identities
type AuthorStage struct {
	resolver *author.Resolver
}

// NewAuthorStage wraps an author resolver
func NewAuthorStage(resolver *author.Resolver) *AuthorStage {
	return &AuthorStage{resolver: resolver}
}

// Name implements Stage
func (s *AuthorStage) Name() string { return StageAuthor }

// Process implements Stage. Re-running it replaces the previous author ops
// and references.
func (s *AuthorStage) Process(ctx context.Context, env *Envelope) (*Rejection, error) {
	claimIDs := make([]string, len(env.Claims))
	for i, c := range env.Claims {
		claimIDs[i] = c.FactID
	}
	res, err := s.resolver.Resolve(ctx, author.Input{
		DocHash:      env.Doc.ContentHash,
		SourceID:     env.Doc.SourceID,
		TopicID:      env.TopicID,
		Mentions:     env.Extract.Authors,
		ClaimFactIDs: claimIDs,
		CreatedAt:    env.Doc.FetchedAt,
	})
	if err != nil {
		return nil, err
	}
	env.AuthorFacts = res.Facts
	env.AuthorOps = res.Ops
	for i := range env.Claims {
		env.Claims[i].Authors = res.Refs
	}
	return nil, nil
}

// TrustStage scores every fact
type TrustStage struct {
	scorer *score.Scorer
}

// NewTrustStage wraps a trust scorer
func NewTrustStage(scorer *score.Scorer) *TrustStage {
	return &TrustStage{scorer: scorer}
}

// Name implements Stage
func (s *TrustStage) Name() string { return StageTrust }

// Process implements Stage
func (s *TrustStage) Process(ctx context.Context, env *Envelope) (*Rejection, error) {
	docSize := env.Extract.Doc.StudySize
	for _, group := range env.groups() {
		for i := range group {
			f := &group[i]
			size := f.Payload.StudySize
			if size == 0 {
				size = docSize
			}
			res := s.scorer.Calculate(score.Input{
				Source:      env.Source,
				URL:         env.Record.URL,
				Identifiers: env.Record.Identifiers,
				StudySize:   size,
				Citations:   len(env.Extract.Citations),
				Text:        f.Payload.Text,
			})
			f.TrustScore = res.Score
			env.Signals[f.FactID] = res.Signals
		}
	}
	return nil, nil
}

// IntegrityStage applies the pattern set
type IntegrityStage struct {
	gate *validate.Gate
}

// NewIntegrityStage wraps the integrity gate
func NewIntegrityStage(gate *validate.Gate) *IntegrityStage {
	return &IntegrityStage{gate: gate}
}

// Name implements Stage
func (s *IntegrityStage) Name() string { return StageIntegrity }

// Process implements Stage. A source-level reject rejects the document.
func (s *IntegrityStage) Process(ctx context.Context, env *Envelope) (*Rejection, error) {
	var verdict validate.Verdict
	for _, group := range env.groups() {
		verdict = s.gate.Apply(env.Doc.SourceID, env.Record.URL, group)
	}
	if !verdict.Rejected() {
		return nil, nil
	}
	return &Rejection{
		Stage:    StageIntegrity,
		Reason:   verdict.Reason(),
		Patterns: verdict.Patterns,
	}, nil
}

// checkOrder verifies the stage topology
func checkOrder(stages []Stage) error {
	if len(stages) != len(Order) {
		return fmt.Errorf("%w: want %d stages %v, got %d", ErrTopology, len(Order), Order, len(stages))
	}
	seen := make(map[string]bool)
	for i, s := range stages {
		if s == nil {
			return fmt.Errorf("%w: stage %d is nil", ErrTopology, i)
		}
		name := s.Name()
		if seen[name] {
			return fmt.Errorf("%w: stage %q appears twice", ErrTopology, name)
		}
		seen[name] = true
		if name != Order[i] {
			return fmt.Errorf("%w: stage %d is %q, want %q", ErrTopology, i, name, Order[i])
		}
	}
	return nil
}

// DefaultStages builds the standard stage sequence over store
func DefaultStages(store factstore.Store, cfg *model.Config, gate *validate.Gate, logger *zap.Logger) []Stage {
	return []Stage{
		NewExtractStage(extract.New(cfg.Topics, cfg.Pipeline.MaxClaims)),
		NewLinkStage(link.NewResolver(store, cfg.Pipeline.EdgeDelta)),
		NewAuthorStage(author.NewResolver(store, cfg.Authors.High, cfg.Authors.Low, logger)),
		NewTrustStage(score.NewScorer(cfg.Trust)),
		NewIntegrityStage(gate),
	}
}
