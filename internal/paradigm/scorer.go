package paradigm

import (
	"context"
	"fmt"

	"github.com/fliws/immortyx/internal/extract"
	"github.com/fliws/immortyx/internal/llm"
	"github.com/fliws/immortyx/internal/model"
)

// Scorer rates how strongly a claim fact contradicts a topic's key claims,
// in [0,1]
type Scorer interface {
	Name() string
	Score(ctx context.Context, fact model.StructuredFact, claims []model.KeyClaim) (float64, error)
}

// Lexical scores a contradiction as keyword overlap with a key claim of
// opposite polarity. Overlap below MinOverlap counts as unrelated.
type Lexical struct {
	MinOverlap float64
}

// Name implements Scorer
func (Lexical) Name() string { return "lexical" }

// Score implements Scorer
func (l Lexical) Score(_ context.Context, fact model.StructuredFact, claims []model.KeyClaim) (float64, error) {
	keywords := factKeywords(fact)
	best := 0.0
	for _, c := range claims {
		if !opposite(fact.Payload.Polarity, c.Polarity) {
			continue
		}
		if o := overlap(keywords, c.Keywords); o >= l.MinOverlap && o > best {
			best = o
		}
	}
	return best, nil
}

// Judge asks a language model to score the claims the fact shares a
// keyword with. Claims without any shared keyword are not sent.
type Judge struct {
	Provider llm.Provider
}

// Name implements Scorer
func (j Judge) Name() string { return "llm:" + j.Provider.Name() }

// Score implements Scorer
func (j Judge) Score(ctx context.Context, fact model.StructuredFact, claims []model.KeyClaim) (float64, error) {
	keywords := factKeywords(fact)
	best := 0.0
	for _, c := range claims {
		if overlap(keywords, c.Keywords) == 0 {
			continue
		}
		resp, err := j.Provider.Judge(ctx, llm.JudgeRequest{Claim: c.Text, Evidence: fact.Payload.Text})
		if err != nil {
			return 0, fmt.Errorf("paradigm: judge %s: %w", c.Key, err)
		}
		best = max(best, resp.Score)
	}
	return best, nil
}

func opposite(a, b model.Polarity) bool {
	return a != model.PolarityNeutral && b != model.PolarityNeutral && a != b
}

func factKeywords(f model.StructuredFact) []string {
	if len(f.Payload.Keywords) > 0 {
		return f.Payload.Keywords
	}
	return extract.Keywords(f.Payload.Text, 12)
}

// overlap is the overlap coefficient |a∩b| / min(|a|,|b|)
func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	shared := 0
	seen := make(map[string]bool, len(b))
	for _, k := range b {
		if set[k] && !seen[k] {
			shared++
		}
		seen[k] = true
	}
	return float64(shared) / float64(min(len(set), len(seen)))
}
