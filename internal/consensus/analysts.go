package consensus

import (
	"sort"

	"github.com/fliws/immortyx/internal/model"
)

// Analyst names
const (
	AnalystRecency   = "recency"
	AnalystNovelty   = "novelty"
	AnalystCitation  = "citation"
	AnalystAuthority = "authority"
	AnalystBreadth   = "breadth"
)

// Bias is an analyst's selection bias for one fact, in [0,1]
type Bias func(s *Snapshot, f model.StructuredFact) float64

// Analyst is a pure selection strategy over a snapshot. It picks the
// cluster with the highest trust-times-bias sum as its dominant claim.
type Analyst struct {
	Name   string
	Weight float64
	Bias   Bias
}

// Candidate is one analyst's proposed summary
type Candidate struct {
	Analyst    string
	ClusterKey string
	Claim      string
	Keywords   []string
	Polarity   model.Polarity
	FactIDs    []string

	// Score is the biased selection score, Aggregate the trust sum of the
	// supporting facts times the analyst weight
	Score     float64
	Aggregate float64
}

// DefaultAnalysts returns the five built-in strategies weighted by cfg. A
// missing weight counts as 1.
func DefaultAnalysts(cfg model.ConsensusConfig) []Analyst {
	weight := func(name string) float64 {
		if w, ok := cfg.Weights[name]; ok {
			return w
		}
		return 1
	}
	return []Analyst{
		{Name: AnalystRecency, Weight: weight(AnalystRecency), Bias: (*Snapshot).recency},
		{Name: AnalystNovelty, Weight: weight(AnalystNovelty), Bias: (*Snapshot).novelty},
		{Name: AnalystCitation, Weight: weight(AnalystCitation), Bias: (*Snapshot).citation},
		{Name: AnalystAuthority, Weight: weight(AnalystAuthority), Bias: func(_ *Snapshot, f model.StructuredFact) float64 {
			return f.TrustScore
		}},
		{Name: AnalystBreadth, Weight: weight(AnalystBreadth), Bias: (*Snapshot).breadth},
	}
}

// Analyze runs the analyst over s. It returns false for a snapshot without
// clusters.
func (a Analyst) Analyze(s *Snapshot) (Candidate, bool) {
	best := -1
	bestScore := 0.0
	for i, c := range s.Clusters {
		score := 0.0
		for _, f := range c.Facts {
			score += f.TrustScore * a.Bias(s, f)
		}
		if best < 0 || score > bestScore || (score == bestScore && c.Key < s.Clusters[best].Key) {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Candidate{}, false
	}

	c := s.Clusters[best]
	return Candidate{
		Analyst:    a.Name,
		ClusterKey: c.Key,
		Claim:      c.Text,
		Keywords:   c.Keywords,
		Polarity:   c.Polarity,
		FactIDs:    c.FactIDs(),
		Score:      bestScore,
		Aggregate:  c.Trust() * a.Weight,
	}, true
}

// Merge picks the candidate with the highest aggregate, ties broken by
// analyst name, and returns it with the sorted union of every candidate's
// supporting facts
func Merge(candidates []Candidate) (Candidate, []string) {
	if len(candidates) == 0 {
		return Candidate{}, nil
	}

	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c.Aggregate > winner.Aggregate || (c.Aggregate == winner.Aggregate && c.Analyst < winner.Analyst) {
			winner = c
		}
	}

	seen := make(map[string]bool)
	var union []string
	for _, c := range candidates {
		for _, id := range c.FactIDs {
			if !seen[id] {
				seen[id] = true
				union = append(union, id)
			}
		}
	}
	sort.Strings(union)
	return winner, union
}

// keyClaims folds candidates into one key claim per cluster, weighted by
// the summed aggregate of the candidates that chose it
func keyClaims(candidates []Candidate) []model.KeyClaim {
	byKey := make(map[string]*model.KeyClaim)
	var order []string
	for _, c := range candidates {
		kc, ok := byKey[c.ClusterKey]
		if !ok {
			kc = &model.KeyClaim{
				Key:      c.ClusterKey,
				Text:     c.Claim,
				Keywords: c.Keywords,
				Polarity: c.Polarity,
			}
			byKey[c.ClusterKey] = kc
			order = append(order, c.ClusterKey)
		}
		kc.Weight += c.Aggregate
	}

	out := make([]model.KeyClaim, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Key < out[j].Key
	})
	return out
}
