package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fliws/immortyx/internal/extract"
	"github.com/fliws/immortyx/internal/model"
)

// Cluster is a group of claims asserting the same finding: same polarity
// and overlapping keywords
type Cluster struct {
	Key      string
	Text     string
	Keywords []string
	Polarity model.Polarity
	Facts    []model.StructuredFact
}

// FactIDs returns the sorted ids of the cluster's facts
func (c Cluster) FactIDs() []string {
	ids := make([]string, len(c.Facts))
	for i, f := range c.Facts {
		ids[i] = f.FactID
	}
	sort.Strings(ids)
	return ids
}

// Trust is the summed trust score of the cluster's facts
func (c Cluster) Trust() float64 {
	total := 0.0
	for _, f := range c.Facts {
		total += f.TrustScore
	}
	return total
}

// Snapshot is one read of a topic's clear claims. Analysts only ever see a
// snapshot, so every analyst of a run works on the same facts.
type Snapshot struct {
	TopicID   string
	Now       time.Time
	Facts     []model.StructuredFact
	Clusters  []Cluster
	Citations map[string]int // citing documents per source document hash

	halfLife     time.Duration
	maxCitations int
	docFreq      map[string]int
	clusterOf    map[string]int
	clusterDocs  []int
	totalDocs    int
}

// NewSnapshot clusters facts and precomputes what the analysts share
func NewSnapshot(topicID string, facts []model.StructuredFact, citations map[string]int, now time.Time, threshold float64, halfLife time.Duration) *Snapshot {
	s := &Snapshot{
		TopicID:   topicID,
		Now:       now,
		Facts:     facts,
		Citations: citations,
		halfLife:  halfLife,
		docFreq:   make(map[string]int),
		clusterOf: make(map[string]int),
	}
	if s.Citations == nil {
		s.Citations = map[string]int{}
	}

	docs := make(map[string]bool)
	for _, f := range facts {
		docs[f.SourceDocHash] = true
		for _, k := range factKeywords(f) {
			s.docFreq[k]++
		}
		if c := s.Citations[f.SourceDocHash]; c > s.maxCitations {
			s.maxCitations = c
		}
	}
	s.totalDocs = len(docs)

	s.Clusters = clusterFacts(facts, threshold)
	s.clusterDocs = make([]int, len(s.Clusters))
	for i, c := range s.Clusters {
		seen := make(map[string]bool)
		for _, f := range c.Facts {
			s.clusterOf[f.FactID] = i
			seen[f.SourceDocHash] = true
		}
		s.clusterDocs[i] = len(seen)
	}
	return s
}

// clusterFacts groups facts greedily in snapshot order. A fact joins the
// most similar cluster of the same polarity when the keyword Jaccard
// similarity reaches threshold.
func clusterFacts(facts []model.StructuredFact, threshold float64) []Cluster {
	var clusters []Cluster
	for _, f := range facts {
		kw := factKeywords(f)
		best, bestSim := -1, 0.0
		for i, c := range clusters {
			if c.Polarity != f.Payload.Polarity {
				continue
			}
			if sim := jaccard(kw, c.Keywords); sim >= threshold && sim > bestSim {
				best, bestSim = i, sim
			}
		}
		if best >= 0 {
			clusters[best].Facts = append(clusters[best].Facts, f)
			continue
		}
		clusters = append(clusters, Cluster{
			Text:     f.Payload.Text,
			Keywords: kw,
			Polarity: f.Payload.Polarity,
			Facts:    []model.StructuredFact{f},
		})
	}

	used := make(map[string]int)
	for i := range clusters {
		key := clusterKey(clusters[i])
		used[key]++
		if n := used[key]; n > 1 {
			key = fmt.Sprintf("%s#%d", key, n)
		}
		clusters[i].Key = key
	}
	return clusters
}

// clusterKey names a cluster by polarity and its leading keywords
func clusterKey(c Cluster) string {
	kw := append([]string(nil), c.Keywords...)
	if len(kw) > 4 {
		kw = kw[:4]
	}
	sort.Strings(kw)
	sign := "+"
	if c.Polarity == model.PolarityNegative {
		sign = "-"
	}
	return sign + strings.Join(kw, "+")
}

func factKeywords(f model.StructuredFact) []string {
	if len(f.Payload.Keywords) > 0 {
		out := make([]string, len(f.Payload.Keywords))
		for i, k := range f.Payload.Keywords {
			out[i] = strings.ToLower(k)
		}
		return out
	}
	return extract.Keywords(f.Payload.Text, 12)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, x := range b {
		if seen[x] {
			continue
		}
		seen[x] = true
		if set[x] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func (s *Snapshot) recency(f model.StructuredFact) float64 {
	if s.halfLife <= 0 {
		return 1
	}
	age := s.Now.Sub(f.CreatedAt)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(s.halfLife))
}

func (s *Snapshot) novelty(f model.StructuredFact) float64 {
	kw := factKeywords(f)
	if len(kw) == 0 {
		return 0
	}
	total := 0.0
	for _, k := range kw {
		if df := s.docFreq[k]; df > 0 {
			total += 1 / float64(df)
		}
	}
	return total / float64(len(kw))
}

func (s *Snapshot) citation(f model.StructuredFact) float64 {
	return float64(1+s.Citations[f.SourceDocHash]) / float64(1+s.maxCitations)
}

func (s *Snapshot) breadth(f model.StructuredFact) float64 {
	i, ok := s.clusterOf[f.FactID]
	if !ok || s.totalDocs == 0 {
		return 0
	}
	return float64(s.clusterDocs[i]) / float64(s.totalDocs)
}
