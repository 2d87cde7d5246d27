package extract

import (
	"sort"
	"strings"

	"github.com/fliws/immortyx/internal/model"
)

// TopicAssigner maps claim text to configured topics
type TopicAssigner struct {
	topics []model.Topic
}

// NewTopicAssigner creates an assigner over topics. Topic keywords match
// case-insensitively as substrings.
func NewTopicAssigner(topics []model.Topic) *TopicAssigner {
	sorted := append([]model.Topic(nil), topics...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &TopicAssigner{topics: sorted}
}

// Assign returns the topic with the most keyword hits in text, ties broken
// by topic id. Without hits, hinted topics are tried in order (when they are
// configured), then fallback.
func (a *TopicAssigner) Assign(text string, hints []string, fallback string) string {
	lower := strings.ToLower(text)

	best, bestHits := "", 0
	for _, t := range a.topics {
		hits := 0
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = t.ID, hits
		}
	}
	if best != "" {
		return best
	}

	for _, h := range hints {
		if a.Known(h) {
			return h
		}
	}
	return fallback
}

// Known reports whether id is a configured topic
func (a *TopicAssigner) Known(id string) bool {
	for _, t := range a.topics {
		if t.ID == id {
			return true
		}
	}
	return false
}
