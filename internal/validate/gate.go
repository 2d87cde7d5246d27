// Package validate is the integrity gate: it matches facts and their
// sources against the negative-knowledge pattern set.
package validate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
)

// RescanActor is recorded on reclassifications made by a rescan
const RescanActor = "integrity-rescan"

// Verdict is the gate's decision for a document's source
type Verdict struct {
	Flag     model.IntegrityFlag
	Patterns []string
}

// Rejected reports whether the source is rejected outright
func (v Verdict) Rejected() bool {
	return v.Flag == model.FlagRejected
}

// Reason describes the verdict for logs and document records
func (v Verdict) Reason() string {
	if len(v.Patterns) == 0 {
		return ""
	}
	return "pattern:" + strings.Join(v.Patterns, ",")
}

// Gate applies the current pattern set. The set only grows.
type Gate struct {
	mu         sync.RWMutex
	set        *PatternSet
	maxWorkers int
	logger     *zap.Logger
}

// NewGate creates a gate over set
func NewGate(set *PatternSet, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{set: set, maxWorkers: 8, logger: logger}
}

// Patterns returns the current patterns
func (g *Gate) Patterns() []model.PseudosciencePattern {
	return g.current().Patterns()
}

func (g *Gate) current() *PatternSet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.set
}

// Extend swaps in a grown pattern set and returns the added patterns. A set
// that drops or edits existing patterns is refused and the current set is
// kept.
func (g *Gate) Extend(next []model.PseudosciencePattern) ([]model.PseudosciencePattern, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	grown, added, err := g.set.Extend(next)
	if err != nil {
		return nil, err
	}
	g.set = grown
	return added, nil
}

// Apply sets the integrity flag of every fact of one document. Text
// matches flag or reject individual facts; a source match applies to every
// fact of the document. The returned verdict is the source-level one.
func (g *Gate) Apply(sourceID, rawURL string, facts []model.StructuredFact) Verdict {
	set := g.current()

	sourceFlag, sourceIDs := Worst(set.MatchSource(sourceID, rawURL))
	for i := range facts {
		flag, ids := Worst(set.MatchText(facts[i].Payload.Text))
		if sourceFlag.Rank() > flag.Rank() {
			flag = sourceFlag
		}
		facts[i].IntegrityFlag = flag
		facts[i].Payload.MatchedPatterns = mergeIDs(ids, sourceIDs)
	}
	return Verdict{Flag: sourceFlag, Patterns: sourceIDs}
}

// Store is the part of the fact store a rescan needs
type Store interface {
	ReadClearFacts(ctx context.Context, filter factstore.FactFilter) ([]model.StructuredFact, error)
	Document(ctx context.Context, hash string) (model.DocumentRecord, error)
	Reclassify(ctx context.Context, req factstore.ReclassifyRequest) (*model.ReclassificationEvent, error)
}

// RescanReport summarizes a rescan
type RescanReport struct {
	Scanned  int `json:"scanned"`
	Flagged  int `json:"flagged"`
	Rejected int `json:"rejected"`
	Errors   int `json:"errors"`
}

// Rescan matches clear and flagged facts against added patterns and
// upgrades the ones whose worst match is stricter than their current flag.
// Facts are reclassified concurrently, bounded by maxWorkers.
func (g *Gate) Rescan(ctx context.Context, store Store, added []model.PseudosciencePattern) (RescanReport, error) {
	var report RescanReport
	if len(added) == 0 {
		return report, nil
	}
	set, err := NewPatternSet(added)
	if err != nil {
		return report, err
	}

	facts, err := store.ReadClearFacts(ctx, factstore.FactFilter{Flagged: true})
	if err != nil {
		return report, fmt.Errorf("validate: rescan read: %w", err)
	}
	report.Scanned = len(facts)

	urls := make(map[string]string)
	urlOf := func(hash string) string {
		if u, ok := urls[hash]; ok {
			return u
		}
		doc, err := store.Document(ctx, hash)
		if err != nil {
			g.logger.Warn("rescan: document lookup failed", zap.String("doc", hash), zap.Error(err))
		}
		urls[hash] = doc.URL
		return doc.URL
	}

	var jobs []factstore.ReclassifyRequest
	for _, f := range facts {
		matches := append(set.MatchText(f.Payload.Text), set.MatchSource(f.SourceID, urlOf(f.SourceDocHash))...)
		flag, ids := Worst(matches)
		if flag.Rank() <= f.IntegrityFlag.Rank() {
			continue
		}
		jobs = append(jobs, factstore.ReclassifyRequest{
			FactID: f.FactID,
			To:     flag,
			Reason: Verdict{Flag: flag, Patterns: ids}.Reason(),
			Actor:  RescanActor,
		})
	}

	results := make([]error, len(jobs))
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, g.maxWorkers)

	for i, req := range jobs {
		wg.Add(1)
		go func(idx int, req factstore.ReclassifyRequest) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				results[idx] = ctx.Err()
				return
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			_, results[idx] = store.Reclassify(ctx, req)
		}(i, req)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			report.Errors++
			g.logger.Warn("rescan: reclassify failed", zap.String("fact", jobs[i].FactID), zap.Error(err))
			continue
		}
		if jobs[i].To == model.FlagRejected {
			report.Rejected++
		} else {
			report.Flagged++
		}
	}

	g.logger.Info("integrity rescan complete",
		zap.Int("patterns", len(added)),
		zap.Int("scanned", report.Scanned),
		zap.Int("flagged", report.Flagged),
		zap.Int("rejected", report.Rejected))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func mergeIDs(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, id := range append(append([]string(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
