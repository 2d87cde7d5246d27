// Package consensus synthesizes per-topic summaries from clear facts with a
// fan-out over analyst strategies and keeps them in a versioned store.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/worker"
)

// Status is how a synthesis ended
type Status string

const (
	StatusUpdated  Status = "updated"
	StatusNoUpdate Status = "no_update"
	StatusFailed   Status = "failed"
)

// No-update reasons
const (
	ReasonInsufficientEvidence = "insufficient_evidence"
	ReasonRegression           = "regression"
)

// ErrRunning is returned by Start on an engine that is already running
var ErrRunning = errors.New("consensus: engine already started")

// FactReader is the part of the fact store synthesis reads
type FactReader interface {
	ReadClearFacts(ctx context.Context, filter factstore.FactFilter) ([]model.StructuredFact, error)
	CitationCounts(ctx context.Context, docHashes []string) (map[string]int, error)
	Fact(ctx context.Context, id string) (model.StructuredFact, error)
}

// Result is the outcome of one synthesis. Entry is the new entry on
// update and the untouched prior entry (possibly nil) on no-update.
type Result struct {
	TopicID    string                `json:"topic_id"`
	Status     Status                `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Facts      int                   `json:"facts"`
	Entry      *model.ConsensusEntry `json:"entry,omitempty"`
	Candidates []Candidate           `json:"candidates,omitempty"`
}

// Stats are engine counters
type Stats struct {
	Runs      int64     `json:"runs"`
	Updates   int64     `json:"updates"`
	NoUpdates int64     `json:"no_updates"`
	Failures  int64     `json:"failures"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// flight is one in-progress synthesis shared by every caller that asked for
// the topic while it ran
type flight struct {
	done    chan struct{}
	cancel  context.CancelFunc
	callers []context.Context
	res     Result
	err     error
}

// Engine runs synthesis. Overlapping runs for one topic collapse into one;
// different topics run concurrently.
type Engine struct {
	facts    FactReader
	store    Store
	topics   []model.Topic
	analysts []Analyst
	config   model.ConsensusConfig
	retry    worker.Backoff // triggered runs that time out
	now      func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	flights    map[string]*flight
	cron       *cron.Cron
	base       context.Context
	cancel     context.CancelFunc
	stopped    bool
	wg         sync.WaitGroup
	onComplete []func(Result)
	stats      Stats
}

// NewEngine creates an engine over the configured topics with the default
// analysts
func NewEngine(facts FactReader, store Store, topics []model.Topic, cfg model.ConsensusConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinFacts < 1 {
		cfg.MinFacts = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Engine{
		facts:    facts,
		store:    store,
		topics:   topics,
		analysts: DefaultAnalysts(cfg),
		config:   cfg,
		retry:    worker.Backoff{Attempts: 3, Base: time.Second, Max: 30 * time.Second},
		now:      time.Now,
		logger:   logger,
		flights:  make(map[string]*flight),
		base:     context.Background(),
	}
}

// SetAnalysts replaces the analyst strategies
func (e *Engine) SetAnalysts(analysts []Analyst) {
	e.analysts = analysts
}

// OnComplete registers a hook run after every finished synthesis, updated,
// unchanged or failed
func (e *Engine) OnComplete(fn func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = append(e.onComplete, fn)
}

// Topics returns the configured topic ids
func (e *Engine) Topics() []string {
	ids := make([]string, len(e.topics))
	for i, t := range e.topics {
		ids[i] = t.ID
	}
	return ids
}

// Stats returns a snapshot of the counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Synthesize recomputes the entry of one topic. Concurrent calls for the
// same topic share one run, which is abandoned only once every caller has
// cancelled or the engine stops.
func (e *Engine) Synthesize(ctx context.Context, topicID string) (Result, error) {
	f := e.join(ctx, topicID)
	stop := context.AfterFunc(ctx, func() {
		if e.abandoned(f) != nil {
			f.cancel()
		}
	})
	defer stop()

	select {
	case <-f.done:
	case <-ctx.Done():
		if e.abandoned(f) != nil {
			f.cancel()
			<-f.done
		}
		return Result{TopicID: topicID}, ctx.Err()
	}
	if f.err != nil {
		return Result{TopicID: topicID}, f.err
	}
	return f.res, nil
}

// join attaches ctx to the flight for topicID, starting one if none runs
func (e *Engine) join(ctx context.Context, topicID string) *flight {
	e.mu.Lock()
	defer e.mu.Unlock()

	if f, ok := e.flights[topicID]; ok {
		f.callers = append(f.callers, ctx)
		return f
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopBase := context.AfterFunc(e.base, cancel)
	f := &flight{done: make(chan struct{}), cancel: cancel, callers: []context.Context{ctx}}
	e.flights[topicID] = f

	go func() {
		defer close(f.done)
		defer stopBase()
		defer cancel()
		f.res, f.err = e.synthesize(runCtx, topicID, func() error { return e.abandoned(f) })

		// Callers arriving from a completion hook start a fresh run
		e.mu.Lock()
		delete(e.flights, topicID)
		hooks := append([]func(Result){}, e.onComplete...)
		e.mu.Unlock()
		for _, fn := range hooks {
			fn(f.res)
		}
	}()
	return f
}

// abandoned returns a cancellation error once no caller of f is left
func (e *Engine) abandoned(f *flight) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	for _, c := range f.callers {
		if err = c.Err(); err == nil {
			return nil
		}
	}
	return err
}

// SynthesizeAll synthesizes every configured topic with bounded
// concurrency. Results keep topic order; the first error cancels the rest.
func (e *Engine) SynthesizeAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(e.topics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, t := range e.topics {
		g.Go(func() error {
			res, err := e.Synthesize(gctx, t.ID)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) synthesize(ctx context.Context, topicID string, live func() error) (Result, error) {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	res, err := e.run(ctx, topicID, live)
	if err != nil {
		res.Status = StatusFailed
	}

	e.mu.Lock()
	e.stats.Runs++
	e.stats.LastRunAt = e.now()
	switch {
	case err != nil:
		e.stats.Failures++
	case res.Status == StatusUpdated:
		e.stats.Updates++
	default:
		e.stats.NoUpdates++
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("synthesis failed", zap.String("topic", topicID), zap.Error(err))
	}
	return res, err
}

func (e *Engine) run(ctx context.Context, topicID string, live func() error) (Result, error) {
	res := Result{TopicID: topicID, Status: StatusNoUpdate}

	prior, hasPrior, err := e.store.Get(ctx, topicID)
	if err != nil {
		return res, fmt.Errorf("consensus: %s: %w", topicID, err)
	}
	if hasPrior {
		res.Entry = &prior
	}

	facts, err := e.facts.ReadClearFacts(ctx, factstore.FactFilter{
		TopicID: topicID,
		Kinds:   []model.FactKind{model.FactKindClaim},
	})
	if err != nil {
		return res, fmt.Errorf("consensus: %s: read facts: %w", topicID, err)
	}
	res.Facts = len(facts)
	if len(facts) < e.config.MinFacts {
		res.Reason = ReasonInsufficientEvidence
		e.logger.Debug("not enough evidence",
			zap.String("topic", topicID),
			zap.Int("facts", len(facts)),
			zap.Int("min", e.config.MinFacts))
		return res, nil
	}

	citations, err := e.facts.CitationCounts(ctx, docHashes(facts))
	if err != nil {
		return res, fmt.Errorf("consensus: %s: citation counts: %w", topicID, err)
	}

	now := e.now()
	snap := NewSnapshot(topicID, facts, citations, now, e.config.ClusterThreshold, e.config.RecencyHalfLife)
	candidates, err := e.scatter(ctx, snap)
	if err != nil {
		return res, err
	}
	res.Candidates = candidates

	winner, supporting := Merge(candidates)
	entry := model.ConsensusEntry{
		TopicID: topicID,
		Summary: model.ConsensusSummary{
			DominantClaim:  winner.Claim,
			DominantKey:    winner.ClusterKey,
			Polarity:       winner.Polarity,
			Keywords:       winner.Keywords,
			KeyClaims:      keyClaims(candidates),
			WinningAnalyst: winner.Analyst,
			Candidates:     candidateViews(candidates),
		},
		SupportingFactIDs: supporting,
		EvidenceScore:     evidence(snap, supporting),
		LastSynthesizedAt: now,
		Version:           1,
	}
	entry.EvidenceLevel = e.level(entry.EvidenceScore)

	if hasPrior {
		entry.Version = prior.Version + 1
		if entry.EvidenceScore < prior.EvidenceScore {
			valid, err := e.stillValid(ctx, prior)
			if err != nil {
				return res, err
			}
			if entry.EvidenceScore < valid {
				res.Reason = ReasonRegression
				e.logger.Info("synthesis would regress, keeping prior entry",
					zap.String("topic", topicID),
					zap.Float64("evidence", entry.EvidenceScore),
					zap.Float64("prior_valid", valid))
				return res, nil
			}
		}
	}

	// A cancelled run never writes
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := live(); err != nil {
		return res, err
	}
	if err := e.store.Put(ctx, entry); err != nil {
		return res, fmt.Errorf("consensus: %s: %w", topicID, err)
	}

	res.Status = StatusUpdated
	res.Entry = &entry
	e.logger.Info("consensus updated",
		zap.String("topic", topicID),
		zap.Int64("version", entry.Version),
		zap.String("analyst", winner.Analyst),
		zap.String("evidence", string(entry.EvidenceLevel)),
		zap.Int("supporting", len(supporting)))
	return res, nil
}

// scatter runs every analyst over the snapshot and gathers the candidates
// in analyst order
func (e *Engine) scatter(ctx context.Context, snap *Snapshot) ([]Candidate, error) {
	out := make([]Candidate, len(e.analysts))
	ok := make([]bool, len(e.analysts))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range e.analysts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i], ok[i] = a.Analyze(snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var candidates []Candidate
	for i := range out {
		if ok[i] {
			candidates = append(candidates, out[i])
		}
	}
	return candidates, nil
}

// stillValid is the evidence of prior that is still backed by clear facts
func (e *Engine) stillValid(ctx context.Context, prior model.ConsensusEntry) (float64, error) {
	total := 0.0
	for _, id := range prior.SupportingFactIDs {
		f, err := e.facts.Fact(ctx, id)
		if errors.Is(err, factstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("consensus: %s: read fact %s: %w", prior.TopicID, id, err)
		}
		if f.IntegrityFlag == model.FlagClear {
			total += f.TrustScore
		}
	}
	return total, nil
}

func (e *Engine) level(score float64) model.EvidenceLevel {
	switch {
	case score >= e.config.HighEvidence:
		return model.EvidenceHigh
	case score >= e.config.ModerateEvidence:
		return model.EvidenceModerate
	default:
		return model.EvidenceLow
	}
}

// Trigger starts a synthesis of topicID in the background. It collapses
// into a run already in progress for the topic; runs that time out are
// retried with backoff.
func (e *Engine) Trigger(topicID string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	base := e.base
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		err := worker.Retry(base, e.retry, worker.IsTimeout, func(ctx context.Context) error {
			_, err := e.Synthesize(ctx, topicID)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("triggered synthesis failed", zap.String("topic", topicID), zap.Error(err))
		}
	}()
}

// Start schedules every topic on its cadence (the topic's own or the
// default). Runs started later by Trigger share ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cron != nil {
		return ErrRunning
	}

	c := cron.New()
	for _, t := range e.topics {
		spec := t.Cadence
		if spec == "" {
			spec = e.config.DefaultCadence
		}
		if spec == "" {
			continue
		}
		id := t.ID
		if _, err := c.AddFunc(spec, func() { e.Trigger(id) }); err != nil {
			return fmt.Errorf("consensus: topic %s: cadence %q: %w", t.ID, spec, err)
		}
	}

	e.base, e.cancel = context.WithCancel(ctx)
	e.stopped = false
	e.cron = c
	c.Start()
	e.logger.Info("consensus engine started", zap.Int("topics", len(e.topics)))
	return nil
}

// Stop halts the cadence, cancels running syntheses and waits for them.
// Cancelled runs write nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	c := e.cron
	cancel := e.cancel
	e.stopped = true
	e.cron = nil
	e.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func docHashes(facts []model.StructuredFact) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range facts {
		if !seen[f.SourceDocHash] {
			seen[f.SourceDocHash] = true
			out = append(out, f.SourceDocHash)
		}
	}
	return out
}

// evidence is the summed trust of the supporting facts
func evidence(s *Snapshot, ids []string) float64 {
	byID := make(map[string]float64, len(s.Facts))
	for _, f := range s.Facts {
		byID[f.FactID] = f.TrustScore
	}
	total := 0.0
	for _, id := range ids {
		total += byID[id]
	}
	return total
}

func candidateViews(candidates []Candidate) []model.CandidateView {
	out := make([]model.CandidateView, len(candidates))
	for i, c := range candidates {
		out[i] = model.CandidateView{
			Analyst:       c.Analyst,
			DominantKey:   c.ClusterKey,
			DominantClaim: c.Claim,
			Aggregate:     c.Aggregate,
			FactIDs:       c.FactIDs,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Analyst < out[j].Analyst })
	return out
}
