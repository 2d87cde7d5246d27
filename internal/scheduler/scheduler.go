// Package scheduler decides which source to poll next, admits fetched
// documents through the dedup index and adapts poll intervals to source
// health.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/cache"
	"github.com/fliws/immortyx/internal/fetch"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/registry"
	"github.com/fliws/immortyx/internal/worker"
)

// ErrUnknownSource is returned for a source the scheduler never saw
var ErrUnknownSource = errors.New("scheduler: unknown source")

// AdmitResult is the dedup decision for a fetched document
type AdmitResult string

const (
	Accepted  AdmitResult = "accepted"
	Duplicate AdmitResult = "duplicate"
)

// FetchJob is one due poll of a source
type FetchJob struct {
	Source model.SourceDescriptor
	DueAt  time.Time
	Query  map[string]string
}

// Sink receives admitted documents. The pipeline dispatcher implements it.
type Sink interface {
	Submit(doc model.RawDocument, source model.SourceDescriptor)
}

// SourceHealth is the scheduling view of one source
type SourceHealth struct {
	SourceID      string        `json:"source_id"`
	Kind          string        `json:"kind"`
	Interval      time.Duration `json:"interval"`
	Baseline      time.Duration `json:"baseline"`
	NextDueAt     time.Time     `json:"next_due_at,omitempty"`
	LastPolledAt  time.Time     `json:"last_polled_at,omitempty"`
	Fetches       int64         `json:"fetches"`
	Failures      int           `json:"consecutive_failures"`
	LastError     string        `json:"last_error,omitempty"`
	InFlight      bool          `json:"in_flight"`
	Retired       bool          `json:"retired"`
	RetiredReason string        `json:"retired_reason,omitempty"`
}

// Stats are scheduler counters
type Stats struct {
	Fetches       int64     `json:"fetches"`
	FetchFailures int64     `json:"fetch_failures"`
	Admitted      int64     `json:"admitted"`
	Duplicates    int64     `json:"duplicates"`
	LastFetchAt   time.Time `json:"last_fetch_at,omitempty"`
}

// Scheduler keeps a due-time heap over the registry's active sources. A
// source is out of the heap while its fetch is in flight, so at most one
// fetch per source runs at a time.
type Scheduler struct {
	registry *registry.Registry
	fetcher  fetch.Fetcher
	dedup    *cache.DedupIndex
	sink     Sink
	limiter  *worker.Limiter
	config   model.SchedulerConfig
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	queue    dueQueue
	entries  map[string]*entry
	inFlight map[string]bool
	stats    Stats
}

// New creates a scheduler. sink may be nil when documents are consumed
// through Admit alone.
func New(reg *registry.Registry, fetcher fetch.Fetcher, dedup *cache.DedupIndex, sink Sink, cfg model.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedup == nil {
		dedup = cache.NewDedupIndex()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Scheduler{
		registry: reg,
		fetcher:  fetcher,
		dedup:    dedup,
		sink:     sink,
		limiter:  worker.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		config:   cfg,
		now:      time.Now,
		logger:   logger,
		entries:  make(map[string]*entry),
		inFlight: make(map[string]bool),
	}
}

// Schedule returns the jobs due at now in due-time order, ties by source
// id. Returned sources are in flight until Complete.
func (s *Scheduler) Schedule(now time.Time) []FetchJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncLocked(now)

	var jobs []FetchJob
	for {
		e := s.queue.peek()
		if e == nil || e.nextDueAt.After(now) {
			break
		}
		s.queue.pop()
		desc, err := s.registry.Get(e.sourceID)
		if err != nil {
			continue
		}
		s.inFlight[e.sourceID] = true
		jobs = append(jobs, FetchJob{Source: desc, DueAt: e.nextDueAt, Query: desc.Query})
	}
	return jobs
}

// syncLocked picks up newly registered or restored sources and drops
// retired ones from the heap
func (s *Scheduler) syncLocked(now time.Time) {
	live := make(map[string]bool)
	for _, d := range s.registry.Active() {
		if !d.IsEnabled() {
			continue
		}
		live[d.ID] = true
		e, ok := s.entries[d.ID]
		if !ok {
			e = &entry{sourceID: d.ID, nextDueAt: now, index: -1}
			s.entries[d.ID] = e
		}
		if e.index < 0 && !s.inFlight[d.ID] {
			if e.nextDueAt.IsZero() {
				e.nextDueAt = now
			}
			s.queue.push(e)
		}
	}
	for id, e := range s.entries {
		if !live[id] && e.index >= 0 {
			s.queue.remove(e)
			e.nextDueAt = time.Time{}
		}
	}
}

// Admit runs the dedup check for doc and hands an accepted document to the
// sink exactly once
func (s *Scheduler) Admit(doc model.RawDocument) AdmitResult {
	source, err := s.registry.Get(doc.SourceID)
	if err != nil {
		source = model.SourceDescriptor{ID: doc.SourceID}
	}
	return s.admit(doc, source)
}

func (s *Scheduler) admit(doc model.RawDocument, source model.SourceDescriptor) AdmitResult {
	if !s.dedup.TryAdmit(doc.ContentHash) {
		s.mu.Lock()
		s.stats.Duplicates++
		s.mu.Unlock()
		s.logger.Debug("duplicate document dropped",
			zap.String("doc", doc.ContentHash),
			zap.String("source", doc.SourceID),
			zap.String("native_id", doc.SourceNativeID))
		return Duplicate
	}

	s.mu.Lock()
	s.stats.Admitted++
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.Submit(doc, source)
	}
	return Accepted
}

// Complete records the outcome of a fetch. Failures multiply the poll
// interval by the backoff factor up to the maximum; success decays it back
// toward the registered baseline. A source that keeps failing is retired.
func (s *Scheduler) Complete(sourceID string, fetchErr error, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	delete(s.inFlight, sourceID)

	desc, err := s.registry.Get(sourceID)
	if err != nil {
		return fmt.Errorf("scheduler: complete %s: %w", sourceID, err)
	}

	e.lastPolledAt = now
	e.fetches++
	s.stats.Fetches++
	s.stats.LastFetchAt = now

	hint := desc.PollIntervalHint
	if fetchErr == nil {
		e.failures = 0
		e.lastError = ""
		hint = s.decay(hint, desc.BaselineInterval)
	} else {
		e.failures++
		e.lastError = fetchErr.Error()
		s.stats.FetchFailures++
		hint = s.backoff(hint)
	}
	if hint != desc.PollIntervalHint {
		if err := s.registry.Adapt(sourceID, hint, desc.PriorityWeight); err != nil {
			return fmt.Errorf("scheduler: complete %s: %w", sourceID, err)
		}
		desc.PollIntervalHint = hint
	}

	if fetchErr != nil && s.config.FailureThreshold > 0 && e.failures >= s.config.FailureThreshold {
		reason := fmt.Sprintf("unreachable after %d consecutive failures: %s", e.failures, e.lastError)
		if err := s.registry.Retire(sourceID, reason); err != nil {
			return fmt.Errorf("scheduler: complete %s: %w", sourceID, err)
		}
		s.limiter.Forget(sourceID)
		e.nextDueAt = time.Time{}
		return nil
	}
	if desc.Retired {
		e.nextDueAt = time.Time{}
		return nil
	}

	s.queue.remove(e)
	e.nextDueAt = now.Add(desc.EffectiveInterval())
	s.queue.push(e)
	return nil
}

func (s *Scheduler) backoff(hint time.Duration) time.Duration {
	factor := s.config.BackoffFactor
	if factor <= 1 {
		return hint
	}
	next := time.Duration(float64(hint) * factor)
	if s.config.MaxInterval > 0 && next > s.config.MaxInterval {
		next = max(s.config.MaxInterval, hint)
	}
	return next
}

func (s *Scheduler) decay(hint, baseline time.Duration) time.Duration {
	if baseline <= 0 || hint <= baseline {
		return hint
	}
	next := baseline + time.Duration(float64(hint-baseline)*s.config.DecayFactor)
	if next-baseline < time.Second {
		return baseline
	}
	return next
}

// abandon returns an in-flight source to the heap unchanged. Used when a
// fetch never ran because of shutdown.
func (s *Scheduler) abandon(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandonLocked(sourceID)
}

func (s *Scheduler) abandonLocked(sourceID string) {
	if !s.inFlight[sourceID] {
		return
	}
	delete(s.inFlight, sourceID)
	if e := s.entries[sourceID]; e != nil && e.index < 0 {
		s.queue.push(e)
	}
}

// Reset clears the failure state of a source, restores it in the registry
// and makes it due immediately
func (s *Scheduler) Reset(sourceID string) error {
	if err := s.registry.Restore(sourceID); err != nil {
		return fmt.Errorf("scheduler: reset: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sourceID]
	if !ok {
		e = &entry{sourceID: sourceID, index: -1}
		s.entries[sourceID] = e
	}
	e.failures = 0
	e.lastError = ""
	s.queue.remove(e)
	e.nextDueAt = s.now()
	if !s.inFlight[sourceID] {
		s.queue.push(e)
	}
	s.logger.Info("source reset", zap.String("source", sourceID))
	return nil
}

// Health returns the scheduling state of every registered source
func (s *Scheduler) Health() []SourceHealth {
	sources := s.registry.List()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SourceHealth, 0, len(sources))
	for _, d := range sources {
		h := SourceHealth{
			SourceID:      d.ID,
			Kind:          string(d.Kind),
			Interval:      d.PollIntervalHint,
			Baseline:      d.BaselineInterval,
			InFlight:      s.inFlight[d.ID],
			Retired:       d.Retired,
			RetiredReason: d.RetiredReason,
		}
		if e, ok := s.entries[d.ID]; ok {
			h.NextDueAt = e.nextDueAt
			h.LastPolledAt = e.lastPolledAt
			h.Fetches = e.fetches
			h.Failures = e.failures
			h.LastError = e.lastError
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Stats returns a snapshot of the counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run polls due sources on a worker pool every tick until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	pool := worker.NewPool(s.config.Workers)
	pool.Start()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for r := range pool.Results() {
			if err := r.GetError(); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("fetch job failed", zap.Error(err))
			}
		}
	}()

	s.logger.Info("scheduler started",
		zap.Int("workers", s.config.Workers),
		zap.Duration("tick", s.config.Tick))

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	s.dispatch(ctx, pool)
	for {
		select {
		case <-ctx.Done():
			pool.Shutdown()
			<-drained
			s.mu.Lock()
			for id := range s.inFlight {
				s.abandonLocked(id)
			}
			s.mu.Unlock()
			stats := pool.Stats()
			s.logger.Info("scheduler stopped",
				zap.Int64("fetch_jobs", stats.Completed),
				zap.Int64("failed_jobs", stats.Failed),
				zap.Int64("panicked_jobs", stats.Panicked))
			return nil
		case <-ticker.C:
			s.dispatch(ctx, pool)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, pool *worker.Pool) {
	for _, job := range s.Schedule(s.now()) {
		ok := pool.Submit(ctx, &worker.FuncJob{
			Key: job.Source.ID,
			Fn: func(context.Context) error {
				return s.fetchOne(ctx, job)
			},
		})
		if !ok {
			s.abandon(job.Source.ID)
		}
	}
}

// fetchOne polls one source and admits what it returned. Partial results
// are admitted even when the fetch also failed.
func (s *Scheduler) fetchOne(ctx context.Context, job FetchJob) error {
	id := job.Source.ID
	if err := s.limiter.Wait(ctx, id); err != nil {
		s.abandon(id)
		return err
	}

	fctx, cancel := ctx, context.CancelFunc(func() {})
	if s.config.FetchTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, s.config.FetchTimeout)
	}
	docs, err := s.fetcher.Fetch(fctx, job.Source, job.Query)
	cancel()

	if ctx.Err() != nil {
		s.abandon(id)
		return ctx.Err()
	}

	admitted := 0
	for _, doc := range docs {
		if doc.SourceID == "" {
			doc.SourceID = id
		}
		if s.admit(doc, job.Source) == Accepted {
			admitted++
		}
	}

	if cerr := s.Complete(id, err, s.now()); cerr != nil {
		s.logger.Warn("complete failed", zap.String("source", id), zap.Error(cerr))
	}

	if err != nil {
		s.logger.Warn("fetch failed",
			zap.String("source", id),
			zap.Bool("transient", fetch.IsTransient(err)),
			zap.Int("documents", len(docs)),
			zap.Error(err))
		return fmt.Errorf("scheduler: fetch %s: %w", id, err)
	}
	s.logger.Debug("fetch complete",
		zap.String("source", id),
		zap.Int("documents", len(docs)),
		zap.Int("admitted", admitted))
	return nil
}
