// Package pipeline runs admitted documents through the validation stages
// and commits the result atomically.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/worker"
)

// ErrTopology is a missing, duplicated or misordered stage. It is fatal at
// startup.
var ErrTopology = errors.New("pipeline: invalid stage topology")

// Status is how a document left the pipeline
type Status string

const (
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
	StatusDuplicate Status = "duplicate"
)

// Outcome summarizes one processed document
type Outcome struct {
	DocHash   string     `json:"doc_hash"`
	Status    Status     `json:"status"`
	TopicID   string     `json:"topic_id,omitempty"`
	Facts     int        `json:"facts"`
	Clear     int        `json:"clear"`
	Attempts  int        `json:"attempts"`
	Rejection *Rejection `json:"rejection,omitempty"`
}

// Observer receives the clear claims of every committed document
type Observer func(ctx context.Context, facts []model.StructuredFact)

// Stats are pipeline counters
type Stats struct {
	Processed  int64 `json:"processed"`
	Committed  int64 `json:"committed"`
	Rejected   int64 `json:"rejected"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
	Conflicts  int64 `json:"conflicts"`
}

// Pipeline runs the fixed stage sequence and commits per document
type Pipeline struct {
	stages    []Stage
	store     factstore.Store
	config    model.PipelineConfig
	observers []Observer
	logger    *zap.Logger

	processed  atomic.Int64
	committed  atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	conflicts  atomic.Int64
}

// New creates a pipeline. It refuses stages that are not exactly extract,
// link, author, trust, integrity in that order.
func New(store factstore.Store, cfg model.PipelineConfig, logger *zap.Logger, stages ...Stage) (*Pipeline, error) {
	if err := checkOrder(stages); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommitAttempts <= 0 {
		cfg.CommitAttempts = 1
	}
	return &Pipeline{
		stages: stages,
		store:  store,
		config: cfg,
		logger: logger,
	}, nil
}

// Observe registers an observer for committed clear claims
func (p *Pipeline) Observe(o Observer) {
	p.observers = append(p.observers, o)
}

// Stats returns a snapshot of the counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:  p.processed.Load(),
		Committed:  p.committed.Load(),
		Rejected:   p.rejected.Load(),
		Duplicates: p.duplicates.Load(),
		Failed:     p.failed.Load(),
		Conflicts:  p.conflicts.Load(),
	}
}

// Process validates doc and commits it. A document the store already holds
// yields StatusDuplicate, not an error.
func (p *Pipeline) Process(ctx context.Context, doc model.RawDocument, source model.SourceDescriptor) (Outcome, error) {
	p.processed.Add(1)
	out, err := p.process(ctx, doc, source)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("document failed",
			zap.String("doc", doc.ContentHash),
			zap.String("source", doc.SourceID),
			zap.Error(err))
		return out, err
	}

	switch out.Status {
	case StatusCommitted:
		p.committed.Add(1)
	case StatusRejected:
		p.rejected.Add(1)
	case StatusDuplicate:
		p.duplicates.Add(1)
	}
	return out, nil
}

func (p *Pipeline) process(ctx context.Context, doc model.RawDocument, source model.SourceDescriptor) (Outcome, error) {
	out := Outcome{DocHash: doc.ContentHash}
	env := NewEnvelope(doc, source)

	if err := p.runStages(ctx, env, 0); err != nil {
		return out, err
	}

	conflicted := false
	backoff := worker.Backoff{Attempts: p.config.CommitAttempts, Base: p.config.RetryBase, Max: 5 * time.Second}
	retryable := func(err error) bool {
		return errors.Is(err, factstore.ErrConflict) || worker.IsTimeout(err)
	}

	err := worker.Retry(ctx, backoff, retryable, func(ctx context.Context) error {
		if conflicted {
			// Re-read identities and targets, then re-score the new facts
			if err := p.runStages(ctx, env, 1); err != nil {
				return err
			}
		}
		out.Attempts++

		cctx, cancel := p.storeContext(ctx)
		defer cancel()
		err := p.store.Commit(cctx, env.CommitRequest())
		conflicted = errors.Is(err, factstore.ErrConflict)
		if conflicted {
			p.conflicts.Add(1)
			p.logger.Debug("commit conflict, re-resolving", zap.String("doc", doc.ContentHash), zap.Int("attempt", out.Attempts))
		}
		return err
	})

	facts := env.Facts()
	out.TopicID = env.TopicID
	out.Facts = len(facts)
	for _, f := range facts {
		if f.IntegrityFlag == model.FlagClear {
			out.Clear++
		}
	}

	switch {
	case errors.Is(err, factstore.ErrDuplicate):
		out.Status = StatusDuplicate
		return out, nil
	case err != nil:
		return out, fmt.Errorf("pipeline: commit %s: %w", doc.ContentHash, err)
	}

	if env.Rejected() {
		out.Status = StatusRejected
		out.Rejection = env.Rejection
		p.logger.Info("document rejected",
			zap.String("doc", doc.ContentHash),
			zap.String("source", doc.SourceID),
			zap.String("reason", env.Rejection.Reason))
		return out, nil
	}

	out.Status = StatusCommitted
	p.logger.Debug("document committed", zap.String("doc", doc.ContentHash), zap.String("summary", describe(env)))

	if clear := env.ClearClaims(); len(clear) > 0 {
		for _, o := range p.observers {
			o(ctx, clear)
		}
	}
	return out, nil
}

// runStages runs the stages from index from. Store reads inside stages are
// bounded by the store timeout.
func (p *Pipeline) runStages(ctx context.Context, env *Envelope, from int) error {
	env.Rejection = nil
	for _, stage := range p.stages[from:] {
		sctx, cancel := p.storeContext(ctx)
		rej, err := stage.Process(sctx, env)
		cancel()
		if err != nil {
			return fmt.Errorf("pipeline: %s: %w", stage.Name(), err)
		}
		if rej != nil {
			env.Rejection = rej
			return nil
		}
	}
	return nil
}

func (p *Pipeline) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.config.StoreTimeout)
}
