// Package app wires the components of a node together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fliws/immortyx/internal/author"
	"github.com/fliws/immortyx/internal/cache"
	"github.com/fliws/immortyx/internal/consensus"
	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/fetch"
	"github.com/fliws/immortyx/internal/fetch/httpfetch"
	"github.com/fliws/immortyx/internal/llm"
	"github.com/fliws/immortyx/internal/logging"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/paradigm"
	"github.com/fliws/immortyx/internal/pipeline"
	"github.com/fliws/immortyx/internal/registry"
	"github.com/fliws/immortyx/internal/scheduler"
	"github.com/fliws/immortyx/internal/status"
	"github.com/fliws/immortyx/internal/validate"
	"github.com/fliws/immortyx/internal/worker"
)

// App is a fully wired node
type App struct {
	Config *model.Config
	Logger *zap.Logger

	Facts      factstore.Store
	Consensus  consensus.Store
	Registry   *registry.Registry
	Dedup      *cache.DedupIndex
	Gate       *validate.Gate
	Watcher    *validate.Watcher
	Authors    *author.Resolver
	Pipeline   *pipeline.Pipeline
	Dispatcher *pipeline.Dispatcher
	Scheduler  *scheduler.Scheduler
	Engine     *consensus.Engine
	Monitor    *paradigm.Monitor
	Status     *status.Server

	// Fetcher serves source kinds; callers may Handle more kinds before Run
	Fetcher *fetch.Mux
}

// Options adjust New
type Options struct {
	// Fetcher replaces the HTTP fetcher as the fallback for every kind
	Fetcher fetch.Fetcher
}

// New opens the stores and builds every component. Topology, pattern-set
// and configuration errors are returned here and are fatal.
func New(ctx context.Context, cfg *model.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	logger = logging.OrNop(logger)
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	// Sources
	a.Registry = registry.New(logger.Named("registry"))
	if cfg.SourcesFile != "" {
		n, err := a.Registry.LoadFile(cfg.SourcesFile)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded source catalog", zap.String("path", cfg.SourcesFile), zap.Int("sources", n))
	}
	if _, err := a.Registry.RegisterAll(cfg.Sources); err != nil {
		return nil, err
	}

	// Admission index, seeded from committed documents so a restart does
	// not admit them again
	a.Dedup = cache.NewDedupIndex()
	hashes, err := a.Facts.DocumentHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: seed dedup index: %w", err)
	}
	a.Dedup.Seed(hashes)

	if err := a.buildGate(); err != nil {
		return nil, err
	}

	// Pipeline
	a.Pipeline, err = pipeline.New(a.Facts, cfg.Pipeline, logger.Named("pipeline"),
		pipeline.DefaultStages(a.Facts, cfg, a.Gate, logger.Named("author"))...)
	if err != nil {
		return nil, err
	}
	a.Authors = author.NewResolver(a.Facts, cfg.Authors.High, cfg.Authors.Low, logger.Named("author"))
	a.Dispatcher = pipeline.NewDispatcher(a.Pipeline, cfg.Pipeline.MaxInFlight, func(doc model.RawDocument, err error) {
		// Let a later poll admit it again
		a.Dedup.Release(doc.ContentHash)
	}, logger.Named("dispatcher"))

	// Fetching and scheduling
	if err := a.buildFetcher(opts); err != nil {
		return nil, err
	}
	a.Scheduler = scheduler.New(a.Registry, a.Fetcher, a.Dedup, a.Dispatcher, cfg.Scheduler, logger.Named("scheduler"))

	// Synthesis and divergence monitoring
	a.Engine = consensus.NewEngine(a.Facts, a.Consensus, cfg.Topics, cfg.Consensus, logger.Named("consensus"))
	scorer, err := a.buildScorer()
	if err != nil {
		return nil, err
	}
	a.Monitor = paradigm.New(a.Consensus, scorer, cfg.Paradigm, logger.Named("paradigm"))

	a.Pipeline.Observe(func(ctx context.Context, facts []model.StructuredFact) {
		a.Monitor.ObserveAll(ctx, facts)
	})
	a.Monitor.OnSignal(func(sig paradigm.Signal) {
		a.Engine.Trigger(sig.TopicID)
	})
	a.Engine.OnComplete(func(res consensus.Result) {
		a.Monitor.Complete(res.TopicID)
	})

	if cfg.Integrity.Watch && cfg.Integrity.PatternFile != "" {
		a.Watcher, err = validate.NewWatcher(cfg.Integrity.PatternFile, a.Gate, a.basePatterns(), a.rescan, logger.Named("patterns"))
		if err != nil {
			return nil, fmt.Errorf("app: pattern watcher: %w", err)
		}
	}

	a.Status = status.New(status.Components{
		Facts:      a.Facts,
		Consensus:  a.Consensus,
		Scheduler:  a.Scheduler,
		Pipeline:   a.Pipeline,
		Dispatcher: a.Dispatcher,
		Engine:     a.Engine,
		Monitor:    a.Monitor,
		Patterns:   a.Watcher,
	}, logger.Named("status"))

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	switch strings.ToLower(a.Config.Store.Driver) {
	case "", "memory":
		a.Facts = factstore.NewMemory()
		a.Consensus = consensus.NewMemoryStore()
	case "sqlite":
		facts, err := factstore.OpenSQLite(ctx, a.Config.Store.Path)
		if err != nil {
			return err
		}
		a.Facts = facts
		store, err := consensus.OpenGorm(a.Config.Store.ConsensusPath)
		if err != nil {
			return err
		}
		a.Consensus = store
	default:
		return fmt.Errorf("app: unknown store driver %q (supported: memory, sqlite)", a.Config.Store.Driver)
	}
	return nil
}

func (a *App) basePatterns() []model.PseudosciencePattern {
	if a.Config.Integrity.Builtins {
		return validate.Builtins()
	}
	return nil
}

func (a *App) buildGate() error {
	patterns := a.basePatterns()
	if path := a.Config.Integrity.PatternFile; path != "" {
		loaded, err := validate.LoadPatternFile(path)
		switch {
		case err == nil:
			patterns = append(patterns, loaded...)
		case errors.Is(err, os.ErrNotExist) && a.Config.Integrity.Watch:
			a.Logger.Warn("pattern file not found yet", zap.String("path", path))
		default:
			return err
		}
	}
	set, err := validate.NewPatternSet(patterns)
	if err != nil {
		return err
	}
	a.Gate = validate.NewGate(set, a.Logger.Named("integrity"))
	return nil
}

func (a *App) buildFetcher(opts Options) error {
	fallback := opts.Fetcher
	if fallback == nil {
		limiter := worker.NewLimiter(a.Config.Scheduler.RateLimit, a.Config.Scheduler.RateBurst)
		responses := cache.NewLayeredCache(a.Config.HTTP.CacheTTL, a.Config.HTTP.CacheDir, a.Config.HTTP.CacheTTL)
		client, err := httpfetch.NewClient(a.Config.HTTP, limiter, responses, a.Logger.Named("http"))
		if err != nil {
			return fmt.Errorf("app: http client: %w", err)
		}
		fallback = httpfetch.NewFetcher(client, a.Config.HTTP.Readability, a.Logger.Named("http"))
	}
	a.Fetcher = fetch.NewMux(fallback)
	return nil
}

func (a *App) buildScorer() (paradigm.Scorer, error) {
	switch strings.ToLower(a.Config.Paradigm.Judge) {
	case "", "lexical":
		return nil, nil
	case "llm":
		provider, err := llm.NewProvider(llm.ConfigFromModel(a.Config.LLM, a.Config.HTTP), a.Logger.Named("llm"))
		if err != nil {
			return nil, err
		}
		if provider == nil {
			a.Logger.Warn("llm judge requested without a provider, using lexical scoring")
			return nil, nil
		}
		return paradigm.Judge{Provider: provider}, nil
	default:
		return nil, fmt.Errorf("app: unknown paradigm judge %q (supported: lexical, llm)", a.Config.Paradigm.Judge)
	}
}

// rescan upgrades committed facts matching newly added patterns and, when
// anything changed, resynthesizes every topic
func (a *App) rescan(ctx context.Context, added []model.PseudosciencePattern) {
	report, err := a.Gate.Rescan(ctx, a.Facts, added)
	if err != nil {
		a.Logger.Error("pattern rescan failed", zap.Error(err))
		return
	}
	a.Logger.Info("pattern rescan",
		zap.Int("patterns", len(added)),
		zap.Int("scanned", report.Scanned),
		zap.Int("flagged", report.Flagged),
		zap.Int("rejected", report.Rejected))
	if report.Flagged+report.Rejected == 0 {
		return
	}
	for _, id := range a.Engine.Topics() {
		a.Engine.Trigger(id)
	}
}

// Run starts every long-running component and blocks until ctx is done
func (a *App) Run(ctx context.Context) error {
	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			return fmt.Errorf("app: watch patterns: %w", err)
		}
		defer a.Watcher.Stop()
	}
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	defer a.Engine.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})
	if a.Config.Authors.ResolveInterval > 0 {
		g.Go(func() error {
			a.resolveAuthors(gctx)
			return nil
		})
	}
	if a.Config.Status.Enabled {
		g.Go(func() error {
			return a.Status.Run(gctx, a.Config.Status.Addr)
		})
	}

	a.Logger.Info("node started",
		zap.Int("sources", len(a.Registry.Active())),
		zap.Int("topics", len(a.Config.Topics)),
		zap.Int("known_documents", a.Dedup.Len()))
	return g.Wait()
}

// resolveAuthors periodically retries deferred author resolutions
func (a *App) resolveAuthors(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Authors.ResolveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.Authors.ResolvePending(ctx)
			if err != nil {
				a.Logger.Warn("resolve pending authors", zap.Error(err))
				continue
			}
			if report.Examined > 0 {
				a.Logger.Info("resolved pending authors",
					zap.Int("examined", report.Examined),
					zap.Int("merged", report.Merged),
					zap.Int("promoted", report.Promoted))
			}
		}
	}
}

// Ingest admits and processes one document synchronously, outside the
// scheduler. A document already admitted yields StatusDuplicate.
func (a *App) Ingest(ctx context.Context, doc model.RawDocument, source model.SourceDescriptor) (pipeline.Outcome, error) {
	if !a.Dedup.TryAdmit(doc.ContentHash) {
		return pipeline.Outcome{DocHash: doc.ContentHash, Status: pipeline.StatusDuplicate}, nil
	}
	out, err := a.Pipeline.Process(ctx, doc, source)
	if err != nil {
		a.Dedup.Release(doc.ContentHash)
	}
	return out, err
}

// Close stops the pattern watcher and closes the stores
func (a *App) Close() error {
	if a.Watcher != nil {
		a.Watcher.Stop()
	}
	var errs []error
	if a.Facts != nil {
		errs = append(errs, a.Facts.Close())
	}
	if a.Consensus != nil {
		errs = append(errs, a.Consensus.Close())
	}
	return errors.Join(errs...)
}
