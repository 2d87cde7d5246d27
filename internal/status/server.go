// Package status serves the read-only query and statistics surface of a
// running node over HTTP.
package status

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/consensus"
	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/paradigm"
	"github.com/fliws/immortyx/internal/pipeline"
	"github.com/fliws/immortyx/internal/scheduler"
	"github.com/fliws/immortyx/internal/validate"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// ConsensusReader is the part of the consensus store the server reads
type ConsensusReader interface {
	Get(ctx context.Context, topicID string) (model.ConsensusEntry, bool, error)
	List(ctx context.Context) ([]model.ConsensusEntry, error)
}

// Components are the parts of the node the server reports on. Facts and
// Consensus are required; nil components are left out of /stats.
type Components struct {
	Facts      factstore.Store
	Consensus  ConsensusReader
	Scheduler  *scheduler.Scheduler
	Pipeline   *pipeline.Pipeline
	Dispatcher *pipeline.Dispatcher
	Engine     *consensus.Engine
	Monitor    *paradigm.Monitor
	Patterns   *validate.Watcher
}

// Stats is the combined view served at /stats
type Stats struct {
	StartedAt time.Time              `json:"started_at"`
	Uptime    string                 `json:"uptime"`
	Store     factstore.Stats        `json:"store"`
	Topics    int                    `json:"topics"`
	Scheduler *scheduler.Stats       `json:"scheduler,omitempty"`
	Pipeline  *pipeline.Stats        `json:"pipeline,omitempty"`
	Queue     *QueueStats            `json:"queue,omitempty"`
	Consensus *consensus.Stats       `json:"consensus,omitempty"`
	Paradigm  *paradigm.Stats        `json:"paradigm,omitempty"`
	Patterns  *validate.WatcherStats `json:"patterns,omitempty"`
}

// QueueStats describes the pipeline dispatcher backlog
type QueueStats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

// Server is the status HTTP server
type Server struct {
	c       Components
	router  *gin.Engine
	started time.Time
	logger  *zap.Logger
}

// New builds the server and its routes
func New(c Components, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		c:       c,
		router:  gin.New(),
		started: time.Now(),
		logger:  logger,
	}
	s.router.Use(gin.Recovery(), s.accessLog())

	s.router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/stats", s.stats)
	s.router.GET("/sources", s.sources)
	s.router.GET("/topics", s.topics)
	s.router.GET("/topics/:id", s.topic)
	s.router.GET("/facts/search", s.searchFacts)
	s.router.GET("/facts/:id", s.fact)
	s.router.GET("/authors/:id", s.author)
	s.router.GET("/signals", s.signals)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("status server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		s.logger.Debug("request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) stats(ctx *gin.Context) {
	storeStats, err := s.c.Facts.Stats(ctx.Request.Context())
	if err != nil {
		s.fail(ctx, err)
		return
	}
	entries, err := s.c.Consensus.List(ctx.Request.Context())
	if err != nil {
		s.fail(ctx, err)
		return
	}

	out := Stats{
		StartedAt: s.started,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Store:     storeStats,
		Topics:    len(entries),
	}
	if s.c.Scheduler != nil {
		st := s.c.Scheduler.Stats()
		out.Scheduler = &st
	}
	if s.c.Pipeline != nil {
		st := s.c.Pipeline.Stats()
		out.Pipeline = &st
	}
	if s.c.Dispatcher != nil {
		out.Queue = &QueueStats{Pending: s.c.Dispatcher.Pending(), InFlight: s.c.Dispatcher.InFlight()}
	}
	if s.c.Engine != nil {
		st := s.c.Engine.Stats()
		out.Consensus = &st
	}
	if s.c.Monitor != nil {
		st := s.c.Monitor.Stats()
		out.Paradigm = &st
	}
	if s.c.Patterns != nil {
		st := s.c.Patterns.Stats()
		out.Patterns = &st
	}
	ctx.JSON(http.StatusOK, out)
}

func (s *Server) sources(ctx *gin.Context) {
	if s.c.Scheduler == nil {
		ctx.JSON(http.StatusOK, []scheduler.SourceHealth{})
		return
	}
	ctx.JSON(http.StatusOK, s.c.Scheduler.Health())
}

func (s *Server) topics(ctx *gin.Context) {
	entries, err := s.c.Consensus.List(ctx.Request.Context())
	if err != nil {
		s.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, entries)
}

func (s *Server) topic(ctx *gin.Context) {
	id := ctx.Param("id")
	entry, ok, err := s.c.Consensus.Get(ctx.Request.Context(), id)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "no consensus for topic " + id})
		return
	}
	ctx.JSON(http.StatusOK, entry)
}

func (s *Server) searchFacts(ctx *gin.Context) {
	q := ctx.Query("q")
	if q == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(defaultSearchLimit)))
	if err != nil || limit <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxSearchLimit)

	facts, err := s.c.Facts.SearchFacts(ctx.Request.Context(), q, limit)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	if facts == nil {
		facts = []model.StructuredFact{}
	}
	ctx.JSON(http.StatusOK, gin.H{"query": q, "count": len(facts), "facts": facts})
}

// fact returns one fact with its reclassification history, flagged and
// rejected facts included
func (s *Server) fact(ctx *gin.Context) {
	id := ctx.Param("id")
	f, err := s.c.Facts.Fact(ctx.Request.Context(), id)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	events, err := s.c.Facts.Reclassifications(ctx.Request.Context(), id)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"fact": f, "reclassifications": events})
}

func (s *Server) author(ctx *gin.Context) {
	a, err := s.c.Facts.ReadAuthor(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		s.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, a)
}

func (s *Server) signals(ctx *gin.Context) {
	signals := []paradigm.Signal{}
	topics := []paradigm.TopicState{}
	if s.c.Monitor != nil {
		signals = append(signals, s.c.Monitor.Signals()...)
		topics = append(topics, s.c.Monitor.Topics()...)
	}
	ctx.JSON(http.StatusOK, gin.H{"signals": signals, "topics": topics})
}

func (s *Server) fail(ctx *gin.Context, err error) {
	if errors.Is(err, factstore.ErrNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger.Warn("status request failed", zap.String("path", ctx.Request.URL.Path), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
