// Package paradigm watches newly committed claims for evidence that
// diverges from the current consensus and signals topics for early
// resynthesis.
package paradigm

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/model"
)

// maxHistory bounds the retained signal history
const maxHistory = 256

// ConsensusReader is the part of the consensus store the monitor reads
type ConsensusReader interface {
	Get(ctx context.Context, topicID string) (model.ConsensusEntry, bool, error)
}

// Signal asks for an early resynthesis of a topic
type Signal struct {
	TopicID   string    `json:"topic_id"`
	Score     float64   `json:"score"`
	FactIDs   []string  `json:"fact_ids"`
	Version   int64     `json:"consensus_version"`
	Scorer    string    `json:"scorer"`
	EmittedAt time.Time `json:"emitted_at"`
}

// TopicState is the monitor's view of one topic
type TopicState struct {
	TopicID string  `json:"topic_id"`
	Window  int     `json:"window"`
	Score   float64 `json:"score"`
	Pending bool    `json:"pending"`
}

// Stats are monitor counters
type Stats struct {
	Observed    int64 `json:"observed"`
	Diverging   int64 `json:"diverging"`
	Signals     int64 `json:"signals"`
	ScoreErrors int64 `json:"score_errors"`
}

type observation struct {
	at     time.Time
	factID string
	score  float64
}

// Monitor keeps a rolling divergence window per topic. When a window's sum
// reaches the threshold it emits one signal, resets the window and holds
// the topic pending until Complete.
type Monitor struct {
	consensus ConsensusReader
	scorer    Scorer
	fallback  Scorer
	config    model.ParadigmConfig
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	windows  map[string][]observation
	pending  map[string]bool
	history  []Signal
	onSignal []func(Signal)
	stats    Stats
}

// New creates a monitor. A nil scorer means lexical scoring; lexical
// scoring also stands in when the scorer fails.
func New(consensus ConsensusReader, scorer Scorer, cfg model.ParadigmConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	lexical := Lexical{MinOverlap: cfg.MinOverlap}
	if scorer == nil {
		scorer = lexical
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1
	}
	return &Monitor{
		consensus: consensus,
		scorer:    scorer,
		fallback:  lexical,
		config:    cfg,
		now:       time.Now,
		logger:    logger,
		windows:   make(map[string][]observation),
		pending:   make(map[string]bool),
	}
}

// OnSignal registers a hook run for every emitted signal
func (m *Monitor) OnSignal(fn func(Signal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSignal = append(m.onSignal, fn)
}

// Observe scores one committed fact against its topic's consensus. Only
// clear claims with a topic and an existing consensus are scored. It
// returns the signal when this fact pushed the window over the threshold.
func (m *Monitor) Observe(ctx context.Context, fact model.StructuredFact) *Signal {
	if fact.Kind != model.FactKindClaim || fact.IntegrityFlag != model.FlagClear || fact.TopicID == "" {
		return nil
	}

	m.mu.Lock()
	m.stats.Observed++
	pending := m.pending[fact.TopicID]
	m.mu.Unlock()
	if pending {
		return nil
	}

	entry, ok, err := m.consensus.Get(ctx, fact.TopicID)
	if err != nil {
		m.logger.Warn("read consensus", zap.String("topic", fact.TopicID), zap.Error(err))
		return nil
	}
	if !ok || len(entry.Summary.KeyClaims) == 0 {
		return nil
	}

	scorer := m.scorer
	score, err := scorer.Score(ctx, fact, entry.Summary.KeyClaims)
	if err != nil {
		m.logger.Debug("scorer failed, using lexical", zap.String("scorer", scorer.Name()), zap.Error(err))
		m.mu.Lock()
		m.stats.ScoreErrors++
		m.mu.Unlock()
		scorer = m.fallback
		score, _ = scorer.Score(ctx, fact, entry.Summary.KeyClaims)
	}
	divergence := score * fact.TrustScore
	if divergence <= 0 {
		return nil
	}

	now := m.now()
	m.mu.Lock()
	m.stats.Diverging++
	// Completed or pending while the scorer ran
	if m.pending[fact.TopicID] {
		m.mu.Unlock()
		return nil
	}
	window := m.prune(append(m.windows[fact.TopicID], observation{at: now, factID: fact.FactID, score: divergence}), now)
	total := sum(window)
	if total < m.config.Threshold {
		m.windows[fact.TopicID] = window
		m.mu.Unlock()
		return nil
	}

	sig := Signal{
		TopicID:   fact.TopicID,
		Score:     total,
		FactIDs:   factIDs(window),
		Version:   entry.Version,
		Scorer:    scorer.Name(),
		EmittedAt: now,
	}
	delete(m.windows, fact.TopicID)
	m.pending[fact.TopicID] = true
	m.history = append(m.history, sig)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.stats.Signals++
	hooks := append([]func(Signal){}, m.onSignal...)
	m.mu.Unlock()

	m.logger.Info("paradigm signal",
		zap.String("topic", sig.TopicID),
		zap.Float64("score", sig.Score),
		zap.Int("facts", len(sig.FactIDs)),
		zap.Int64("consensus_version", sig.Version))
	for _, fn := range hooks {
		fn(sig)
	}
	return &sig
}

// ObserveAll observes a batch and returns the emitted signals
func (m *Monitor) ObserveAll(ctx context.Context, facts []model.StructuredFact) []Signal {
	var out []Signal
	for _, f := range facts {
		if sig := m.Observe(ctx, f); sig != nil {
			out = append(out, *sig)
		}
	}
	return out
}

// Complete clears the pending mark of a topic once its resynthesis has
// finished, so it can signal again
func (m *Monitor) Complete(topicID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, topicID)
}

// Signals returns the emitted signals, oldest first
func (m *Monitor) Signals() []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Signal(nil), m.history...)
}

// Topics returns the state of every topic with a window or a pending mark
func (m *Monitor) Topics() []TopicState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ids := make(map[string]bool)
	for id := range m.windows {
		ids[id] = true
	}
	for id := range m.pending {
		ids[id] = true
	}
	out := make([]TopicState, 0, len(ids))
	for id := range ids {
		window := m.prune(m.windows[id], now)
		out = append(out, TopicState{TopicID: id, Window: len(window), Score: sum(window), Pending: m.pending[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TopicID < out[j].TopicID })
	return out
}

// Stats returns a snapshot of the counters
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// prune drops observations beyond the window size or older than the
// window duration
func (m *Monitor) prune(window []observation, now time.Time) []observation {
	if len(window) > m.config.WindowSize {
		window = window[len(window)-m.config.WindowSize:]
	}
	if m.config.WindowDuration > 0 {
		cutoff := now.Add(-m.config.WindowDuration)
		i := 0
		for i < len(window) && window[i].at.Before(cutoff) {
			i++
		}
		window = window[i:]
	}
	return window
}

func sum(window []observation) float64 {
	total := 0.0
	for _, o := range window {
		total += o.score
	}
	return total
}

func factIDs(window []observation) []string {
	ids := make([]string, len(window))
	for i, o := range window {
		ids[i] = o.factID
	}
	return ids
}
