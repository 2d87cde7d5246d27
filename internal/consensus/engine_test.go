package consensus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/worker"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() model.ConsensusConfig {
	cfg := model.DefaultConfig().Consensus
	cfg.MinFacts = 3
	cfg.Timeout = 5 * time.Second
	return cfg
}

var topics = []model.Topic{{ID: "rapamycin", Keywords: []string{"rapamycin"}}}

type claimSpec struct {
	id       string
	text     string
	keywords []string
	polarity model.Polarity
	trust    float64
}

// commitDoc commits one document holding the given claims
func commitDoc(t *testing.T, store factstore.Store, hash string, claims ...claimSpec) {
	t.Helper()
	req := factstore.CommitRequest{
		Document: model.DocumentRecord{
			ContentHash: hash,
			SourceID:    "pubmed",
			Outcome:     model.OutcomeCommitted,
			FetchedAt:   t0,
		},
	}
	for i, c := range claims {
		polarity := c.polarity
		if polarity == 0 {
			polarity = model.PolarityPositive
		}
		req.Facts = append(req.Facts, model.StructuredFact{
			FactID:        c.id,
			SourceDocHash: hash,
			SourceID:      "pubmed",
			Kind:          model.FactKindClaim,
			TopicID:       "rapamycin",
			Payload: model.FactPayload{
				Text:     c.text,
				Sentence: i,
				Keywords: c.keywords,
				Polarity: polarity,
			},
			TrustScore:    c.trust,
			IntegrityFlag: model.FlagClear,
			CreatedAt:     t0,
		})
	}
	require.NoError(t, store.Commit(context.Background(), req))
}

func newEngine(t *testing.T, facts FactReader) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	e := NewEngine(facts, store, topics, testConfig(), nil)
	e.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return e, store
}

// markerAnalyst prefers the claims containing marker
func markerAnalyst(name, marker string, weight float64) Analyst {
	return Analyst{
		Name:   name,
		Weight: weight,
		Bias: func(_ *Snapshot, f model.StructuredFact) float64 {
			if strings.Contains(f.Payload.Text, marker) {
				return 1
			}
			return 0
		},
	}
}

func TestSynthesize_InsufficientEvidenceKeepsPrior(t *testing.T) {
	ctx := context.Background()
	facts := factstore.NewMemory()
	commitDoc(t, facts, "doc-a",
		claimSpec{id: "a1", text: "Rapamycin extended lifespan in mice.", keywords: []string{"rapamycin", "extended", "lifespan", "mice"}, trust: 0.8},
		claimSpec{id: "a2", text: "Rapamycin inhibited mTOR in liver.", keywords: []string{"rapamycin", "inhibited", "mtor", "liver"}, trust: 0.7},
	)
	e, store := newEngine(t, facts)

	res, err := e.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	assert.Equal(t, StatusNoUpdate, res.Status)
	assert.Equal(t, ReasonInsufficientEvidence, res.Reason)
	assert.Nil(t, res.Entry)
	_, ok, err := store.Get(ctx, "rapamycin")
	require.NoError(t, err)
	assert.False(t, ok, "no entry is created from too little evidence")

	prior := sampleEntry("rapamycin", 4)
	require.NoError(t, store.Put(ctx, prior))

	res, err = e.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	assert.Equal(t, StatusNoUpdate, res.Status)
	require.NotNil(t, res.Entry)
	assert.Equal(t, int64(4), res.Entry.Version)

	got, _, err := store.Get(ctx, "rapamycin")
	require.NoError(t, err)
	assert.Equal(t, prior, got)
}

func TestSynthesize_FiveAnalystsDisagree(t *testing.T) {
	ctx := context.Background()
	facts := factstore.NewMemory()
	commitDoc(t, facts, "doc-a",
		claimSpec{id: "f-alpha", text: "alpha: rapamycin extended lifespan", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.9},
		claimSpec{id: "f-beta", text: "beta: metformin reduced mortality", keywords: []string{"metformin", "reduced", "mortality"}, trust: 0.5},
	)
	commitDoc(t, facts, "doc-b",
		claimSpec{id: "f-gamma", text: "gamma: taurine improved healthspan", keywords: []string{"taurine", "improved", "healthspan"}, trust: 0.6},
		claimSpec{id: "f-delta", text: "delta: spermidine activated autophagy", keywords: []string{"spermidine", "activated", "autophagy"}, trust: 0.7},
		claimSpec{id: "f-eps", text: "epsilon: fasting delayed senescence", keywords: []string{"fasting", "delayed", "senescence"}, trust: 0.8},
	)
	e, store := newEngine(t, facts)
	e.SetAnalysts([]Analyst{
		markerAnalyst("a-recency", "alpha", 1.0),
		markerAnalyst("b-novelty", "beta", 2.0),
		markerAnalyst("c-citation", "gamma", 1.0),
		markerAnalyst("d-authority", "delta", 1.0),
		markerAnalyst("e-breadth", "epsilon", 1.0),
	})

	res, err := e.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, res.Status)
	require.Len(t, res.Candidates, 5)

	keys := make(map[string]bool)
	for _, c := range res.Candidates {
		keys[c.ClusterKey] = true
	}
	assert.Len(t, keys, 5, "every analyst picked a different dominant claim")

	entry := res.Entry
	require.NotNil(t, entry)
	assert.Equal(t, "b-novelty", entry.Summary.WinningAnalyst, "0.5 trust x 2.0 weight beats 0.9 x 1.0")
	assert.Equal(t, "beta: metformin reduced mortality", entry.Summary.DominantClaim)
	assert.Equal(t, []string{"f-alpha", "f-beta", "f-delta", "f-eps", "f-gamma"}, entry.SupportingFactIDs)
	assert.InDelta(t, 3.5, entry.EvidenceScore, 1e-9)
	assert.Equal(t, model.EvidenceModerate, entry.EvidenceLevel)
	assert.Equal(t, int64(1), entry.Version)
	assert.Len(t, entry.Summary.Candidates, 5)
	assert.Equal(t, entry.Summary.DominantKey, entry.Summary.KeyClaims[0].Key)

	stored, ok, err := store.Get(ctx, "rapamycin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *entry, stored)
}

func TestSynthesize_DefaultAnalysts(t *testing.T) {
	ctx := context.Background()
	facts := factstore.NewMemory()
	commitDoc(t, facts, "doc-a",
		claimSpec{id: "p1", text: "Rapamycin extended lifespan in male mice.", keywords: []string{"rapamycin", "extended", "lifespan", "male", "mice"}, trust: 0.8},
		claimSpec{id: "n1", text: "Rapamycin did not extend lifespan in flies.", keywords: []string{"rapamycin", "extend", "lifespan", "flies"}, polarity: model.PolarityNegative, trust: 0.6},
	)
	commitDoc(t, facts, "doc-b",
		claimSpec{id: "p2", text: "Rapamycin extended lifespan in female mice.", keywords: []string{"rapamycin", "extended", "lifespan", "female", "mice"}, trust: 0.9},
	)
	commitDoc(t, facts, "doc-c",
		claimSpec{id: "p3", text: "Rapamycin extended lifespan in old mice.", keywords: []string{"rapamycin", "extended", "lifespan", "old", "mice"}, trust: 0.7},
	)
	e, _ := newEngine(t, facts)

	res, err := e.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, res.Status)
	require.Len(t, res.Candidates, 5)

	entry := res.Entry
	assert.Equal(t, model.PolarityPositive, entry.Summary.Polarity)
	assert.Contains(t, entry.Summary.DominantClaim, "extended lifespan")

	best := 0.0
	supporting := make(map[string]bool)
	for _, id := range entry.SupportingFactIDs {
		supporting[id] = true
	}
	for _, c := range res.Candidates {
		best = max(best, c.Aggregate)
		for _, id := range c.FactIDs {
			assert.True(t, supporting[id], "%s's fact %s is retained", c.Analyst, id)
		}
	}
	for _, c := range entry.Summary.Candidates {
		if c.Analyst == entry.Summary.WinningAnalyst {
			assert.Equal(t, best, c.Aggregate)
		}
	}

	again, err := e.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, again.Status)
	assert.Equal(t, int64(2), again.Entry.Version)
}

func TestSynthesize_RegressionKeepsPrior(t *testing.T) {
	ctx := context.Background()
	facts := factstore.NewMemory()
	commitDoc(t, facts, "doc-a",
		claimSpec{id: "a1", text: "alpha: rapamycin extended lifespan", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.9},
		claimSpec{id: "b1", text: "beta: metformin reduced mortality", keywords: []string{"metformin", "reduced", "mortality"}, trust: 0.8},
		claimSpec{id: "b2", text: "beta: metformin reduced mortality in adults", keywords: []string{"metformin", "reduced", "mortality", "adults"}, trust: 0.7},
	)
	e, store := newEngine(t, facts)
	e.SetAnalysts([]Analyst{markerAnalyst("alpha", "alpha", 1), markerAnalyst("beta", "beta", 1)})

	first, err := e.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, first.Status)
	assert.InDelta(t, 2.4, first.Entry.EvidenceScore, 1e-9)

	// Narrower synthesis while the earlier evidence is still clear
	e.SetAnalysts([]Analyst{markerAnalyst("alpha", "alpha", 1)})
	res, err := e.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	assert.Equal(t, StatusNoUpdate, res.Status)
	assert.Equal(t, ReasonRegression, res.Reason)
	got, _, err := store.Get(ctx, "rapamycin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	// Once the beta claims are flagged the lower evidence is the truth
	for _, id := range []string{"b1", "b2"} {
		_, err := facts.Reclassify(ctx, factstore.ReclassifyRequest{FactID: id, To: model.FlagFlagged, Reason: "pattern:local.test", Actor: "test"})
		require.NoError(t, err)
	}
	e.SetAnalysts([]Analyst{markerAnalyst("alpha", "alpha", 1), markerAnalyst("beta", "beta", 1)})
	e.config.MinFacts = 1

	res, err = e.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, int64(2), res.Entry.Version)
	assert.Equal(t, []string{"a1"}, res.Entry.SupportingFactIDs)
}

// blockingReader holds ReadClearFacts until released
type blockingReader struct {
	*factstore.Memory
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReader) ReadClearFacts(ctx context.Context, filter factstore.FactFilter) ([]model.StructuredFact, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	return b.Memory.ReadClearFacts(ctx, filter)
}

func TestSynthesize_OverlappingTriggersCollapse(t *testing.T) {
	mem := factstore.NewMemory()
	commitDoc(t, mem, "doc-a",
		claimSpec{id: "a1", text: "Rapamycin extended lifespan.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.9},
		claimSpec{id: "a2", text: "Rapamycin extended lifespan again.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.8},
		claimSpec{id: "a3", text: "Rapamycin extended lifespan once more.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.7},
	)
	reader := &blockingReader{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	e, store := newEngine(t, reader)

	var wg sync.WaitGroup
	results := make([]Result, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Synthesize(context.Background(), "rapamycin")
			assert.NoError(t, err)
			results[i] = res
		}()
		if i == 0 {
			<-reader.entered
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(reader.release)
	wg.Wait()

	assert.Equal(t, int32(1), reader.calls.Load())
	for _, r := range results {
		assert.Equal(t, StatusUpdated, r.Status)
		assert.Equal(t, int64(1), r.Entry.Version)
	}
	got, _, err := store.Get(context.Background(), "rapamycin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

// cancellingReader cancels the run while it is in progress
type cancellingReader struct {
	*factstore.Memory
	cancel context.CancelFunc
}

func (c *cancellingReader) CitationCounts(ctx context.Context, hashes []string) (map[string]int, error) {
	c.cancel()
	return c.Memory.CitationCounts(ctx, hashes)
}

func TestSynthesize_CancelledRunWritesNothing(t *testing.T) {
	mem := factstore.NewMemory()
	commitDoc(t, mem, "doc-a",
		claimSpec{id: "a1", text: "Rapamycin extended lifespan.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.9},
		claimSpec{id: "a2", text: "Rapamycin inhibited mTOR.", keywords: []string{"rapamycin", "inhibited", "mtor"}, trust: 0.8},
		claimSpec{id: "a3", text: "Rapamycin improved immunity.", keywords: []string{"rapamycin", "improved", "immunity"}, trust: 0.7},
	)
	ctx, cancel := context.WithCancel(context.Background())
	e, store := newEngine(t, &cancellingReader{Memory: mem, cancel: cancel})

	_, err := e.Synthesize(ctx, "rapamycin")
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)

	_, ok, err := store.Get(context.Background(), "rapamycin")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), e.Stats().Failures)
}

func TestSynthesizeAll(t *testing.T) {
	ctx := context.Background()
	facts := factstore.NewMemory()
	commitDoc(t, facts, "doc-a",
		claimSpec{id: "a1", text: "Rapamycin extended lifespan.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.9},
		claimSpec{id: "a2", text: "Rapamycin extended lifespan in mice.", keywords: []string{"rapamycin", "extended", "lifespan", "mice"}, trust: 0.8},
		claimSpec{id: "a3", text: "Rapamycin extended lifespan in rats.", keywords: []string{"rapamycin", "extended", "lifespan", "rats"}, trust: 0.7},
	)
	store := NewMemoryStore()
	e := NewEngine(facts, store, []model.Topic{{ID: "rapamycin"}, {ID: "metformin"}}, testConfig(), nil)

	results, err := e.SynthesizeAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "rapamycin", results[0].TopicID)
	assert.Equal(t, StatusUpdated, results[0].Status)
	assert.Equal(t, "metformin", results[1].TopicID)
	assert.Equal(t, StatusNoUpdate, results[1].Status)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStart_InvalidCadence(t *testing.T) {
	e := NewEngine(factstore.NewMemory(), NewMemoryStore(), []model.Topic{{ID: "rapamycin", Cadence: "every so often"}}, testConfig(), nil)
	err := e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rapamycin")
}

func TestTriggerAndCadence(t *testing.T) {
	defer goleak.VerifyNone(t)

	facts := factstore.NewMemory()
	for i := 0; i < 3; i++ {
		commitDoc(t, facts, fmt.Sprintf("doc-%d", i),
			claimSpec{id: fmt.Sprintf("c%d", i), text: "Rapamycin extended lifespan.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.8},
		)
	}
	store := NewMemoryStore()
	cfg := testConfig()
	cfg.DefaultCadence = "@every 1s"
	e := NewEngine(facts, store, topics, cfg, nil)

	var completed atomic.Int32
	e.OnComplete(func(r Result) {
		if r.TopicID == "rapamycin" {
			completed.Add(1)
		}
	})

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrRunning)

	e.Trigger("rapamycin")
	require.Eventually(t, func() bool { return completed.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// The cadence fires on its own
	require.Eventually(t, func() bool { return completed.Load() >= 2 }, 3*time.Second, 20*time.Millisecond)
	e.Stop()

	got, ok, err := store.Get(context.Background(), "rapamycin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, got.Version, int64(2))

	// Triggers after Stop are ignored
	runs := e.Stats().Runs
	e.Trigger("rapamycin")
	assert.Equal(t, runs, e.Stats().Runs)
}

// flakyReader fails the first reads with err, then delegates
type flakyReader struct {
	*factstore.Memory
	failures atomic.Int32
	err      error
}

func (f *flakyReader) ReadClearFacts(ctx context.Context, filter factstore.FactFilter) ([]model.StructuredFact, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, f.err
	}
	return f.Memory.ReadClearFacts(ctx, filter)
}

func seedLifespan(t *testing.T) *factstore.Memory {
	t.Helper()
	mem := factstore.NewMemory()
	commitDoc(t, mem, "doc-a",
		claimSpec{id: "a1", text: "Rapamycin extended lifespan.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.9},
		claimSpec{id: "a2", text: "Rapamycin extended lifespan again.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.8},
		claimSpec{id: "a3", text: "Rapamycin extended lifespan once more.", keywords: []string{"rapamycin", "extended", "lifespan"}, trust: 0.7},
	)
	return mem
}

func TestSynthesize_FailureStillCompletes(t *testing.T) {
	boom := errors.New("disk unavailable")
	reader := &flakyReader{Memory: factstore.NewMemory(), err: boom}
	reader.failures.Store(1)
	e, _ := newEngine(t, reader)

	var completed []Result
	e.OnComplete(func(r Result) { completed = append(completed, r) })

	_, err := e.Synthesize(context.Background(), "rapamycin")
	require.ErrorIs(t, err, boom)
	require.Len(t, completed, 1)
	assert.Equal(t, "rapamycin", completed[0].TopicID)
	assert.Equal(t, StatusFailed, completed[0].Status)
	assert.Equal(t, int64(1), e.Stats().Failures)
}

func TestTrigger_RetriesTimeouts(t *testing.T) {
	reader := &flakyReader{Memory: seedLifespan(t), err: fmt.Errorf("read: %w", context.DeadlineExceeded)}
	reader.failures.Store(2)
	e, store := newEngine(t, reader)
	e.retry = worker.Backoff{Attempts: 3, Base: time.Millisecond, Max: 10 * time.Millisecond}

	e.Trigger("rapamycin")
	require.Eventually(t, func() bool { return e.Stats().Updates == 1 }, 2*time.Second, 10*time.Millisecond)
	e.Stop()

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Failures)
	assert.Equal(t, int64(3), stats.Runs)
	_, ok, err := store.Get(context.Background(), "rapamycin")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTrigger_OtherErrorsNotRetried(t *testing.T) {
	reader := &flakyReader{Memory: seedLifespan(t), err: errors.New("disk unavailable")}
	reader.failures.Store(1)
	e, _ := newEngine(t, reader)
	e.retry = worker.Backoff{Attempts: 3, Base: time.Millisecond, Max: 10 * time.Millisecond}

	e.Trigger("rapamycin")
	require.Eventually(t, func() bool { return e.Stats().Failures == 1 }, 2*time.Second, 10*time.Millisecond)
	e.Stop()
	assert.Equal(t, int64(1), e.Stats().Runs)
}

func TestSynthesize_OneCallerCancellingKeepsSharedRun(t *testing.T) {
	reader := &blockingReader{Memory: seedLifespan(t), entered: make(chan struct{}), release: make(chan struct{})}
	e, store := newEngine(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := e.Synthesize(ctx, "rapamycin")
		first <- err
	}()
	<-reader.entered

	second := make(chan Result, 1)
	go func() {
		res, err := e.Synthesize(context.Background(), "rapamycin")
		assert.NoError(t, err)
		second <- res
	}()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		f := e.flights["rapamycin"]
		return f != nil && len(f.callers) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(reader.release)

	res := <-second
	assert.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, int32(1), reader.calls.Load())
	_, ok, err := store.Get(context.Background(), "rapamycin")
	require.NoError(t, err)
	assert.True(t, ok)
}
