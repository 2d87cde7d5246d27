package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fliws/immortyx/internal/consensus"
	"github.com/fliws/immortyx/internal/fetch"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/pipeline"
)

var pubmed = model.SourceDescriptor{
	ID:               "pubmed",
	Kind:             model.SourceKindPubMed,
	PollIntervalHint: time.Hour,
	PriorityWeight:   1,
	TrustPrior:       0.8,
	DefaultTopic:     "general",
}

func testConfig(t *testing.T) *model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Store.Driver = "memory"
	cfg.Integrity.PatternFile = ""
	cfg.Integrity.Watch = false
	cfg.Status.Enabled = false
	cfg.Authors.ResolveInterval = 0
	cfg.Scheduler.Tick = 10 * time.Millisecond
	cfg.Pipeline.RetryBase = time.Millisecond
	return cfg
}

func newApp(t *testing.T, cfg *model.Config, opts Options) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// study returns a rapamycin abstract with one lifespan and one mTOR claim
func study(n int) model.RawDocument {
	payload := fmt.Sprintf(`{
		"title": "Rapamycin cohort %d",
		"abstract": "Rapamycin extended median lifespan in cohort %d of mice. Rapamycin inhibited mTOR signaling in liver of cohort %d.",
		"authors": [{"name": "David E. Harrison", "affiliation": "The Jackson Laboratory"}],
		"pmid": "1958%04d",
		"year": 2009
	}`, n, n, n, n)
	doc := model.NewRawDocument("pubmed", fmt.Sprintf("pm-%d", n), []byte(payload), time.Now())
	doc.ContentType = "application/json"
	return doc
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"
	_, err := New(context.Background(), cfg, nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestNew_UnknownJudge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paradigm.Judge = "oracle"
	_, err := New(context.Background(), cfg, nil, Options{})
	require.Error(t, err)
}

func TestNew_MissingPatternFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Integrity.PatternFile = filepath.Join(t.TempDir(), "patterns.yaml")

	_, err := New(context.Background(), cfg, nil, Options{})
	require.Error(t, err, "a missing pattern file is fatal without a watcher")

	cfg.Integrity.Watch = true
	a := newApp(t, cfg, Options{})
	assert.NotNil(t, a.Watcher)
}

func TestIngest_CommitsAndSynthesizes(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, testConfig(t), Options{})

	for i := 1; i <= 3; i++ {
		out, err := a.Ingest(ctx, study(i), pubmed)
		require.NoError(t, err)
		require.Equal(t, pipeline.StatusCommitted, out.Status)
		assert.Equal(t, "rapamycin", out.TopicID)
	}

	again, err := a.Ingest(ctx, study(1), pubmed)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDuplicate, again.Status)
	assert.Equal(t, int64(3), a.Pipeline.Stats().Committed)

	res, err := a.Engine.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	require.Equal(t, consensus.StatusUpdated, res.Status)
	assert.Equal(t, int64(1), res.Entry.Version)

	stored, ok, err := a.Consensus.Get(ctx, "rapamycin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, stored.SupportingFactIDs)
}

func TestRescan_TriggersResynthesis(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, testConfig(t), Options{})
	for i := 1; i <= 3; i++ {
		_, err := a.Ingest(ctx, study(i), pubmed)
		require.NoError(t, err)
	}
	_, err := a.Engine.Synthesize(ctx, "rapamycin")
	require.NoError(t, err)
	runs := a.Engine.Stats().Runs

	a.rescan(ctx, []model.PseudosciencePattern{{
		PatternID:  "no-mtor",
		Kind:       model.PatternPhrase,
		Descriptor: "mTOR signaling",
		Severity:   model.SeverityFlag,
	}})

	assert.Eventually(t, func() bool {
		return a.Engine.Stats().Runs > runs
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRescan_NothingChanged(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, testConfig(t), Options{})
	_, err := a.Ingest(ctx, study(1), pubmed)
	require.NoError(t, err)

	a.rescan(ctx, []model.PseudosciencePattern{{
		PatternID:  "unrelated",
		Kind:       model.PatternPhrase,
		Descriptor: "homeopathic dilution",
		Severity:   model.SeverityReject,
	}})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, a.Engine.Stats().Runs)
}

func TestNew_SeedsDedupFromStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(dir, "facts.db")
	cfg.Store.ConsensusPath = filepath.Join(dir, "consensus.db")

	first, err := New(ctx, cfg, nil, Options{})
	require.NoError(t, err)
	out, err := first.Ingest(ctx, study(1), pubmed)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCommitted, out.Status)
	require.NoError(t, first.Close())

	second := newApp(t, cfg, Options{})
	assert.True(t, second.Dedup.Contains(study(1).ContentHash))

	again, err := second.Ingest(ctx, study(1), pubmed)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDuplicate, again.Status)
}

func TestRun_PollsSources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources = []model.SourceDescriptor{pubmed}

	var calls atomic.Int64
	fetcher := fetch.Func(func(ctx context.Context, source model.SourceDescriptor, query map[string]string) ([]model.RawDocument, error) {
		calls.Add(1)
		return []model.RawDocument{study(1), study(2), study(1)}, nil
	})
	a := newApp(t, cfg, Options{Fetcher: fetcher})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return a.Pipeline.Stats().Committed == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), calls.Load(), "the source is not due again within its hint")
	assert.Equal(t, int64(1), a.Scheduler.Stats().Duplicates)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
