package validate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newGate(t *testing.T, patterns ...model.PseudosciencePattern) *Gate {
	t.Helper()
	set, err := NewPatternSet(patterns)
	require.NoError(t, err)
	return NewGate(set, nil)
}

func claimFact(doc, id, text string) model.StructuredFact {
	return model.StructuredFact{
		FactID:        id,
		SourceDocHash: doc,
		SourceID:      "pubmed",
		Kind:          model.FactKindClaim,
		TopicID:       "rapamycin",
		Payload:       model.FactPayload{Text: text},
		IntegrityFlag: model.FlagClear,
		CreatedAt:     t0,
	}
}

func commit(t *testing.T, store factstore.Store, doc, url string, facts ...model.StructuredFact) {
	t.Helper()
	require.NoError(t, store.Commit(context.Background(), factstore.CommitRequest{
		Document: model.DocumentRecord{
			ContentHash: doc,
			SourceID:    "pubmed",
			URL:         url,
			FetchedAt:   t0,
			CommittedAt: t0,
			Outcome:     model.OutcomeCommitted,
		},
		Facts: facts,
	}))
}

func TestGate_ApplyTextMatches(t *testing.T) {
	gate := newGate(t, Builtins()...)

	facts := []model.StructuredFact{
		claimFact("h1", "f1", "Rapamycin is a miracle cure for aging"),
		claimFact("h1", "f2", "Rapamycin extended median lifespan in mice"),
		claimFact("h1", "f3", "Critics describe a cover-up of negative trials"),
	}
	verdict := gate.Apply("pubmed", "https://pubmed.ncbi.nlm.nih.gov/1", facts)

	assert.False(t, verdict.Rejected())
	assert.Empty(t, verdict.Reason())

	assert.Equal(t, model.FlagRejected, facts[0].IntegrityFlag)
	assert.Equal(t, []string{"builtin.extraordinary_claims.miracle_cure"}, facts[0].Payload.MatchedPatterns)
	assert.Equal(t, model.FlagClear, facts[1].IntegrityFlag)
	assert.Empty(t, facts[1].Payload.MatchedPatterns)
	assert.Equal(t, model.FlagFlagged, facts[2].IntegrityFlag)
}

func TestGate_ApplySourceMatchCoversEveryFact(t *testing.T) {
	gate := newGate(t, Builtins()...)

	facts := []model.StructuredFact{
		claimFact("h1", "f1", "Rapamycin extended median lifespan in mice"),
		claimFact("h1", "f2", "Metformin lowers glucose"),
	}
	verdict := gate.Apply("web", "https://articles.mercola.com/rapamycin", facts)

	assert.True(t, verdict.Rejected())
	assert.Equal(t, "pattern:builtin.high_risk_domain.mercola", verdict.Reason())
	for _, f := range facts {
		assert.Equal(t, model.FlagRejected, f.IntegrityFlag, f.FactID)
		assert.Contains(t, f.Payload.MatchedPatterns, "builtin.high_risk_domain.mercola")
	}
}

func TestGate_RejectedFactNeverReadable(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	gate := newGate(t, Builtins()...)

	facts := []model.StructuredFact{
		claimFact("h1", "f1", "This supplement is a miracle cure"),
		claimFact("h1", "f2", "NAD precursors raised NAD levels in older adults"),
	}
	gate.Apply("pubmed", "", facts)
	commit(t, store, "h1", "", facts...)

	clear, err := store.ReadClearFacts(ctx, factstore.FactFilter{})
	require.NoError(t, err)
	require.Len(t, clear, 1)
	assert.Equal(t, "f2", clear[0].FactID)

	audit, err := store.AuditFacts(ctx, "h1")
	require.NoError(t, err)
	assert.Len(t, audit, 2, "rejected facts stay auditable")
}

func TestGate_ExtendRefusesShrink(t *testing.T) {
	gate := newGate(t, phrase("p1", "a", model.SeverityFlag))

	_, err := gate.Extend(nil)
	assert.True(t, errors.Is(err, ErrShrunk))
	assert.Len(t, gate.Patterns(), 1, "refused extension keeps the current set")

	added, err := gate.Extend([]model.PseudosciencePattern{
		phrase("p1", "a", model.SeverityFlag),
		phrase("p2", "b", model.SeverityFlag),
	})
	require.NoError(t, err)
	assert.Len(t, added, 1)
	assert.Len(t, gate.Patterns(), 2)
}

func TestGate_RescanUpgradesMatchingFacts(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	gate := newGate(t, Builtins()...)

	commit(t, store, "h1", "https://pubmed.ncbi.nlm.nih.gov/1",
		claimFact("h1", "f1", "Ergothioneine is the longevity vitamin"),
		claimFact("h1", "f2", "Rapamycin extended median lifespan in mice"),
	)
	commit(t, store, "h2", "https://blog.sketchy.example/post",
		claimFact("h2", "f3", "Taurine supplementation improved healthspan in mice"),
	)

	added, err := gate.Extend(append(Builtins(),
		phrase("local.longevity_vitamin", "longevity vitamin", model.SeverityFlag),
		model.PseudosciencePattern{PatternID: "local.sketchy", Kind: model.PatternDomain, Descriptor: "sketchy", Severity: model.SeverityReject},
	))
	require.NoError(t, err)
	require.Len(t, added, 2)

	report, err := gate.Rescan(ctx, store, added)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Flagged)
	assert.Equal(t, 1, report.Rejected)
	assert.Zero(t, report.Errors)

	clear, err := store.ReadClearFacts(ctx, factstore.FactFilter{})
	require.NoError(t, err)
	require.Len(t, clear, 1)
	assert.Equal(t, "f2", clear[0].FactID)

	events, err := store.Reclassifications(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.FlagClear, events[0].From)
	assert.Equal(t, model.FlagFlagged, events[0].To)
	assert.Equal(t, RescanActor, events[0].Actor)
	assert.Equal(t, "pattern:local.longevity_vitamin", events[0].Reason)

	f3, err := store.Fact(ctx, "f3")
	require.NoError(t, err)
	assert.Equal(t, model.FlagRejected, f3.IntegrityFlag)
}

func TestGate_RescanUpgradesFlaggedToRejected(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	gate := newGate(t)

	flagged := claimFact("h1", "f1", "Critics describe a cover-up of negative trials")
	flagged.IntegrityFlag = model.FlagFlagged
	commit(t, store, "h1", "https://blog.sketchy.example/post", flagged)
	commit(t, store, "h2", "https://pubmed.ncbi.nlm.nih.gov/2",
		func() model.StructuredFact {
			f := claimFact("h2", "f2", "Critics describe a cover-up of negative trials")
			f.IntegrityFlag = model.FlagFlagged
			return f
		}(),
	)

	added, err := gate.Extend([]model.PseudosciencePattern{
		{PatternID: "local.sketchy", Kind: model.PatternDomain, Descriptor: "sketchy", Severity: model.SeverityReject},
		phrase("local.cover_up", "cover-up", model.SeverityFlag),
	})
	require.NoError(t, err)
	require.Len(t, added, 2)

	report, err := gate.Rescan(ctx, store, added)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Rejected)
	assert.Zero(t, report.Flagged, "a flag match does not touch facts already flagged")

	f1, err := store.Fact(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, model.FlagRejected, f1.IntegrityFlag)

	events, err := store.Reclassifications(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.FlagFlagged, events[0].From)
	assert.Equal(t, model.FlagRejected, events[0].To)

	events, err = store.Reclassifications(ctx, "f2")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGate_RescanNothingAdded(t *testing.T) {
	gate := newGate(t)
	report, err := gate.Rescan(context.Background(), factstore.NewMemory(), nil)
	require.NoError(t, err)
	assert.Equal(t, RescanReport{}, report)
}
