package author

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fliws/immortyx/internal/extract"
	"github.com/fliws/immortyx/internal/factstore"
	"github.com/fliws/immortyx/internal/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Jane Doe", "jane doe"},
		{"Smith, J. A.", "j a smith"},
		{"  O'Neil,  Mary-Kate ", "mary-kate o'neil"},
		{"Dr. José García", "dr josé garcía"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"jane doe", "jane doe", 1.0},
		{"j doe", "jane doe", 0.8},
		{"j a doe", "jane doe", 0.8},
		{"doe", "jane doe", 0.6},
		{"john doe", "jane doe", 0.2},
		{"jane roe", "jane doe", 0},
		{"", "jane doe", 0},
	}
	for _, tt := range tests {
		if got := NameSimilarity(tt.a, tt.b); got != tt.want {
			t.Errorf("NameSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAffiliationSimilarity(t *testing.T) {
	assert.Equal(t, neutralAffiliation, AffiliationSimilarity(nil, []string{"Buck Institute"}))
	assert.Equal(t, 1.0, AffiliationSimilarity([]string{"Buck Institute for Research on Aging"}, []string{"The Buck Institute, Research on Aging"}))
	assert.Equal(t, 0.0, AffiliationSimilarity([]string{"Stanford"}, []string{"Harvard Medical School"}))
}

func commit(t *testing.T, store factstore.Store, hash string, res Result) {
	t.Helper()
	facts := make([]model.StructuredFact, len(res.Facts))
	for i, f := range res.Facts {
		f.SourceDocHash = hash
		facts[i] = f
	}
	require.NoError(t, store.Commit(context.Background(), factstore.CommitRequest{
		Document:  model.DocumentRecord{ContentHash: hash, Outcome: model.OutcomeCommitted},
		Facts:     facts,
		AuthorOps: res.Ops,
	}))
}

func mention(name, aff string) extract.AuthorMention {
	return extract.AuthorMention{Name: name, Affiliation: aff, Role: extract.RoleAuthor}
}

func TestResolve_CreateThenLink(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	r := NewResolver(store, 0.85, 0.5, nil)

	first, err := r.Resolve(ctx, Input{
		DocHash:      "d1",
		Mentions:     []extract.AuthorMention{mention("Jane Doe", "Buck Institute")},
		ClaimFactIDs: []string{"claim-1"},
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, first.Ops, 1)
	assert.Equal(t, model.AuthorOpCreate, first.Ops[0].Kind)
	assert.Equal(t, "doe", first.Ops[0].NameKey)
	assert.Equal(t, 0, first.Ops[0].Observed)
	assert.Contains(t, first.Ops[0].FactIDs, "claim-1")
	require.Len(t, first.Facts, 1)
	assert.Equal(t, model.FactKindAuthorMention, first.Facts[0].Kind)
	require.Len(t, first.Refs, 1)
	commit(t, store, "d1", first)

	second, err := r.Resolve(ctx, Input{
		DocHash:  "d2",
		Mentions: []extract.AuthorMention{mention("Doe, Jane", "Buck Institute")},
	})
	require.NoError(t, err)
	require.Len(t, second.Ops, 1)
	assert.Equal(t, model.AuthorOpLink, second.Ops[0].Kind)
	assert.Equal(t, first.Ops[0].AuthorID, second.Ops[0].AuthorID)
	assert.Equal(t, 1, second.Linked)
	commit(t, store, "d2", second)

	identity, err := store.ReadAuthor(ctx, first.Ops[0].AuthorID)
	require.NoError(t, err)
	assert.Len(t, identity.LinkedFactIDs, 3)
}

func TestResolve_AmbiguousDefers(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	r := NewResolver(store, 0.8, 0.5, nil)

	first, err := r.Resolve(ctx, Input{DocHash: "d1", Mentions: []extract.AuthorMention{mention("John Smith", "Buck Institute for Research on Aging")}})
	require.NoError(t, err)
	commit(t, store, "d1", first)
	johnID := first.Ops[0].AuthorID

	second, err := r.Resolve(ctx, Input{DocHash: "d2", Mentions: []extract.AuthorMention{mention("J. Smith", "")}})
	require.NoError(t, err)
	require.Len(t, second.Ops, 1)
	op := second.Ops[0]
	assert.Equal(t, model.AuthorOpDefer, op.Kind)
	assert.Equal(t, []string{johnID}, op.CandidateIDs)
	assert.Equal(t, 1, op.Observed)

	ref := second.Facts[0].Authors[0]
	assert.True(t, ref.Provisional)
	assert.InDelta(t, 0.71, ref.Score, 1e-9)
	commit(t, store, "d2", second)

	pending, err := store.PendingAuthors(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Nothing changed yet: still waiting
	report, err := r.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, PendingReport{Examined: 1, Waiting: 1}, report)

	// "J. Smith" later appears with John Smith's affiliation, which gives
	// John Smith the alias
	third, err := r.Resolve(ctx, Input{DocHash: "d3", Mentions: []extract.AuthorMention{mention("J. Smith", "Buck Institute for Research on Aging")}})
	require.NoError(t, err)
	require.Equal(t, model.AuthorOpLink, third.Ops[0].Kind)
	require.Equal(t, johnID, third.Ops[0].AuthorID)
	commit(t, store, "d3", third)

	report, err = r.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merged)

	merged, err := store.ReadAuthor(ctx, op.AuthorID)
	require.NoError(t, err)
	assert.Equal(t, johnID, merged.AuthorID)
	assert.Contains(t, merged.Aliases, "j smith")
	assert.Contains(t, merged.LinkedFactIDs, second.Facts[0].FactID)

	pending, err = store.PendingAuthors(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolvePending_Promotes(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	r := NewResolver(store, 0.85, 0.5, nil)

	first, err := r.Resolve(ctx, Input{DocHash: "d1", Mentions: []extract.AuthorMention{mention("John Smith", "Harvard")}})
	require.NoError(t, err)
	commit(t, store, "d1", first)
	second, err := r.Resolve(ctx, Input{DocHash: "d2", Mentions: []extract.AuthorMention{mention("J. Smith", "Stanford")}})
	require.NoError(t, err)
	commit(t, store, "d2", second)

	stricter := NewResolver(store, 0.85, 0.6, nil)
	report, err := stricter.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	identity, err := store.ReadAuthor(ctx, second.Ops[0].AuthorID)
	require.NoError(t, err)
	assert.Empty(t, identity.MergedInto)
}

func TestResolve_FoldsWithinBatch(t *testing.T) {
	store := factstore.NewMemory()
	res, err := NewResolver(store, 0.85, 0.5, nil).Resolve(context.Background(), Input{
		DocHash: "d1",
		Mentions: []extract.AuthorMention{
			mention("Jane Doe", "Buck Institute"),
			{Name: "Doe, Jane", Affiliation: "Buck Institute", Role: extract.RoleCited},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	assert.Len(t, res.Ops[0].FactIDs, 2)
	assert.Len(t, res.Facts, 2)
	assert.Len(t, res.Refs, 1)
	commit(t, store, "d1", res)
}

func TestResolve_FoldsIntoDeferredWithinBatch(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	r := NewResolver(store, 0.85, 0.5, nil)

	first, err := r.Resolve(ctx, Input{DocHash: "d1", Mentions: []extract.AuthorMention{mention("John Smith", "Harvard")}})
	require.NoError(t, err)
	commit(t, store, "d1", first)
	johnID := first.Ops[0].AuthorID

	res, err := r.Resolve(ctx, Input{
		DocHash: "d2",
		Mentions: []extract.AuthorMention{
			mention("J. Smith", "Stanford"),
			{Name: "J. Smith", Affiliation: "Stanford", Role: extract.RoleCited},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	op := res.Ops[0]
	assert.Equal(t, model.AuthorOpDefer, op.Kind)
	assert.Equal(t, []string{johnID}, op.CandidateIDs)
	assert.Len(t, op.FactIDs, 2)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 1, res.Linked)

	require.Len(t, res.Facts, 2)
	for _, f := range res.Facts {
		ref := f.Authors[0]
		assert.Equal(t, op.AuthorID, ref.AuthorID)
		assert.True(t, ref.Provisional)
	}
	commit(t, store, "d2", res)

	pending, err := store.PendingAuthors(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Len(t, pending[0].FactIDs, 2)
}

func TestResolve_ConcurrentCreateConflicts(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	r := NewResolver(store, 0.85, 0.5, nil)

	a, err := r.Resolve(ctx, Input{DocHash: "a", Mentions: []extract.AuthorMention{mention("Jane Doe", "Buck")}})
	require.NoError(t, err)
	b, err := r.Resolve(ctx, Input{DocHash: "b", Mentions: []extract.AuthorMention{mention("Jane Doe", "Buck")}})
	require.NoError(t, err)

	commit(t, store, "a", a)

	facts := b.Facts
	for i := range facts {
		facts[i].SourceDocHash = "b"
	}
	err = store.Commit(ctx, factstore.CommitRequest{
		Document:  model.DocumentRecord{ContentHash: "b", Outcome: model.OutcomeCommitted},
		Facts:     facts,
		AuthorOps: b.Ops,
	})
	require.ErrorIs(t, err, factstore.ErrConflict)

	// Re-resolving against fresh state links instead
	b, err = r.Resolve(ctx, Input{DocHash: "b", Mentions: []extract.AuthorMention{mention("Jane Doe", "Buck")}})
	require.NoError(t, err)
	assert.Equal(t, model.AuthorOpLink, b.Ops[0].Kind)
	commit(t, store, "b", b)
}

func TestMerge_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := factstore.NewMemory()
	r := NewResolver(store, 0.85, 0.5, nil)

	res, err := r.Resolve(ctx, Input{DocHash: "d", Mentions: []extract.AuthorMention{
		mention("Jane Doe", "Buck"),
		mention("Jane Roe", "Buck"),
	}})
	require.NoError(t, err)
	commit(t, store, "d", res)

	from, into := res.Ops[1].AuthorID, res.Ops[0].AuthorID
	once, err := r.Merge(ctx, from, into)
	require.NoError(t, err)
	twice, err := r.Merge(ctx, from, into)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}
