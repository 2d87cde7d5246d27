package consensus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fliws/immortyx/internal/model"
)

func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	g, err := OpenGorm(filepath.Join(t.TempDir(), "consensus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   g,
	}
}

func sampleEntry(topic string, version int64) model.ConsensusEntry {
	return model.ConsensusEntry{
		TopicID: topic,
		Summary: model.ConsensusSummary{
			DominantClaim:  "Rapamycin extended median lifespan in mice.",
			DominantKey:    "+extended+lifespan+mice+rapamycin",
			Polarity:       model.PolarityPositive,
			Keywords:       []string{"rapamycin", "extended", "lifespan", "mice"},
			WinningAnalyst: AnalystCitation,
			KeyClaims: []model.KeyClaim{{
				Key:      "+extended+lifespan+mice+rapamycin",
				Text:     "Rapamycin extended median lifespan in mice.",
				Keywords: []string{"rapamycin", "extended", "lifespan", "mice"},
				Polarity: model.PolarityPositive,
				Weight:   1.6,
			}},
			Candidates: []model.CandidateView{{
				Analyst:       AnalystCitation,
				DominantKey:   "+extended+lifespan+mice+rapamycin",
				DominantClaim: "Rapamycin extended median lifespan in mice.",
				Aggregate:     1.6,
				FactIDs:       []string{"f1", "f2"},
			}},
		},
		SupportingFactIDs: []string{"f1", "f2"},
		EvidenceLevel:     model.EvidenceModerate,
		EvidenceScore:     1.6,
		LastSynthesizedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Version:           version,
	}
}

func TestStore_PutGet(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := store.Get(ctx, "rapamycin")
			require.NoError(t, err)
			assert.False(t, ok)

			want := sampleEntry("rapamycin", 1)
			require.NoError(t, store.Put(ctx, want))

			got, ok, err := store.Get(ctx, "rapamycin")
			require.NoError(t, err)
			require.True(t, ok)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("entry mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_VersionMustIncrease(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, sampleEntry("metformin", 2)))

			for _, v := range []int64{1, 2} {
				err := store.Put(ctx, sampleEntry("metformin", v))
				assert.True(t, errors.Is(err, ErrStaleVersion), "v%d: %v", v, err)
			}

			next := sampleEntry("metformin", 3)
			next.EvidenceScore = 2.4
			require.NoError(t, store.Put(ctx, next))

			got, _, err := store.Get(ctx, "metformin")
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.Version)
			assert.Equal(t, 2.4, got.EvidenceScore)
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, sampleEntry("senolytics", 1)))
			require.NoError(t, store.Put(ctx, sampleEntry("metformin", 1)))

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "metformin", list[0].TopicID)
			assert.Equal(t, "senolytics", list[1].TopicID)
		})
	}
}

func TestStore_RequiresTopic(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, store.Put(context.Background(), sampleEntry("", 1)))
		})
	}
}
