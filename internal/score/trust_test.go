package score

import (
	"math"
	"testing"

	"github.com/fliws/immortyx/internal/model"
)

func newTestScorer() *Scorer {
	return NewScorer(model.DefaultConfig().Trust)
}

func hasSignal(r Result, typ model.SignalType) bool {
	for _, s := range r.Signals {
		if s.Type == typ {
			return true
		}
	}
	return false
}

func TestScorer_HighQuality(t *testing.T) {
	result := newTestScorer().Calculate(Input{
		Source:      model.SourceDescriptor{ID: "pubmed", Kind: model.SourceKindPubMed, TrustPrior: 0.9},
		URL:         "https://pubmed.ncbi.nlm.nih.gov/1/",
		Identifiers: []string{"pmid:1"},
		StudySize:   10000,
		Citations:   12,
		Text:        "In a randomized placebo-controlled trial, metformin reduced mortality in 10,000 participants.",
	})

	// 0.9*0.6 + 0.15 + 0.15 + 0.1 + 0.05 + 0.05 = 1.04, clamped
	if result.Score != 1 {
		t.Errorf("Expected clamped score 1, got %v", result.Score)
	}
	if result.Tier != model.TierPrimary {
		t.Errorf("Expected primary tier, got %v", result.Tier)
	}
	for _, typ := range []model.SignalType{model.SignalTrustPrior, model.SignalIdentifier, model.SignalStudySize, model.SignalAuthority, model.SignalCitations, model.SignalStudyDesign} {
		if !hasSignal(result, typ) {
			t.Errorf("Expected %s signal", typ)
		}
	}
}

func TestScorer_LowQuality(t *testing.T) {
	result := newTestScorer().Calculate(Input{
		Source: model.SourceDescriptor{ID: "blog", Kind: model.SourceKindHTTP, TrustPrior: 0.2},
		URL:    "https://randomsite.com/post",
		Text:   "This miracle supplement may reverse aging in weeks.",
	})

	// 0.2*0.6 - 0.05 - 0.1 = -0.03, clamped
	if result.Score != 0 {
		t.Errorf("Expected score clamped to 0, got %v", result.Score)
	}
	if !hasSignal(result, model.SignalHedging) || !hasSignal(result, model.SignalSensationalism) {
		t.Errorf("Expected hedging and sensational signals, got %+v", result.Signals)
	}
}

func TestScorer_Transparent(t *testing.T) {
	result := newTestScorer().Calculate(Input{
		Source:    model.SourceDescriptor{ID: "biorxiv", Kind: model.SourceKindBioRxiv, TrustPrior: 0.5},
		StudySize: 100,
		Text:      "Rapamycin extended lifespan in mice.",
	})

	// 0.5*0.6 + log10(100)/4*0.15 + 0.05 (secondary by kind)
	want := 0.3 + 0.075 + 0.05
	if math.Abs(result.Score-want) > 1e-9 {
		t.Errorf("Expected score %v, got %v", want, result.Score)
	}

	sum := 0.0
	for _, s := range result.Signals {
		c, ok := s.Data["contribution"].(float64)
		if !ok {
			t.Fatalf("Expected contribution on signal %s", s.Type)
		}
		if _, ok := s.Data["formula"]; !ok {
			t.Errorf("Expected formula on signal %s", s.Type)
		}
		sum += c
	}
	if math.Abs(sum-result.Score) > 1e-9 {
		t.Errorf("Expected contributions to add up to %v, got %v", result.Score, sum)
	}
}

func TestScorer_Deterministic(t *testing.T) {
	in := Input{
		Source:      model.SourceDescriptor{ID: "nature", Kind: model.SourceKindNature, TrustPrior: 0.8},
		Identifiers: []string{"doi:10.1038/x"},
		StudySize:   40,
		Text:        "Senolytics might improve physical function in humans.",
	}
	s := newTestScorer()
	a, b := s.Calculate(in), s.Calculate(in)
	if a.Score != b.Score || len(a.Signals) != len(b.Signals) {
		t.Errorf("Expected identical results, got %v and %v", a.Score, b.Score)
	}
	if a.Score < 0 || a.Score > 1 {
		t.Errorf("Expected score in [0,1], got %v", a.Score)
	}
}
