// Package score computes trust scores for structured facts from the source
// prior and document signals. Every contribution is reported as a signal
// carrying its inputs and formula.
package score

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/fliws/immortyx/internal/model"
)

// Input is what the trust score of one fact depends on
type Input struct {
	Source      model.SourceDescriptor
	URL         string
	Identifiers []string
	StudySize   int
	Citations   int    // citation mentions in the document
	Text        string // claim sentence, or document text for non-claim facts
}

// Result is a trust score in [0,1] with the signals that produced it
type Result struct {
	Score   float64
	Tier    model.AuthorityTier
	Signals []model.Signal
}

var (
	designMarkers = regexp.MustCompile(`(?i)\b(randomi[sz]ed|placebo[- ]controlled|double[- ]blind|clinical trial|meta-analys[ie]s|systematic review|cohort study|in humans|human subjects|participants)\b`)
	hedgeMarkers  = regexp.MustCompile(`(?i)\b(may|might|could|possibly|potentially|preliminary|appears? to|suggests?|hypothesi[sz]e|in vitro)\b`)
	hypeMarkers   = regexp.MustCompile(`(?i)\b(miracle|cure[- ]all|breakthrough|shocking|secret|fountain of youth|live forever|reverses? aging|doctors hate)\b`)
)

// Scorer calculates trust scores
type Scorer struct {
	config     model.TrustConfig
	classifier *AuthorityClassifier
}

// NewScorer creates a new scorer
func NewScorer(config model.TrustConfig) *Scorer {
	return &Scorer{
		config:     config,
		classifier: NewAuthorityClassifier(&config.Authority),
	}
}

// Calculate is a pure function of its input: the same input always yields
// the same score and signals
func (s *Scorer) Calculate(in Input) Result {
	var signals []model.Signal
	total := 0.0

	add := func(contribution float64, sig model.Signal) {
		total += contribution
		if sig.Data == nil {
			sig.Data = map[string]interface{}{}
		}
		sig.Data["contribution"] = contribution
		signals = append(signals, sig)
	}

	// 1. Source prior
	prior := clamp(in.Source.TrustPrior)
	priorSeverity := model.SeverityInfo
	if prior < 0.3 {
		priorSeverity = model.SeverityWarning
	}
	add(prior*s.config.PriorWeight, model.Signal{
		Type:        model.SignalTrustPrior,
		Severity:    priorSeverity,
		Description: fmt.Sprintf("Source %s trust prior %.2f", in.Source.ID, prior),
		Data: map[string]interface{}{
			"prior":   prior,
			"formula": "prior * prior_weight",
		},
	})

	// 2. Recognized identifier
	if len(in.Identifiers) > 0 {
		add(s.config.IdentifierBonus, model.Signal{
			Type:        model.SignalIdentifier,
			Severity:    model.SeverityInfo,
			Description: fmt.Sprintf("Document carries %d recognized identifier(s)", len(in.Identifiers)),
			Data: map[string]interface{}{
				"identifiers": in.Identifiers,
				"formula":     "identifier_bonus if any identifier",
			},
		})
	}

	// 3. Study size
	if in.StudySize > 0 {
		factor := math.Min(math.Log10(float64(in.StudySize))/4, 1)
		if factor < 0 {
			factor = 0
		}
		severity := model.SeverityInfo
		if in.StudySize < 30 {
			severity = model.SeverityWarning
		}
		add(factor*s.config.StudySizeWeight, model.Signal{
			Type:        model.SignalStudySize,
			Severity:    severity,
			Description: fmt.Sprintf("Study size n=%d", in.StudySize),
			Data: map[string]interface{}{
				"n":       in.StudySize,
				"factor":  factor,
				"formula": "min(log10(n) / 4, 1) * study_size_weight",
			},
		})
	}

	// 4. Authority tier of the document host
	tier := s.classifier.ClassifyDocument(in.URL, in.Source.Kind)
	bonus := 0.0
	switch tier {
	case model.TierPrimary:
		bonus = s.config.PrimaryBonus
	case model.TierSecondary:
		bonus = s.config.SecondaryBonus
	}
	add(bonus, model.Signal{
		Type:        model.SignalAuthority,
		Severity:    map[bool]model.SignalSeverity{true: model.SeverityWarning, false: model.SeverityInfo}[tier == model.TierTertiary],
		Description: fmt.Sprintf("Source authority: %s", tier),
		Data: map[string]interface{}{
			"tier":    tier.String(),
			"url":     in.URL,
			"kind":    string(in.Source.Kind),
			"formula": "primary_bonus | secondary_bonus | 0",
		},
	})

	// 5. Citation support
	if in.Citations > 0 {
		add(s.config.CitationBonus, model.Signal{
			Type:        model.SignalCitations,
			Severity:    model.SeverityInfo,
			Description: fmt.Sprintf("Document cites %d work(s)", in.Citations),
			Data: map[string]interface{}{
				"citations": in.Citations,
				"formula":   "citation_bonus if citations > 0",
			},
		})
	}

	// 6. Study design markers
	if markers := distinctMatches(designMarkers, in.Text); len(markers) > 0 {
		add(s.config.DesignBonus, model.Signal{
			Type:        model.SignalStudyDesign,
			Severity:    model.SeverityInfo,
			Description: fmt.Sprintf("Study design markers: %s", strings.Join(markers, ", ")),
			Data: map[string]interface{}{
				"markers": markers,
				"formula": "design_bonus if any marker",
			},
		})
	}

	// 7. Hedging language (penalty)
	if markers := distinctMatches(hedgeMarkers, in.Text); len(markers) > 0 {
		add(-s.config.HedgingPenalty, model.Signal{
			Type:        model.SignalHedging,
			Severity:    model.SeverityWarning,
			Description: fmt.Sprintf("Hedged statement: %s", strings.Join(markers, ", ")),
			Data: map[string]interface{}{
				"markers": markers,
				"formula": "-hedging_penalty if any marker",
			},
		})
	}

	// 8. Sensational language (penalty)
	if markers := distinctMatches(hypeMarkers, in.Text); len(markers) > 0 {
		add(-s.config.SensationPenalty, model.Signal{
			Type:        model.SignalSensationalism,
			Severity:    model.SeverityCritical,
			Description: fmt.Sprintf("Sensational language: %s", strings.Join(markers, ", ")),
			Data: map[string]interface{}{
				"markers": markers,
				"formula": "-sensation_penalty if any marker",
			},
		})
	}

	return Result{
		Score:   clamp(total),
		Tier:    tier,
		Signals: signals,
	}
}

// distinctMatches returns the lowercase distinct matches of re in text
func distinctMatches(re *regexp.Regexp, text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range re.FindAllString(text, -1) {
		m = strings.ToLower(m)
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
