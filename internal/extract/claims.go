package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fliws/immortyx/internal/model"
)

// Claim is a claim draft: a sentence that asserts a finding
type Claim struct {
	Text      string
	Heuristic string
	Sentence  int
	Keywords  []string
	Polarity  model.Polarity
	Entities  map[string][]string
	StudySize int
}

// ClaimExtractor extracts claims from document text
type ClaimExtractor struct {
	keywords []string
	negation []string
	// MaxClaims caps claims per document (0 means no cap)
	MaxClaims int
}

// NewClaimExtractor creates a new claim extractor
func NewClaimExtractor() *ClaimExtractor {
	return &ClaimExtractor{
		keywords: []string{
			"associated with", "correlated with", "linked to", "resulted in", "results in",
			"leads to", "led to", "extends", "extended", "prolongs", "prolonged", "shortens",
			"increases", "increased", "decreases", "decreased", "reduces", "reduced",
			"improves", "improved", "inhibits", "inhibited", "activates", "activated",
			"promotes", "prevents", "protects against", "delays", "delayed", "reverses",
			"we found", "we show", "we report", "we demonstrate", "demonstrate that",
			"suggest that", "indicate that", "is required for", "is essential for",
			"no effect", "had no", "did not", "failed to",
		},
		negation: []string{
			"did not", "does not", "do not", "no significant", "not significantly",
			"failed to", "fails to", "had no", "has no", "no effect", "no difference",
			"no association", "not associated", "was not", "were not", "neither",
			"unable to", "contrary to", "no evidence",
		},
		MaxClaims: 20,
	}
}

// Extract extracts claims from text by keyword matching over sentences
func (e *ClaimExtractor) Extract(text string) []Claim {
	sentences := splitSentences(text)

	var claims []Claim
	for i, sentence := range sentences {
		lower := strings.ToLower(sentence)
		for _, keyword := range e.keywords {
			if strings.Contains(lower, keyword) {
				claims = append(claims, Claim{
					Text:      strings.TrimSpace(sentence),
					Heuristic: "keyword:" + keyword,
					Sentence:  i,
					Keywords:  Keywords(sentence, 12),
					Polarity:  e.polarity(lower),
					Entities:  Entities(sentence),
					StudySize: StudySize(sentence),
				})
				break // Only match once per sentence
			}
		}
	}

	claims = dedupeClaims(claims)
	if e.MaxClaims > 0 && len(claims) > e.MaxClaims {
		claims = claims[:e.MaxClaims]
	}
	return claims
}

// polarity reports whether the sentence negates its finding
func (e *ClaimExtractor) polarity(lower string) model.Polarity {
	padded := " " + lower + " "
	for _, cue := range e.negation {
		if strings.Contains(padded, " "+cue+" ") {
			return model.PolarityNegative
		}
	}
	return model.PolarityPositive
}

// dedupeClaims removes duplicate claims
func dedupeClaims(claims []Claim) []Claim {
	seen := make(map[string]bool)
	var unique []Claim

	for _, claim := range claims {
		key := strings.ToLower(strings.TrimSpace(claim.Text))
		if !seen[key] {
			seen[key] = true
			unique = append(unique, claim)
		}
	}

	return unique
}

var studySizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bn\s*=\s*(\d[\d,]*)`),
	regexp.MustCompile(`(?i)\b(\d[\d,]*)\s+(?:participants|patients|subjects|individuals|volunteers|adults|people|mice|rats|animals|women|men)\b`),
}

// StudySize returns the largest sample size stated in text, or 0
func StudySize(text string) int {
	best := 0
	for _, p := range studySizePatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
			if err == nil && n > best {
				best = n
			}
		}
	}
	return best
}
