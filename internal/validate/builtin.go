package validate

import (
	"fmt"
	"strings"

	"github.com/fliws/immortyx/internal/model"
)

// builtinCategories are phrase and regex patterns by category
var builtinCategories = []struct {
	category string
	severity model.PatternSeverity
	phrases  []string
	regexes  []string
}{
	{
		category: "extraordinary_claims",
		severity: model.SeverityReject,
		phrases: []string{
			"miracle cure", "fountain of youth", "immortality breakthrough", "aging reversed",
			"eternal life", "death defeated", "guaranteed results", "secret discovered",
		},
		regexes: []string{`\b100\s?% effective\b`},
	},
	{
		category: "appeal_to_authority",
		severity: model.SeverityReject,
		phrases: []string{
			"doctors hate this", "scientists don't want you to know", "suppressed by big pharma",
			"hidden by medical establishment", "ancient secret", "traditional wisdom ignored",
		},
	},
	{
		category: "conspiracy_theories",
		severity: model.SeverityFlag,
		phrases: []string{
			"cover-up", "suppressed research", "silenced scientists", "hidden truth",
			"mainstream media ignores",
		},
	},
	{
		category: "reject_peer_review",
		severity: model.SeverityFlag,
		phrases: []string{
			"peer review is corrupt", "establishment bias", "scientific dogma",
		},
	},
	{
		category: "misleading_statistics",
		severity: model.SeverityFlag,
		phrases: []string{"research proves", "clinical studies confirm", "laboratory tests reveal"},
		regexes: []string{`\b(up to|as much as) \d{3,}\s?%`},
	},
}

// highRiskDomains reject every document they serve
var highRiskDomains = []string{
	"naturalnews", "mercola", "infowars", "healthimpactnews",
	"naturalhealth365", "greenmedinfo", "thehealthsite",
}

// Builtins returns the built-in pattern set entries
func Builtins() []model.PseudosciencePattern {
	var out []model.PseudosciencePattern
	for _, c := range builtinCategories {
		for _, phrase := range c.phrases {
			out = append(out, model.PseudosciencePattern{
				PatternID:  builtinID(c.category, phrase),
				Kind:       model.PatternPhrase,
				Category:   c.category,
				Descriptor: phrase,
				Severity:   c.severity,
			})
		}
		for i, re := range c.regexes {
			out = append(out, model.PseudosciencePattern{
				PatternID:  fmt.Sprintf("builtin.%s.re%d", c.category, i+1),
				Kind:       model.PatternRegex,
				Category:   c.category,
				Descriptor: re,
				Severity:   c.severity,
			})
		}
	}
	for _, d := range highRiskDomains {
		out = append(out, model.PseudosciencePattern{
			PatternID:  "builtin.high_risk_domain." + d,
			Kind:       model.PatternDomain,
			Category:   "high_risk_domain",
			Descriptor: d,
			Severity:   model.SeverityReject,
		})
	}
	return out
}

func builtinID(category, phrase string) string {
	slug := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToLower(phrase))
	return "builtin." + category + "." + slug
}
