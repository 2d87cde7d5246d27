package score

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/fliws/immortyx/internal/model"
)

// AuthorityClassifier classifies document hosts into authority tiers
type AuthorityClassifier struct {
	config       *model.AuthorityConfig
	primaryMap   map[string]bool
	secondaryMap map[string]bool
	pathPatterns []*compiledPattern
}

type compiledPattern struct {
	pattern *regexp.Regexp
	tier    model.AuthorityTier
}

// kindTiers is the authority of a source when the document has no URL
var kindTiers = map[model.SourceKind]model.AuthorityTier{
	model.SourceKindPubMed:         model.TierPrimary,
	model.SourceKindNature:         model.TierPrimary,
	model.SourceKindCochrane:       model.TierPrimary,
	model.SourceKindClinicalTrials: model.TierPrimary,
	model.SourceKindBioRxiv:        model.TierSecondary,
	model.SourceKindArXiv:          model.TierSecondary,
}

// NewAuthorityClassifier creates a new authority classifier
func NewAuthorityClassifier(config *model.AuthorityConfig) *AuthorityClassifier {
	if config == nil {
		config = &model.DefaultConfig().Trust.Authority
	}

	classifier := &AuthorityClassifier{
		config:       config,
		primaryMap:   make(map[string]bool),
		secondaryMap: make(map[string]bool),
	}

	for _, domain := range config.PrimaryDomains {
		classifier.primaryMap[strings.ToLower(domain)] = true
	}
	for _, domain := range config.SecondaryDomains {
		classifier.secondaryMap[strings.ToLower(domain)] = true
	}

	for _, pathPattern := range config.PathPatterns {
		if re, err := regexp.Compile(pathPattern.Pattern); err == nil {
			classifier.pathPatterns = append(classifier.pathPatterns, &compiledPattern{
				pattern: re,
				tier:    parseTierString(pathPattern.Tier),
			})
		}
	}

	return classifier
}

// ClassifyDocument classifies a document by its URL, falling back to the
// kind of the source that served it
func (a *AuthorityClassifier) ClassifyDocument(rawURL string, kind model.SourceKind) model.AuthorityTier {
	if strings.TrimSpace(rawURL) != "" {
		if tier := a.Classify(rawURL); tier != model.TierTertiary {
			return tier
		}
	}
	if tier, ok := kindTiers[kind]; ok {
		return tier
	}
	return model.TierTertiary
}

// Classify classifies a URL into an authority tier
func (a *AuthorityClassifier) Classify(rawURL string) model.AuthorityTier {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return model.TierTertiary
	}

	host := strings.ToLower(parsed.Hostname())
	path := parsed.Path

	if tierStr, ok := a.config.DomainMap[host]; ok {
		return parseTierString(tierStr)
	}

	if matchesDomain(host, a.primaryMap) {
		return model.TierPrimary
	}
	if matchesDomain(host, a.secondaryMap) {
		return model.TierSecondary
	}

	for _, cp := range a.pathPatterns {
		if cp.pattern.MatchString(path) {
			return cp.tier
		}
	}

	// Government and academic hosts
	if strings.HasSuffix(host, ".gov") || strings.HasSuffix(host, ".edu") || strings.HasSuffix(host, ".ac.uk") {
		return model.TierPrimary
	}

	return model.TierTertiary
}

// matchesDomain reports whether host is a listed domain or a subdomain of one
func matchesDomain(host string, domains map[string]bool) bool {
	if host == "" {
		return false
	}
	if domains[host] {
		return true
	}
	for domain := range domains {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// parseTierString converts a tier string to AuthorityTier
func parseTierString(tier string) model.AuthorityTier {
	switch strings.ToLower(tier) {
	case "primary", "1":
		return model.TierPrimary
	case "secondary", "2":
		return model.TierSecondary
	default:
		return model.TierTertiary
	}
}
