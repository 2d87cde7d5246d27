package model

// Signal is a diagnostic signal with transparent scoring data
type Signal struct {
	Type        SignalType             `json:"type"`
	Severity    SignalSeverity         `json:"severity"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data,omitempty"` // formulas and inputs
}

// SignalType classifies a trust signal
type SignalType string

const (
	SignalTrustPrior     SignalType = "trust_prior"
	SignalIdentifier     SignalType = "recognized_identifier"
	SignalStudySize      SignalType = "study_size"
	SignalAuthority      SignalType = "source_authority"
	SignalCitations      SignalType = "citation_support"
	SignalStudyDesign    SignalType = "study_design"
	SignalHedging        SignalType = "hedging_language"
	SignalSensationalism SignalType = "sensational_language"
)

// SignalSeverity indicates the importance of the signal
type SignalSeverity string

const (
	SeverityInfo     SignalSeverity = "info"
	SeverityWarning  SignalSeverity = "warning"
	SeverityCritical SignalSeverity = "critical"
)

// AuthorityTier represents the classification of source authority
type AuthorityTier int

const (
	TierUnknown   AuthorityTier = 0 // Not yet classified
	TierPrimary   AuthorityTier = 1 // Journals, registries, government and academic hosts
	TierSecondary AuthorityTier = 2 // Preprint servers, encyclopedias, major publishers
	TierTertiary  AuthorityTier = 3 // Blogs, news, personal websites
)

func (t AuthorityTier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}
