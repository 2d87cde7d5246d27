package model

import "time"

// Config holds the complete runtime configuration
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Authors   AuthorConfig    `yaml:"authors" mapstructure:"authors"`
	Trust     TrustConfig     `yaml:"trust" mapstructure:"trust"`
	Integrity IntegrityConfig `yaml:"integrity" mapstructure:"integrity"`
	Consensus ConsensusConfig `yaml:"consensus" mapstructure:"consensus"`
	Paradigm  ParadigmConfig  `yaml:"paradigm" mapstructure:"paradigm"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Status    StatusConfig    `yaml:"status" mapstructure:"status"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`

	SourcesFile string             `yaml:"sources_file,omitempty" mapstructure:"sources_file"`
	Sources     []SourceDescriptor `yaml:"sources,omitempty" mapstructure:"sources"`
	Topics      []Topic            `yaml:"topics" mapstructure:"topics"`
}

// SchedulerConfig tunes polling, backoff and fetch concurrency
type SchedulerConfig struct {
	Tick             time.Duration `yaml:"tick" mapstructure:"tick"`
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	BackoffFactor    float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	DecayFactor      float64       `yaml:"decay_factor" mapstructure:"decay_factor"`
	MaxInterval      time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RateLimit        float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second per source
	RateBurst        int           `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// PipelineConfig bounds document processing
type PipelineConfig struct {
	MaxInFlight    int           `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	StoreTimeout   time.Duration `yaml:"store_timeout" mapstructure:"store_timeout"`
	CommitAttempts int           `yaml:"commit_attempts" mapstructure:"commit_attempts"`
	RetryBase      time.Duration `yaml:"retry_base" mapstructure:"retry_base"`
	MaxClaims      int           `yaml:"max_claims" mapstructure:"max_claims"`
	EdgeDelta      float64       `yaml:"edge_confidence_delta" mapstructure:"edge_confidence_delta"`
}

// AuthorConfig holds the two author-resolution thresholds (Low < High)
type AuthorConfig struct {
	High            float64       `yaml:"high" mapstructure:"high"`
	Low             float64       `yaml:"low" mapstructure:"low"`
	ResolveInterval time.Duration `yaml:"resolve_interval" mapstructure:"resolve_interval"`
}

// TrustConfig weights the trust signals
type TrustConfig struct {
	PriorWeight      float64 `yaml:"prior_weight" mapstructure:"prior_weight"`
	IdentifierBonus  float64 `yaml:"identifier_bonus" mapstructure:"identifier_bonus"`
	StudySizeWeight  float64 `yaml:"study_size_weight" mapstructure:"study_size_weight"`
	PrimaryBonus     float64 `yaml:"primary_bonus" mapstructure:"primary_bonus"`
	SecondaryBonus   float64 `yaml:"secondary_bonus" mapstructure:"secondary_bonus"`
	CitationBonus    float64 `yaml:"citation_bonus" mapstructure:"citation_bonus"`
	DesignBonus      float64 `yaml:"design_bonus" mapstructure:"design_bonus"`
	HedgingPenalty   float64 `yaml:"hedging_penalty" mapstructure:"hedging_penalty"`
	SensationPenalty float64 `yaml:"sensation_penalty" mapstructure:"sensation_penalty"`

	Authority AuthorityConfig `yaml:"authority" mapstructure:"authority"`
}

// AuthorityConfig holds authority classification rules for document hosts
type AuthorityConfig struct {
	PrimaryDomains   []string          `yaml:"primary_domains" mapstructure:"primary_domains"`
	SecondaryDomains []string          `yaml:"secondary_domains" mapstructure:"secondary_domains"`
	DomainMap        map[string]string `yaml:"domain_map,omitempty" mapstructure:"domain_map"`
	PathPatterns     []PathPattern     `yaml:"path_patterns,omitempty" mapstructure:"path_patterns"`
}

// PathPattern maps URL path patterns to authority tiers
type PathPattern struct {
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
	Tier    string `yaml:"tier" mapstructure:"tier"`
}

// IntegrityConfig points at the negative-knowledge set
type IntegrityConfig struct {
	PatternFile string `yaml:"pattern_file,omitempty" mapstructure:"pattern_file"`
	Builtins    bool   `yaml:"builtins" mapstructure:"builtins"`
	Watch       bool   `yaml:"watch" mapstructure:"watch"`
}

// ConsensusConfig tunes synthesis
type ConsensusConfig struct {
	MinFacts         int                `yaml:"min_facts" mapstructure:"min_facts"` // clear claims required to synthesize
	Concurrency      int                `yaml:"concurrency" mapstructure:"concurrency"`
	Timeout          time.Duration      `yaml:"timeout" mapstructure:"timeout"`
	DefaultCadence   string             `yaml:"default_cadence" mapstructure:"default_cadence"`
	RecencyHalfLife  time.Duration      `yaml:"recency_half_life" mapstructure:"recency_half_life"`
	ClusterThreshold float64            `yaml:"cluster_threshold" mapstructure:"cluster_threshold"`
	Weights          map[string]float64 `yaml:"weights" mapstructure:"weights"`
	HighEvidence     float64            `yaml:"high_evidence" mapstructure:"high_evidence"`
	ModerateEvidence float64            `yaml:"moderate_evidence" mapstructure:"moderate_evidence"`
}

// ParadigmConfig tunes divergence monitoring
type ParadigmConfig struct {
	WindowSize     int           `yaml:"window_size" mapstructure:"window_size"`
	WindowDuration time.Duration `yaml:"window_duration" mapstructure:"window_duration"`
	Threshold      float64       `yaml:"threshold" mapstructure:"threshold"`
	MinOverlap     float64       `yaml:"min_overlap" mapstructure:"min_overlap"`
	Judge          string        `yaml:"judge" mapstructure:"judge"` // "lexical" or "llm"
}

// StoreConfig selects the persistence adapters
type StoreConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"` // "memory" or "sqlite"
	Path          string `yaml:"path" mapstructure:"path"`
	ConsensusPath string `yaml:"consensus_path" mapstructure:"consensus_path"`
}

// HTTPConfig configures the HTTP fetcher
type HTTPConfig struct {
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent     string        `yaml:"user_agent" mapstructure:"user_agent"`
	Proxy         string        `yaml:"proxy,omitempty" mapstructure:"proxy"`
	Insecure      bool          `yaml:"insecure" mapstructure:"insecure"`
	MaxBytes      int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	RespectRobots bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
	Readability   bool          `yaml:"readability" mapstructure:"readability"`
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheDir      string        `yaml:"cache_dir,omitempty" mapstructure:"cache_dir"`
}

// LLMConfig configures the optional contradiction judge
type LLMConfig struct {
	Provider string        `yaml:"provider" mapstructure:"provider"` // "openai" or "ollama"
	Model    string        `yaml:"model" mapstructure:"model"`
	BaseURL  string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	APIKey   string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// StatusConfig configures the status / query server
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Development bool   `yaml:"development" mapstructure:"development"`
	Output      string `yaml:"output,omitempty" mapstructure:"output"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Tick:             5 * time.Second,
			Workers:          4,
			FetchTimeout:     60 * time.Second,
			BackoffFactor:    2.0,
			DecayFactor:      0.5,
			MaxInterval:      24 * time.Hour,
			FailureThreshold: 5,
			RateLimit:        1.0,
			RateBurst:        2,
		},
		Pipeline: PipelineConfig{
			MaxInFlight:    8,
			StoreTimeout:   10 * time.Second,
			CommitAttempts: 4,
			RetryBase:      200 * time.Millisecond,
			MaxClaims:      20,
			EdgeDelta:      0.1,
		},
		Authors: AuthorConfig{
			High:            0.85,
			Low:             0.5,
			ResolveInterval: 10 * time.Minute,
		},
		Trust: TrustConfig{
			PriorWeight:      0.6,
			IdentifierBonus:  0.15,
			StudySizeWeight:  0.15,
			PrimaryBonus:     0.1,
			SecondaryBonus:   0.05,
			CitationBonus:    0.05,
			DesignBonus:      0.05,
			HedgingPenalty:   0.05,
			SensationPenalty: 0.1,
			Authority: AuthorityConfig{
				PrimaryDomains: []string{
					"nih.gov", "ncbi.nlm.nih.gov", "clinicaltrials.gov", "who.int", "europepmc.org",
					"nature.com", "science.org", "cell.com", "thelancet.com", "nejm.org", "bmj.com",
					"jamanetwork.com", "cochranelibrary.com", "plos.org", "elifesciences.org", "doi.org",
				},
				SecondaryDomains: []string{
					"biorxiv.org", "medrxiv.org", "arxiv.org", "researchsquare.com", "ssrn.com",
					"wikipedia.org", "sciencedirect.com", "springer.com", "wiley.com", "frontiersin.org",
					"mdpi.com",
				},
				PathPatterns: []PathPattern{
					{Pattern: "^/pmc/articles/", Tier: "primary"},
					{Pattern: "^/doi/10\\.", Tier: "primary"},
				},
			},
		},
		Integrity: IntegrityConfig{
			Builtins: true,
			Watch:    true,
		},
		Consensus: ConsensusConfig{
			MinFacts:         3,
			Concurrency:      4,
			Timeout:          2 * time.Minute,
			DefaultCadence:   "@every 6h",
			RecencyHalfLife:  365 * 24 * time.Hour,
			ClusterThreshold: 0.5,
			Weights: map[string]float64{
				"recency":   1.0,
				"novelty":   0.8,
				"citation":  1.0,
				"authority": 1.2,
				"breadth":   0.9,
			},
			HighEvidence:     5.0,
			ModerateEvidence: 2.0,
		},
		Paradigm: ParadigmConfig{
			WindowSize:     50,
			WindowDuration: 7 * 24 * time.Hour,
			Threshold:      3.0,
			MinOverlap:     0.5,
			Judge:          "lexical",
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          "immortyx.db",
			ConsensusPath: "immortyx-consensus.db",
		},
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			UserAgent:     "immortyx/0.1 (+https://github.com/fliws/immortyx)",
			MaxBytes:      10 * 1024 * 1024,
			RespectRobots: true,
			Readability:   true,
			CacheTTL:      time.Hour,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  30 * time.Second,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8089",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Topics: []Topic{
			{ID: "senolytics", Keywords: []string{"senolytic", "senescence", "senescent", "dasatinib", "quercetin"}},
			{ID: "rapamycin", Keywords: []string{"rapamycin", "mtor", "rapalog", "sirolimus"}},
			{ID: "metformin", Keywords: []string{"metformin", "ampk", "biguanide"}},
			{ID: "caloric-restriction", Keywords: []string{"caloric restriction", "calorie restriction", "fasting", "dietary restriction"}},
			{ID: "epigenetic-clocks", Keywords: []string{"epigenetic clock", "methylation", "reprogramming", "yamanaka"}},
		},
	}
}
