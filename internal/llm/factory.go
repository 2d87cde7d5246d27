package llm

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/model"
)

// NewProvider creates a new LLM provider based on configuration
func NewProvider(config Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(config.Provider) {
	case "openai":
		return NewOpenAIProvider(config, logger)

	case "ollama":
		return NewOllamaProvider(config, logger)

	case "":
		// No provider configured - return nil (LLM disabled)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (supported: openai, ollama)", config.Provider)
	}
}

// ConfigFromModel converts model.LLMConfig to llm.Config. An OpenAI key
// missing from configuration is read from OPENAI_API_KEY.
func ConfigFromModel(modelConfig model.LLMConfig, httpConfig model.HTTPConfig) Config {
	config := DefaultConfig()
	config.Provider = modelConfig.Provider
	config.Model = modelConfig.Model
	config.APIKey = modelConfig.APIKey
	config.BaseURL = modelConfig.BaseURL
	if modelConfig.Timeout > 0 {
		config.Timeout = modelConfig.Timeout
	}
	config.HTTPProxy = httpConfig.Proxy
	config.HTTPSProxy = httpConfig.Proxy

	if config.APIKey == "" && strings.EqualFold(config.Provider, "openai") {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return config
}
