package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider judges with a local Ollama model through Ollama's
// OpenAI-compatible endpoint
type OllamaProvider struct {
	chat *OpenAIProvider
}

// NewOllamaProvider creates a new Ollama provider. BaseURL is the Ollama
// server root; the model must be configured or set per request.
func NewOllamaProvider(config Config, logger *zap.Logger) (*OllamaProvider, error) {
	base := strings.TrimSuffix(config.BaseURL, "/")
	if base == "" {
		base = defaultOllamaURL
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second // local models load lazily
	}
	config.BaseURL = base + "/v1"
	config.APIKey = "ollama" // ignored by the server, required by the client

	chat, err := NewOpenAIProvider(config, logger)
	if err != nil {
		return nil, err
	}
	return &OllamaProvider{chat: chat}, nil
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// IsAvailable reports whether the Ollama server answers
func (p *OllamaProvider) IsAvailable(ctx context.Context) bool {
	return p.chat.IsAvailable(ctx)
}

// Judge scores a claim/evidence pair with a local model
func (p *OllamaProvider) Judge(ctx context.Context, req JudgeRequest) (*JudgeResponse, error) {
	if req.Model == "" && p.chat.config.Model == "" {
		return nil, fmt.Errorf("ollama model must be specified (e.g., llama3.1:8b, mistral)")
	}
	resp, err := p.chat.Judge(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return resp, nil
}
