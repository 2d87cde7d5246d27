// Package llm asks a language model whether new evidence contradicts a
// consensus claim. Providers answer with a score, never with prose.
package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Judge scores how strongly the evidence contradicts the claim
	Judge(ctx context.Context, req JudgeRequest) (*JudgeResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// JudgeRequest contains the input for one contradiction judgement
type JudgeRequest struct {
	// Claim is the consensus key claim
	Claim string

	// Evidence is the text of the newly accepted fact
	Evidence string

	// Prompt is an optional custom prompt (if empty, use default)
	Prompt string

	// Model is the specific model to use (provider-specific)
	Model string

	// MaxTokens limits the response length
	MaxTokens int
}

// JudgeResponse contains the judgement
type JudgeResponse struct {
	// Score is the contradiction score in [0,1]; 0 agrees or is unrelated
	Score float64

	// Model is the model that generated the response
	Model string

	// TokensUsed tracks token consumption
	TokensUsed int
}

// Config holds LLM provider configuration
type Config struct {
	// Provider name: "openai", "ollama", ""
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama)
	BaseURL string

	// Timeout for API requests
	Timeout time.Duration

	// MaxTokens for response generation
	MaxTokens int

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Provider:  "", // Disabled by default
		Timeout:   30 * time.Second,
		MaxTokens: 8,
	}
}

const systemPrompt = "You compare scientific findings. You answer with a single number and nothing else."

// BuildPrompt constructs the default judgement prompt
func BuildPrompt(claim, evidence string) string {
	return fmt.Sprintf(`Consensus claim:
%s

New finding:
%s

How strongly does the new finding contradict the consensus claim?
Answer with one number between 0 and 1:
- 0 means it agrees with the claim or is about something else
- 1 means it directly contradicts the claim
Do not explain.`, strings.TrimSpace(claim), strings.TrimSpace(evidence))
}

var scorePattern = regexp.MustCompile(`^\s*([01](?:\.\d+)?|\.\d+)\s*\.?\s*$`)

// ParseScore reads a model answer. Anything but a bare number in [0,1]
// is an error.
func ParseScore(text string) (float64, error) {
	m := scorePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("llm: answer is not a score: %q", truncate(text, 80))
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("llm: parse score %q: %w", m[1], err)
	}
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("llm: score %v out of range", score)
	}
	return score, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
