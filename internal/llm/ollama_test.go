package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
)

func ollamaServer(t *testing.T, status int, answer string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			_ = json.NewEncoder(w).Encode(openai.ModelsList{Models: []openai.Model{{ID: "llama3.1"}}})
		case "/v1/chat/completions":
			var req openai.ChatCompletionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.Model != "llama3.1" {
				t.Errorf("Expected model llama3.1, got %s", req.Model)
			}
			if status != http.StatusOK {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error": {"message": "model runner crashed"}}`))
				return
			}
			_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
				Model: "llama3.1",
				Choices: []openai.ChatCompletionChoice{
					{Message: openai.ChatCompletionMessage{Role: "assistant", Content: answer}},
				},
				Usage: openai.Usage{TotalTokens: 12},
			})
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestOllamaProvider_Judge_Success(t *testing.T) {
	server := ollamaServer(t, http.StatusOK, " 0.2\n")
	defer server.Close()

	provider, err := NewOllamaProvider(Config{BaseURL: server.URL + "/", Model: "llama3.1", Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	resp, err := provider.Judge(context.Background(), judgeReq)
	if err != nil {
		t.Fatalf("Judge failed: %v", err)
	}
	if resp.Score != 0.2 {
		t.Errorf("Unexpected score: %v", resp.Score)
	}
	if resp.TokensUsed != 12 {
		t.Errorf("Unexpected token usage: %d", resp.TokensUsed)
	}
}

func TestOllamaProvider_Judge_APIError(t *testing.T) {
	server := ollamaServer(t, http.StatusInternalServerError, "")
	defer server.Close()

	provider, err := NewOllamaProvider(Config{BaseURL: server.URL, Model: "llama3.1", Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	_, err = provider.Judge(context.Background(), judgeReq)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "ollama: ") {
		t.Errorf("Expected an ollama error, got %v", err)
	}
}

func TestOllamaProvider_Judge_ProseRejected(t *testing.T) {
	server := ollamaServer(t, http.StatusOK, "The evidence clearly contradicts the claim.")
	defer server.Close()

	provider, err := NewOllamaProvider(Config{BaseURL: server.URL, Model: "llama3.1"}, nil)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	if _, err := provider.Judge(context.Background(), judgeReq); err == nil {
		t.Fatal("Expected error for a prose answer, got nil")
	}
}

func TestOllamaProvider_IsAvailable(t *testing.T) {
	server := ollamaServer(t, http.StatusOK, "")
	provider, err := NewOllamaProvider(Config{BaseURL: server.URL}, nil)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	if !provider.IsAvailable(context.Background()) {
		t.Error("Expected available to be true")
	}

	server.Close()
	if provider.IsAvailable(context.Background()) {
		t.Error("Expected available to be false once the server is gone")
	}
}

func TestOllamaProvider_Judge_NoModel(t *testing.T) {
	provider, err := NewOllamaProvider(Config{}, nil)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	_, err = provider.Judge(context.Background(), judgeReq)
	if err == nil {
		t.Fatal("Expected error when no model provided, got nil")
	}
	if !strings.Contains(err.Error(), "must be specified") {
		t.Errorf("Expected error about missing model, got %v", err)
	}
}
