// Package completion provides a pluggable interface for text completion
// providers used by AI-assisted merges.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rcliao/memory-mesh/internal/config"
)

// ErrUnavailable is returned when no provider is configured or the provider
// refuses requests.
var ErrUnavailable = errors.New("completion provider unavailable")

// Provider generates text from a prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// --- No-op Provider ---

// Noop is the default provider. It always reports ErrUnavailable so callers
// fall back without special-casing a missing provider.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Complete(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

// --- Ollama Provider ---

// OllamaProvider uses a local Ollama instance.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

// NewOllamaProvider creates a provider using Ollama's generate API.
// baseURL defaults to $OLLAMA_HOST or http://localhost:11434.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		// Deadlines come from the caller's context.
		client: &http.Client{},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Complete(ctx context.Context, prompt string) (string, error) {
	body, _ := json.Marshal(ollamaRequest{Model: p.model, Prompt: prompt})
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(b))
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	return result.Response, nil
}

// --- OpenAI-compatible Provider ---

// OpenAIProvider uses any OpenAI-compatible chat completion API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider. An empty baseURL uses the public
// OpenAI endpoint.
func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You reconcile conflicting versions of a shared memory entry."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// --- Factory ---

// NewFromConfig builds the provider named by cfg.AIProvider, wrapped in a
// circuit breaker. OPENAI_API_KEY is read from the environment for the
// openai provider. "none" returns Noop.
func NewFromConfig(cfg config.Config) Provider {
	var p Provider
	switch cfg.AIProvider {
	case "ollama":
		p = NewOllamaProvider(cfg.AIBaseURL, cfg.AIModel)
	case "openai":
		p = NewOpenAIProvider(cfg.AIBaseURL, os.Getenv("OPENAI_API_KEY"), cfg.AIModel)
	default:
		return Noop{}
	}
	return WithBreaker(p, BreakerSettings{
		ConsecutiveFailures: uint32(cfg.BreakerFailures),
		OpenTimeout:         time.Minute,
	})
}
