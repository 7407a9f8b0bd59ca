package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"upbit-trading-bot/config"
)

// Provider represents the LLM provider type
type Provider string

const (
	ProviderGemini   Provider = "gemini"
	ProviderClaude   Provider = "claude"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
)

const (
	geminiBaseURL   = "https://generativelanguage.googleapis.com"
	claudeBaseURL   = "https://api.anthropic.com"
	openAIBaseURL   = "https://api.openai.com"
	deepSeekBaseURL = "https://api.deepseek.com"
)

// defaultModels is used when no model is configured for the provider
var defaultModels = map[Provider]string{
	ProviderGemini:   "gemini-2.5-pro",
	ProviderClaude:   "claude-sonnet-4-20250514",
	ProviderOpenAI:   "gpt-4o",
	ProviderDeepSeek: "deepseek-chat",
}

// ClientConfig holds LLM client configuration
type ClientConfig struct {
	Provider    Provider      `json:"provider"`
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
	BaseURL     string        `json:"base_url"` // Overrides the provider host
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Provider:    ProviderGemini,
		Model:       defaultModels[ProviderGemini],
		MaxTokens:   2048,
		Temperature: 0.2,
		Timeout:     90 * time.Second,
	}
}

// ClientConfigFromSettings picks the key of the configured provider
func ClientConfigFromSettings(ai config.AIConfig) *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Provider = Provider(strings.ToLower(ai.LLMProvider))
	if cfg.Provider == "" {
		cfg.Provider = ProviderGemini
	}
	switch cfg.Provider {
	case ProviderGemini:
		cfg.APIKey = ai.GeminiAPIKey
	case ProviderClaude:
		cfg.APIKey = ai.ClaudeAPIKey
	case ProviderOpenAI:
		cfg.APIKey = ai.OpenAIAPIKey
	case ProviderDeepSeek:
		cfg.APIKey = ai.DeepSeekAPIKey
	}
	cfg.Model = ai.LLMModel
	// A gemini model name configured for another provider falls back to its default
	if cfg.Model == "" || (cfg.Provider != ProviderGemini && strings.HasPrefix(cfg.Model, "gemini")) {
		cfg.Model = defaultModels[cfg.Provider]
	}
	if ai.MaxTokens > 0 {
		cfg.MaxTokens = ai.MaxTokens
	}
	cfg.Temperature = ai.Temperature
	if ai.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(ai.TimeoutSeconds) * time.Second
	}
	return cfg
}

// Completer produces a completion for a system and user prompt
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Client is the LLM API client
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a new LLM client
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

var _ Completer = (*Client)(nil)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClaudeRequest represents a Claude API request
type ClaudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
}

// ClaudeResponse represents a Claude API response
type ClaudeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIRequest represents an OpenAI API request (DeepSeek is compatible)
type OpenAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// OpenAIResponse represents an OpenAI API response
type OpenAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// GeminiRequest represents a generateContent request
type GeminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

// GeminiResponse represents a generateContent response
type GeminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Complete sends a completion request to the LLM
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	switch c.config.Provider {
	case ProviderGemini:
		return c.completeGemini(ctx, systemPrompt, userPrompt)
	case ProviderClaude:
		return c.completeClaude(ctx, systemPrompt, userPrompt)
	case ProviderOpenAI:
		return c.completeOpenAICompatible(ctx, c.baseURL(openAIBaseURL)+"/v1/chat/completions", "OpenAI", systemPrompt, userPrompt)
	case ProviderDeepSeek:
		return c.completeOpenAICompatible(ctx, c.baseURL(deepSeekBaseURL)+"/v1/chat/completions", "DeepSeek", systemPrompt, userPrompt)
	default:
		return "", fmt.Errorf("unsupported provider: %s", c.config.Provider)
	}
}

func (c *Client) baseURL(fallback string) string {
	if c.config.BaseURL != "" {
		return strings.TrimRight(c.config.BaseURL, "/")
	}
	return fallback
}

// post sends a JSON body and returns the raw response body
func (c *Client) post(ctx context.Context, url string, payload interface{}, headers map[string]string) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// completeGemini sends a request to the Gemini generateContent API
func (c *Client) completeGemini(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var req GeminiRequest
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	req.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: userPrompt}}}}
	req.GenerationConfig.Temperature = c.config.Temperature
	req.GenerationConfig.MaxOutputTokens = c.config.MaxTokens

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL(geminiBaseURL), c.config.Model)
	respBody, status, err := c.post(ctx, url, req, map[string]string{"x-goog-api-key": c.config.APIKey})
	if err != nil {
		return "", err
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response (status %d): %w", status, err)
	}
	if geminiResp.Error != nil {
		return "", fmt.Errorf("API error: %s - %s", geminiResp.Error.Status, geminiResp.Error.Message)
	}
	if len(geminiResp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from Gemini")
	}

	var sb strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response from Gemini (finish reason %s)", geminiResp.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}

// completeClaude sends a request to Claude API
func (c *Client) completeClaude(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := ClaudeRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		System:      systemPrompt,
		Messages: []Message{
			{Role: "user", Content: userPrompt},
		},
	}

	respBody, status, err := c.post(ctx, c.baseURL(claudeBaseURL)+"/v1/messages", req, map[string]string{
		"x-api-key":         c.config.APIKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", err
	}

	var claudeResp ClaudeResponse
	if err := json.Unmarshal(respBody, &claudeResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response (status %d): %w", status, err)
	}
	if claudeResp.Error != nil {
		return "", fmt.Errorf("API error: %s - %s", claudeResp.Error.Type, claudeResp.Error.Message)
	}
	if len(claudeResp.Content) == 0 {
		return "", fmt.Errorf("empty response from Claude")
	}

	return claudeResp.Content[0].Text, nil
}

// completeOpenAICompatible serves OpenAI and DeepSeek
func (c *Client) completeOpenAICompatible(ctx context.Context, url, name, systemPrompt, userPrompt string) (string, error) {
	req := OpenAIRequest{
		Model: c.config.Model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	respBody, status, err := c.post(ctx, url, req, map[string]string{"Authorization": "Bearer " + c.config.APIKey})
	if err != nil {
		return "", err
	}

	var openAIResp OpenAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response (status %d): %w", status, err)
	}
	if openAIResp.Error != nil {
		return "", fmt.Errorf("API error: %s - %s", openAIResp.Error.Type, openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", name)
	}

	return openAIResp.Choices[0].Message.Content, nil
}

// GetProvider returns the configured provider
func (c *Client) GetProvider() Provider {
	return c.config.Provider
}

// IsConfigured checks if the client is properly configured
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}
