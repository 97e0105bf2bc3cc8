package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	openAIAPIBase      = "https://api.openai.com/v1"
)

// OpenAIProvider implements Generator against an OpenAI-compatible chat
// completions endpoint. Also covers self-hosted gateways that speak the same
// protocol.
type OpenAIProvider struct {
	apiKey      string
	baseURL     string
	model       string
	name        string
	client      *http.Client
	retryConfig RetryConfig
}

// NewOpenAIProvider creates an OpenAI-compatible generator.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:      apiKey,
		baseURL:     openAIAPIBase,
		model:       defaultOpenAIModel,
		name:        "openai",
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithOpenAIName(name string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if name != "" {
			p.name = name
		}
	}
}

func WithOpenAIRetry(cfg RetryConfig) OpenAIOption {
	return func(p *OpenAIProvider) { p.retryConfig = cfg }
}

func (p *OpenAIProvider) Name() string { return p.name }

type openAIRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_completion_tokens,omitempty"`
	Messages  []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate performs one chat completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, system, user string, maxTokens int) (*GenerateResult, error) {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	msgs := []openAIMessage{}
	if system != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: user})

	body, err := json.Marshal(openAIRequest{Model: p.model, MaxTokens: maxTokens, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	return RetryDo(ctx, p.retryConfig, func() (*GenerateResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", p.name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, &RateLimitError{RetryAfter: retryAfter, Message: string(respBody)}
			}
			return nil, &HTTPError{
				Status:     resp.StatusCode,
				Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
				RetryAfter: retryAfter,
			}
		}

		var parsed openAIResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		if len(parsed.Choices) == 0 {
			return nil, fmt.Errorf("%s: empty choices", p.name)
		}
		return &GenerateResult{
			Content: parsed.Choices[0].Message.Content,
			Usage: Usage{
				InputTokens:  parsed.Usage.PromptTokens,
				OutputTokens: parsed.Usage.CompletionTokens,
			},
		}, nil
	})
}
