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
	defaultAPIBase   = "https://api.openai.com/v1"
	completionsPath  = "/chat/completions"
	maxErrorBodySize = 4096
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, Ollama).
type OpenAIProvider struct {
	name         string
	apiKey       string
	endpoint     string
	defaultModel string
	client       *http.Client
	retry        RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		endpoint:     strings.TrimRight(apiBase, "/") + completionsPath,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 30 * time.Second},
		retry:        DefaultRetryConfig(),
	}
}

// WithRetry replaces the retry policy.
func (p *OpenAIProvider) WithRetry(cfg RetryConfig) *OpenAIProvider {
	p.retry = cfg
	return p
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := completionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if body.Model == "" {
		body.Model = p.defaultModel
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		var out completionResponse
		if err := p.post(ctx, payload, &out); err != nil {
			return nil, err
		}
		return out.toChatResponse(), nil
	})
}

// post sends one request and decodes a 200 response into out. Other statuses
// become *HTTPError so RetryDo can classify them.
func (p *OpenAIProvider) post(ctx context.Context, payload []byte, out *completionResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, msg),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return nil
}

func (r *completionResponse) toChatResponse() *ChatResponse {
	res := &ChatResponse{FinishReason: "stop", Usage: r.Usage}
	if len(r.Choices) > 0 {
		res.Content = r.Choices[0].Message.Content
		if fr := r.Choices[0].FinishReason; fr != "" {
			res.FinishReason = fr
		}
	}
	return res
}
