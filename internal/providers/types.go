package providers

import "context"

// Provider is a chat-completion backend used for intention classification.
type Provider interface {
	// Chat sends messages and returns the first choice. req.Model overrides
	// the default model.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	DefaultModel() string

	// Name returns the provider identifier (e.g. "openai", "groq").
	Name() string
}

// ChatRequest is one completion call.
type ChatRequest struct {
	Messages    []Message
	Model       string
	Temperature *float64 // nil leaves the backend default
	MaxTokens   int      // 0 leaves the backend default
	JSON        bool     // ask for a JSON object response
}

// ChatResponse is the first choice of a completion.
type ChatResponse struct {
	Content      string
	FinishReason string // "stop", "length"
	Usage        *Usage
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Float returns a pointer to f, for ChatRequest.Temperature.
func Float(f float64) *float64 { return &f }
