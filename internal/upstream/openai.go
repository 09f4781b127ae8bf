package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const providerOpenAI = "openai"

// ChatMessage is one message of a chat completion exchange.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of /chat/completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse is the decoded /chat/completions reply.
type ChatResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []ChatChoice    `json:"choices"`
	Raw     json.RawMessage `json:"-"`
}

// FirstContent returns the trimmed content of the first choice.
func (r *ChatResponse) FirstContent() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Choices[0].Message.Content)
}

// OpenAI calls the chat completions API.
type OpenAI struct {
	client  *Client
	baseURL string
	apiKey  string
}

// NewOpenAI returns an OpenAI provider.
func NewOpenAI(client *Client, baseURL, apiKey string) *OpenAI {
	return &OpenAI{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Configured reports whether an API key is available.
func (o *OpenAI) Configured() bool {
	return o != nil && o.apiKey != ""
}

// ChatCompletion performs one chat completion call.
func (o *OpenAI) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	raw, err := o.client.PostJSON(ctx, providerOpenAI, o.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + o.apiKey}, req, &out)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	out.Raw = raw
	return &out, nil
}
