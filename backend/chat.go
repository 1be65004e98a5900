package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ChatClient sends OpenAI-style chat-completion requests to whichever
// endpoint a ModelConfig points at.
type ChatClient struct {
	client *http.Client
	logger *slog.Logger
}

// NewChatClient creates a client. timeout bounds one request end to end;
// vision calls against a loaded local model can legitimately take minutes.
func NewChatClient(timeout time.Duration, logger *slog.Logger) *ChatClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &ChatClient{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// ChatRequest is the chat-completions payload.
type ChatRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

// ChatMessage carries one role's content parts.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is a text or image_url fragment of a message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps an image reference (data: URL here).
type ImageURL struct {
	URL string `json:"url"`
}

// ChatResponse is the chat-completions reply.
type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   UsageInfo    `json:"usage"`
}

// ChatChoice is one candidate reply.
type ChatChoice struct {
	Index        int `json:"index"`
	Message      struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// UsageInfo is the provider-reported token accounting. Providers that omit
// it simply leave the fields zero — usage never fails a call.
type UsageInfo struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// Send posts one chat-completion request. Non-2xx responses come back as
// *StatusError so the retry policy can classify them.
func (c *ChatClient) Send(ctx context.Context, cfg *ModelConfig, req ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch {
	case cfg.APIKey != "":
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	case cfg.Token != "":
		httpReq.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	c.logger.Debug("chat completion received",
		"model", req.Model,
		"duration", time.Since(start),
		"tokens", chatResp.Usage.TotalTokens)

	return &chatResp, nil
}
