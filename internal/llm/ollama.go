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

	"github.com/manabu-ai/manabu/internal/config"
)

var _ StreamingChatModel = (*OllamaChat)(nil)

// retryBackoff is the pause before the single retry of a failed transport call.
var retryBackoff = 500 * time.Millisecond

// OllamaChat generates answers via the Ollama /api/chat endpoint.
// Transport failures are retried once with a short backoff.
type OllamaChat struct {
	client      *http.Client
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
}

type chatRequest struct {
	Model    string       `json:"model"`
	Messages []Message    `json:"messages"`
	Stream   bool         `json:"stream"`
	Options  *chatOptions `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// NewOllamaChat creates a chat model adapter from cfg. Defaults are applied
// by config.ApplyDefaults; cfg fields are used as-is here.
func NewOllamaChat(cfg *config.LLMConfig) *OllamaChat {
	return &OllamaChat{
		client:      &http.Client{Timeout: cfg.Timeout()},
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Chat sends the conversation to the model and returns the reply text.
// A failed request is retried once before the error is surfaced.
func (c *OllamaChat) Chat(ctx context.Context, messages []Message) (string, error) {
	reply, err := c.chatOnce(ctx, messages)
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return "", err
	}

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return "", fmt.Errorf("chat: %w", ctx.Err())
	}
	reply, retryErr := c.chatOnce(ctx, messages)
	if retryErr != nil {
		return "", fmt.Errorf("chat failed after retry: %w", retryErr)
	}
	return reply, nil
}

// ChatStream sends the conversation with streaming enabled and forwards each
// reply fragment to onDelta. Stream failures are not retried: fragments may
// already have been delivered.
func (c *OllamaChat) ChatStream(ctx context.Context, messages []Message, onDelta func(string)) (string, error) {
	resp, err := c.send(ctx, messages, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var b strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var part chatResponse
		if err := dec.Decode(&part); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("decode stream: %w", err)
		}
		if part.Message.Content != "" {
			b.WriteString(part.Message.Content)
			if onDelta != nil {
				onDelta(part.Message.Content)
			}
		}
		if part.Done {
			break
		}
	}
	return b.String(), nil
}

func (c *OllamaChat) chatOnce(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.send(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return chatResp.Message.Content, nil
}

func (c *OllamaChat) send(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
		Options: &chatOptions{
			Temperature: c.temperature,
			NumPredict:  c.maxTokens,
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat service error (status %d): %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// ModelName identifies the configured model.
func (c *OllamaChat) ModelName() string {
	return c.model
}

// Ping checks the service is reachable without running inference.
func (c *OllamaChat) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat service returned status %d", resp.StatusCode)
	}
	return nil
}
