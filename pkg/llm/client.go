// Package llm wraps a stateless chat-completion API. The gateway treats the
// model as a possibly-wrong oracle: everything it returns is re-parsed and
// re-validated before it can touch the store.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/httpx"
)

// Client is the surface the router and planner depend on.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is one completion call. System and User map onto the usual two
// chat roles.
type Request struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	Client     *http.Client
	BaseURL    string
	APIKey     string
	Retries    int
	RetryDelay time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", fmt.Errorf("llm: model required")
	}
	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/v1/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.APIKey}
	status, respBody, err := httpx.RequestJSON(ctx, c.Client, http.MethodPost, url, body, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("llm: invalid response: %w", err)
	}
	if status != http.StatusOK {
		msg := "request failed"
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("llm: status %d: %s", status, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion")
	}
	return parsed.Choices[0].Message.Content, nil
}

// StripCodeFence removes a surrounding markdown code fence if the model
// wrapped its JSON in one.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
