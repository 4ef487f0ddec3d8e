// Package llm wraps the Ollama-compatible hosted chat endpoint. The
// client performs exactly one HTTP call per invocation and classifies
// the result so the dispatcher can drive credential lifecycle and
// retries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/botfleet/botfleet/pkg/models"
)

// Client calls the hosted chat API with a caller-supplied credential.
type Client struct {
	apiURL string
	model  string
	http   *http.Client
}

// NewClient builds a Client for the given endpoint and default model.
func NewClient(apiURL, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiURL: apiURL,
		model:  model,
		http:   &http.Client{Timeout: timeout},
	}
}

// Model returns the client's default model name.
func (c *Client) Model() string { return c.model }

// Result is one classified chat call.
type Result struct {
	Outcome models.Outcome
	Content string
	// Status is the HTTP status code, 0 on transport failure.
	Status int
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// Chat performs one chat completion using credential. The returned
// Result is always classified, even on error:
//
//	401/403            → fatal (the credential itself is bad)
//	429, 5xx, timeout  → transient
//	2xx well-formed    → success
//
// model overrides the client default when non-empty.
func (c *Client) Chat(ctx context.Context, credential, model string, messages []models.ChatMessage) (Result, error) {
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: false})
	if err != nil {
		return Result{Outcome: models.OutcomeTransient}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: models.OutcomeTransient}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection errors are transient by definition.
		return Result{Outcome: models.OutcomeTransient}, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	result := Result{Status: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		result.Outcome = models.OutcomeFatal
		return result, fmt.Errorf("credential rejected (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		result.Outcome = models.OutcomeTransient
		return result, fmt.Errorf("rate limited (429)")
	case resp.StatusCode >= 500:
		result.Outcome = models.OutcomeTransient
		return result, fmt.Errorf("server error (%d)", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		result.Outcome = models.OutcomeTransient
		return result, fmt.Errorf("unexpected status (%d)", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		result.Outcome = models.OutcomeTransient
		return result, fmt.Errorf("decode chat response: %w", err)
	}

	content, err := extractContent(payload)
	if err != nil {
		result.Outcome = models.OutcomeTransient
		return result, err
	}

	result.Outcome = models.OutcomeSuccess
	result.Content = content
	return result, nil
}

// extractContent pulls the assistant text out of the response. The
// common Ollama schema is {message:{content}}, with fallbacks for
// hosted variants that return {content} or OpenAI-style choices.
func extractContent(payload map[string]any) (string, error) {
	if msg, ok := payload["message"].(map[string]any); ok {
		if content, ok := msg["content"].(string); ok {
			return content, nil
		}
	}
	if content, ok := payload["content"].(string); ok {
		return content, nil
	}
	if choices, ok := payload["choices"].([]any); ok && len(choices) > 0 {
		if first, ok := choices[0].(map[string]any); ok {
			if msg, ok := first["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok {
					return content, nil
				}
			}
		}
	}
	return "", errors.New("unexpected chat response schema")
}
