// Package llm provides OpenAI-compatible chat completion clients: a plain
// HTTP client, a multi-model fallback client guarded by circuit breakers,
// and parsing helpers that turn model text into structured types.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// Completer is the capability agents and the orchestrator consume. Both
// Client and FallbackClient satisfy it.
type Completer interface {
	// Complete sends a chat completion request with the given messages
	Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error)

	// CompleteWithSystem is a convenience method for system + user prompts
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// Model returns the identifier of the (primary) model
	Model() string
}

// Streamer is the optional streaming capability.
type Streamer interface {
	// CompleteStream streams completion deltas over the returned channel.
	// The channel closes when the model finishes or the context expires.
	CompleteStream(ctx context.Context, messages []ChatMessage) (<-chan string, error)
}

// Client talks to one OpenAI-compatible chat completion endpoint.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	purpose     string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// ClientConfig contains configuration for the LLM client
type ClientConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Purpose     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewClient creates a new LLM client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Purpose == "" {
		cfg.Purpose = PurposeReasoning
	}

	return &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		purpose:     cfg.Purpose,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// NewRoutingClient builds the small low-temperature intent router client.
func NewRoutingClient(cfg *config.Config) *Client {
	return NewClient(ClientConfig{
		Endpoint:    cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.RoutingModel,
		Purpose:     PurposeRouting,
		Temperature: 0.1,
		MaxTokens:   500,
		Timeout:     cfg.LLM.GetTimeout(),
	})
}

// NewReasoningClient builds the main reasoning model client.
func NewReasoningClient(cfg *config.Config) *Client {
	return NewClient(ClientConfig{
		Endpoint:    cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.ReasoningModel,
		Purpose:     PurposeReasoning,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.GetTimeout(),
	})
}

// NewRiskClient builds the contrarian risk critic client.
func NewRiskClient(cfg *config.Config) *Client {
	return NewClient(ClientConfig{
		Endpoint:    cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.RiskModel,
		Purpose:     PurposeRisk,
		Temperature: 0.3,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.GetTimeout(),
	})
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Complete sends a chat completion request to the LLM
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	request := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	start := time.Now()
	body, err := c.post(ctx, request)
	if err != nil {
		return nil, err
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fault.Wrap(fault.ErrParse, "malformed completion response: %v", err)
	}

	durationMS := float64(time.Since(start).Milliseconds())
	metrics.RecordLLMRequest(c.model, c.purpose, durationMS)

	log.Debug().
		Str("model", chatResp.Model).
		Str("purpose", c.purpose).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Float64("duration_ms", durationMS).
		Msg("LLM request completed")

	return &chatResp, nil
}

// CompleteWithSystem sends a request with a system message and user message
func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []ChatMessage{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: userPrompt},
	}

	resp, err := c.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fault.Wrap(fault.ErrUpstreamUnavailable, "no choices in LLM response")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStream streams completion deltas token by token.
func (c *Client) CompleteStream(ctx context.Context, messages []ChatMessage) (<-chan string, error) {
	request := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, body)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		start := time.Now()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				if data == "[DONE]" {
					break
				}
				continue
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				log.Warn().Err(err).Msg("Skipping malformed stream chunk")
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- delta:
			case <-ctx.Done():
				return
			}
		}
		metrics.RecordLLMRequest(c.model, c.purpose, float64(time.Since(start).Milliseconds()))
	}()

	return out, nil
}

// post sends the request and returns the raw success body.
func (c *Client) post(ctx context.Context, request ChatRequest) ([]byte, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Debug().
		Str("endpoint", c.endpoint).
		Str("model", c.model).
		Int("message_count", len(request.Messages)).
		Msg("Sending LLM request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return body, nil
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout") {
		return fault.Wrap(fault.ErrTimeout, "LLM request timed out: %v", err)
	}
	return fault.Wrap(fault.ErrUpstreamUnavailable, "LLM request failed: %v", err)
}

func classifyStatus(status int, body []byte) error {
	var errResp ErrorResponse
	detail := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		detail = errResp.Error.Message
	}
	switch {
	case status == http.StatusNotFound:
		return fault.Wrap(fault.ErrNotFound, "LLM API %d: %s", status, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.Wrap(fault.ErrUpstreamUnavailable, "LLM API %d: %s", status, detail)
	default:
		return fault.Wrap(fault.ErrValidation, "LLM API %d: %s", status, detail)
	}
}

var (
	_ Completer = (*Client)(nil)
	_ Streamer  = (*Client)(nil)
)
