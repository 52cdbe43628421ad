package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/resilience"
)

// FallbackClient tries an ordered list of model clients, each behind its
// own circuit breaker. The first client whose breaker admits the call and
// whose completion succeeds wins.
type FallbackClient struct {
	clients  []*Client
	breakers *resilience.Registry
	log      zerolog.Logger
}

// NewFallbackClient builds a fallback client over the given clients, in
// descending preference order.
func NewFallbackClient(breakers *resilience.Registry, clients ...*Client) *FallbackClient {
	return &FallbackClient{
		clients:  clients,
		breakers: breakers,
		log:      config.NewLogger("llm_fallback"),
	}
}

// Model returns the primary model identifier.
func (fc *FallbackClient) Model() string {
	if len(fc.clients) == 0 {
		return ""
	}
	return fc.clients[0].Model()
}

// Complete walks the model list. Breaker-refused models are skipped
// without counting a failure; deterministic errors (validation, parse)
// advance without tripping the breaker further than one failure.
func (fc *FallbackClient) Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	var lastErr error
	for _, client := range fc.clients {
		resource := "llm:" + client.Model()

		done, err := fc.breakers.Allow(resource)
		if err != nil {
			fc.log.Warn().
				Str("model", client.Model()).
				Msg("Model circuit open, skipping")
			continue
		}

		start := time.Now()
		resp, err := client.Complete(ctx, messages)
		if err == nil {
			done(true)
			return resp, nil
		}
		done(false)
		lastErr = err

		fc.log.Warn().
			Err(err).
			Str("model", client.Model()).
			Dur("duration", time.Since(start)).
			Msg("Model failed, trying fallback")
	}

	if lastErr == nil {
		return nil, fault.Wrap(fault.ErrCircuitOpen, "no model available: all circuits open")
	}
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

// CompleteWithSystem is the system + user prompt convenience with fallback.
func (fc *FallbackClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := fc.Complete(ctx, []ChatMessage{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: userPrompt},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fault.Wrap(fault.ErrUpstreamUnavailable, "no choices in LLM response")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Completer = (*FallbackClient)(nil)
