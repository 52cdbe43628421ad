package agents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/sandbox"
)

const mathGenSystemPrompt = `You translate one financial calculation request into a single expression.

The expression language supports: string and number literals, + - * /,
parentheses, object literals {"key": expr}, reads from input["key"], and
the helpers upper, lower, trim, replace, regex_replace, abs, round, str.
No loops, no variables, no other functions.

Respond with JSON only: {"expression": "<one expression>"}`

// MathGenerator asks a reasoning model to translate a calculation request
// into one restricted expression, then executes that expression in the
// sandbox. Generated code never runs outside the sandbox under any
// circumstances.
type MathGenerator struct {
	client llm.Completer
	log    zerolog.Logger
}

// NewMathGenerator creates the sandboxed calculation specialist.
func NewMathGenerator(client llm.Completer) *MathGenerator {
	return &MathGenerator{client: client, log: config.NewAgentLogger(NameMathGen)}
}

func (m *MathGenerator) Name() string                   { return NameMathGen }
func (m *MathGenerator) Timeout() time.Duration         { return 30 * time.Second }
func (m *MathGenerator) CacheTTL() time.Duration        { return 0 }
func (m *MathGenerator) CacheKey(map[string]any) string { return "" }

func (m *MathGenerator) Analyze(ctx context.Context, input map[string]any) (map[string]any, error) {
	request := stringInput(input, "request", "")
	if request == "" {
		return nil, fault.Wrap(fault.ErrValidation, "missing calculation request")
	}
	if m.client == nil {
		return nil, fault.Wrap(fault.ErrUpstreamUnavailable, "no model configured for expression generation")
	}

	variables, _ := input["variables"].(map[string]any)
	if variables == nil {
		variables = map[string]any{}
	}

	prompt := request
	if len(variables) > 0 {
		if encoded, err := json.Marshal(variables); err == nil {
			prompt += "\n\nAvailable input keys and values: " + string(encoded)
		}
	}

	content, err := m.client.CompleteWithSystem(ctx, mathGenSystemPrompt, prompt)
	if err != nil {
		return nil, fault.Wrap(fault.KindOr(err, fault.ErrUpstreamUnavailable), "expression generation: %v", err)
	}

	var generated struct {
		Expression string `json:"expression"`
	}
	if err := llm.ParseJSON(m.client.Model(), content, &generated); err != nil {
		return nil, err
	}
	if generated.Expression == "" {
		return nil, fault.Wrap(fault.ErrParse, "model returned no expression")
	}

	result, err := sandbox.Eval(ctx, generated.Expression, variables)
	if err != nil {
		m.log.Warn().Err(err).Str("expression", generated.Expression).Msg("Generated expression rejected by sandbox")
		return nil, err
	}

	return map[string]any{
		"expression": generated.Expression,
		"result":     result,
	}, nil
}
