package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alphadeskhq/alphadesk/internal/alpha"
	"github.com/alphadeskhq/alphadesk/internal/audit"
	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// maxToolRounds bounds the reasoning tool loop.
const maxToolRounds = 3

// Tool executes one named capability the reasoning model may call.
type Tool func(ctx context.Context, args map[string]any) (string, error)

// toolHeadPattern matches the head of a [TOOL:<name>(...)] marker; the
// argument list is scanned separately so a ")]" inside a JSON string value
// does not end the marker early.
var toolHeadPattern = regexp.MustCompile(`\[TOOL:(\w+)\(`)

// sensitiveTools would cause irreversible financial actions. They are
// intercepted and rewritten to action sentinels; they never execute.
var sensitiveTools = map[string]bool{
	"place_market_order":     true,
	"place_limit_order":      true,
	"place_stop_order":       true,
	"place_stop_limit_order": true,
	"cancel_order":           true,
	"create_investment_pie":  true,
	"update_investment_pie":  true,
	"delete_investment_pie":  true,
}

type toolCall struct {
	marker string
	name   string
	args   string
}

func parseToolCalls(content string) []toolCall {
	var out []toolCall
	offset := 0
	for offset < len(content) {
		loc := toolHeadPattern.FindStringSubmatchIndex(content[offset:])
		if loc == nil {
			return out
		}
		start := offset + loc[0]
		name := content[offset+loc[2] : offset+loc[3]]
		argsStart := offset + loc[1]

		end := markerEnd(content, argsStart)
		if end < 0 {
			// Unterminated marker; keep scanning past its head.
			offset = argsStart
			continue
		}
		out = append(out, toolCall{
			marker: content[start : end+2],
			name:   name,
			args:   content[argsStart:end],
		})
		offset = end + 2
	}
	return out
}

// markerEnd returns the index of the ")]" closing a marker's argument list,
// respecting strings and escapes the same way the JSON extractor does.
// Returns -1 when unterminated.
func markerEnd(s string, from int) int {
	inString := false
	escaped := false
	for i := from; i < len(s)-1; i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == ')' && s[i+1] == ']':
			return i
		}
	}
	return -1
}

// toolLoop resolves tool-call markers in the draft: sensitive tools are
// intercepted and rewritten in place, everything else executes
// concurrently with results re-submitted to the model as user content.
// At most three rounds.
func (o *Orchestrator) toolLoop(ctx context.Context, correlationID, query string, mc *market.MarketContext, draft string) string {
	content := draft
	messages := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: reasonerSystemPrompt},
		{Role: llm.RoleUser, Content: buildPrompt(query, mc)},
	}

	for round := 0; round < maxToolRounds; round++ {
		content = o.rewriteSensitive(ctx, content)
		executable := parseToolCalls(content)
		if len(executable) == 0 {
			return content
		}

		results := o.executeTools(ctx, correlationID, executable)

		messages = append(messages,
			llm.ChatMessage{Role: llm.RoleAssistant, Content: content},
			llm.ChatMessage{Role: llm.RoleUser, Content: "TOOL RESULTS:\n" + results})

		resp, err := o.reasoner.Complete(ctx, messages)
		if err != nil || len(resp.Choices) == 0 {
			o.log.Warn().Err(err).Msg("Tool-result resubmission failed, keeping current draft")
			return content
		}
		visible, thought := llm.SplitReasoning(resp.Choices[0].Message.Content)
		if thought != "" {
			mc.Reasoning = strings.TrimSpace(mc.Reasoning + "\n\n" + thought)
		}
		content = visible
	}
	return content
}

// rewriteSensitive replaces any sensitive tool markers still present in
// the content with action sentinels. Markers can survive the tool loop's
// last resubmission or arrive in a debate rewrite; none may reach the user.
func (o *Orchestrator) rewriteSensitive(ctx context.Context, content string) string {
	for _, call := range parseToolCalls(content) {
		if !sensitiveTools[call.name] {
			continue
		}
		content = strings.Replace(content, call.marker,
			fmt.Sprintf("[ACTION_REQUIRED:%s] Parameters: %s", call.name, call.args), 1)
		metrics.RecordToolCall(call.name, true)
		o.auditRecord(ctx, audit.ActionToolIntercepted, map[string]any{
			"tool": call.name,
			"args": call.args,
		})
		o.log.Info().Str("tool", call.name).Msg("Sensitive tool intercepted")
	}
	return content
}

// executeTools runs one round's calls concurrently; the textual results
// are concatenated in marker appearance order regardless of completion.
func (o *Orchestrator) executeTools(ctx context.Context, correlationID string, calls []toolCall) string {
	results := make([]string, len(calls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			result := o.executeTool(gctx, correlationID, call)
			mu.Lock()
			results[i] = fmt.Sprintf("%s: %s", call.name, result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return strings.Join(results, "\n")
}

func (o *Orchestrator) executeTool(ctx context.Context, correlationID string, call toolCall) string {
	tool, ok := o.tools[call.name]
	if !ok {
		metrics.RecordToolCall(call.name, false)
		return "error: unknown tool"
	}

	var args map[string]any
	if call.args != "" {
		if err := json.Unmarshal([]byte(call.args), &args); err != nil {
			metrics.RecordToolCall(call.name, false)
			return fmt.Sprintf("error: malformed arguments: %v", err)
		}
	}

	o.emit(ctx, bus.SubjectToolCall, correlationID, map[string]any{"tool": call.name, "args": args})

	result, err := tool(ctx, args)
	metrics.RecordToolCall(call.name, false)
	if err != nil {
		result = fmt.Sprintf("error: %v", err)
	}
	o.emit(ctx, bus.SubjectToolResult, correlationID, map[string]any{"tool": call.name, "result": result})
	o.auditRecord(ctx, audit.ActionToolExecuted, map[string]any{"tool": call.name})
	return result
}

// SearchInstrumentsTool exposes instrument search to the reasoning model.
func SearchInstrumentsTool(searcher market.InstrumentSearcher) Tool {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("missing query")
		}
		instruments, err := searcher.Search(ctx, query)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(instruments)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}

// AlphaMetricsTool exposes historical attribution reads to the model.
func AlphaMetricsTool(store alpha.Store) Tool {
	return func(ctx context.Context, args map[string]any) (string, error) {
		ticker, _ := args["ticker"].(string)
		m, err := store.AgentAlphaMetrics(ctx, market.NormalizeTicker(ticker))
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(m)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}
