package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alphadeskhq/alphadesk/internal/agent"
	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/audit"
	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
	"github.com/alphadeskhq/alphadesk/internal/risk"
)

// StreamChunk is one unit of streamed output. Delta carries text; the
// terminal chunk carries Final instead.
type StreamChunk struct {
	Delta string
	Final *FinalAnswer
	Err   error
}

// RunStream performs the lifecycle front half identically to Run, then
// streams reasoning-model output token by token. Debate and warnings are
// appended to the stream after the model finishes. Private reasoning
// blocks are filtered out of the stream as they arrive.
func (o *Orchestrator) RunStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if o.reasoner == nil {
		return nil, fault.Wrap(fault.ErrValidation, "no reasoning model configured")
	}

	start := o.now()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx = agent.WithCorrelationID(ctx, correlationID)

	var cancel context.CancelFunc = func() {}
	if d := o.cfg.Orchestrator.Timeout(); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	}

	o.emit(ctx, bus.SubjectAgentStarted, correlationID, map[string]any{"agent": Name})
	o.auditRecord(ctx, audit.ActionSessionStarted, map[string]any{
		"correlation_id": correlationID,
		"streaming":      true,
	})

	intent, mc := o.prepare(ctx, req, correlationID)
	if len(intent.Needs) > 0 {
		o.emit(ctx, bus.SubjectSwarmStarted, correlationID, map[string]any{"needs": intent.Needs})
		o.swarm(ctx, mc, intent, req)
	}
	detectContradictions(mc)

	o.emit(ctx, bus.SubjectReasoningStarted, correlationID, map[string]any{"model": o.reasoner.Model()})

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()

		full, err := o.streamDraft(ctx, req.Query, mc, out)
		if err != nil {
			out <- StreamChunk{Err: err}
			return
		}

		visible, thought := llm.SplitReasoning(full)
		if thought != "" {
			mc.Reasoning = thought
		}
		visible = o.interceptSensitive(ctx, visible, out)

		verdict := &risk.Verdict{Status: risk.StatusApproved, Confidence: 1}
		var trace []risk.DebateTurn
		if o.critic != nil && intent.Type != market.IntentEducational {
			o.emit(ctx, bus.SubjectRiskReviewStarted, correlationID, map[string]any{})
			proposal := o.buildProposal(req, mc, visible)
			verdict = o.critic.Review(ctx, mc, proposal)
			trace = []risk.DebateTurn{{Turn: 1, Status: verdict.Status, Refutation: verdict.DebateRefutation}}
			o.auditVerdict(ctx, verdict)
		}

		score := o.ace.Score(trace, verdict.Status)
		label := risk.Label(score)

		var suffix strings.Builder
		fmt.Fprintf(&suffix, "\n\nACE Score: %.2f (%s)", score, label)
		if verdict.Status != risk.StatusApproved {
			fmt.Fprintf(&suffix, "\n⚠️ Risk review: %s.", verdict.Status)
			if verdict.RiskAssessment != "" {
				fmt.Fprintf(&suffix, " %s", verdict.RiskAssessment)
			}
			if trade := extractTrade(req.Query, nil); trade != nil {
				suffix.WriteString("\n[ACTION_REQUIRED:TRADE_APPROVAL]")
			}
		}
		out <- StreamChunk{Delta: suffix.String()}

		mc.TotalLatencyMS = o.now().Sub(start).Milliseconds()
		o.emit(ctx, bus.SubjectAgentComplete, correlationID, map[string]any{
			"success":    true,
			"latency_ms": mc.TotalLatencyMS,
			"ace_score":  score,
		})
		o.recordTelemetry(ctx, correlationID, mc.TotalLatencyMS)
		o.auditRecord(ctx, audit.ActionSessionCompleted, map[string]any{
			"correlation_id": correlationID,
			"status":         string(verdict.Status),
			"ace_score":      score,
		})
		metrics.RecordOrchestratorRun(intent.Type, "success", float64(mc.TotalLatencyMS))

		if o.attributor != nil && mc.Ticker != "" {
			o.attributor.Schedule(context.WithoutCancel(ctx), correlationID, start)
		}

		out <- StreamChunk{Final: &FinalAnswer{
			Content:       visible + suffix.String(),
			CorrelationID: correlationID,
			Context:       mc,
			Verdict:       verdict,
			DebateTrace:   trace,
			ACEScore:      score,
			Label:         label,
		}}
	}()
	return out, nil
}

// streamDraft produces the model draft, forwarding think-filtered deltas
// to the stream, and returns the full raw text. A non-streaming model
// degrades to one whole-draft delta.
func (o *Orchestrator) streamDraft(ctx context.Context, query string, mc *market.MarketContext, out chan<- StreamChunk) (string, error) {
	messages := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: reasonerSystemPrompt},
		{Role: llm.RoleUser, Content: buildPrompt(query, mc)},
	}

	streamer, ok := o.reasoner.(llm.Streamer)
	if !ok {
		resp, err := o.reasoner.Complete(ctx, messages)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fault.Wrap(fault.ErrUpstreamUnavailable, "no choices in model response")
		}
		content := resp.Choices[0].Message.Content
		visible, _ := llm.SplitReasoning(content)
		out <- StreamChunk{Delta: visible}
		return content, nil
	}

	deltas, err := streamer.CompleteStream(ctx, messages)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	filter := &thinkFilter{}
	for delta := range deltas {
		full.WriteString(delta)
		if emit := filter.feed(delta); emit != "" {
			select {
			case out <- StreamChunk{Delta: emit}:
			case <-ctx.Done():
				return full.String(), ctx.Err()
			}
		}
	}
	if tail := filter.flush(); tail != "" {
		out <- StreamChunk{Delta: tail}
	}
	return full.String(), nil
}

// interceptSensitive rewrites any sensitive tool markers that reached the
// streamed draft and notifies the stream about the sentinels.
func (o *Orchestrator) interceptSensitive(ctx context.Context, content string, out chan<- StreamChunk) string {
	var notices []string
	for _, call := range parseToolCalls(content) {
		if !sensitiveTools[call.name] {
			continue
		}
		sentinel := fmt.Sprintf("[ACTION_REQUIRED:%s] Parameters: %s", call.name, call.args)
		content = strings.Replace(content, call.marker, sentinel, 1)
		notices = append(notices, sentinel)
		metrics.RecordToolCall(call.name, true)
		o.auditRecord(ctx, audit.ActionToolIntercepted, map[string]any{
			"tool": call.name,
			"args": call.args,
		})
	}
	if len(notices) > 0 {
		out <- StreamChunk{Delta: "\n\n" + strings.Join(notices, "\n")}
	}
	return content
}

// thinkFilter suppresses <think>...</think> spans from a token stream,
// holding back just enough tail to survive markers split across deltas.
type thinkFilter struct {
	pending string
	inThink bool
}

const (
	openMarker  = "<think"
	closeMarker = "</think"
)

func (f *thinkFilter) feed(delta string) string {
	f.pending += delta
	var out strings.Builder
	for {
		if f.inThink {
			if i := strings.Index(f.pending, closeMarker); i >= 0 {
				if j := strings.IndexByte(f.pending[i:], '>'); j >= 0 {
					f.pending = f.pending[i+j+1:]
					f.inThink = false
					continue
				}
			}
			// Keep only a tail that could be a partial closing marker.
			if keep := len(closeMarker) + 4; len(f.pending) > keep {
				f.pending = f.pending[len(f.pending)-keep:]
			}
			return out.String()
		}

		i := strings.Index(f.pending, openMarker)
		if i < 0 {
			keep := partialMarkerTail(f.pending, openMarker)
			out.WriteString(f.pending[:len(f.pending)-keep])
			f.pending = f.pending[len(f.pending)-keep:]
			return out.String()
		}

		out.WriteString(f.pending[:i])
		rest := f.pending[i:]
		j := strings.IndexByte(rest, '>')
		if j < 0 {
			f.pending = rest
			return out.String()
		}
		f.pending = rest[j+1:]
		f.inThink = true
	}
}

func (f *thinkFilter) flush() string {
	if f.inThink {
		return ""
	}
	out := f.pending
	f.pending = ""
	return out
}

// partialMarkerTail returns the length of the longest suffix of s that is
// a proper prefix of marker.
func partialMarkerTail(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
