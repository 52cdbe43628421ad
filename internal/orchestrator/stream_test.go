package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/llm"
)

// streamingModel wraps scriptedModel with canned stream deltas.
type streamingModel struct {
	scriptedModel
	deltas []string
}

func (s *streamingModel) CompleteStream(context.Context, []llm.ChatMessage) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, d := range s.deltas {
			out <- d
		}
	}()
	return out, nil
}

func collect(t *testing.T, ch <-chan StreamChunk) (string, *FinalAnswer) {
	t.Helper()
	var streamed strings.Builder
	var final *FinalAnswer
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		streamed.WriteString(chunk.Delta)
		if chunk.Final != nil {
			final = chunk.Final
		}
	}
	return streamed.String(), final
}

func TestRunStreamNonStreamingModel(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"educational","needs":[]}`}}
	reasoner := &scriptedModel{replies: []string{"Diversification spreads risk across uncorrelated assets."}}

	o := New(Options{Config: &config.Config{}, Router: router, Reasoner: reasoner})

	ch, err := o.RunStream(context.Background(), Request{Query: "What is diversification?"})
	require.NoError(t, err)

	streamed, final := collect(t, ch)
	require.NotNil(t, final)
	assert.Contains(t, streamed, "Diversification spreads risk")
	assert.Contains(t, streamed, "ACE Score: 1.00 (Battle-Tested)")
	assert.Equal(t, 1.0, final.ACEScore)
	assert.Contains(t, final.Content, "Diversification spreads risk")
}

func TestRunStreamFiltersThinkBlocks(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"educational","needs":[]}`}}
	reasoner := &streamingModel{
		scriptedModel: scriptedModel{},
		deltas:        []string{"Answer: <thi", "nk>private chain", " of thought</thi", "nk> bonds are loans."},
	}

	o := New(Options{Config: &config.Config{}, Router: router, Reasoner: reasoner})

	ch, err := o.RunStream(context.Background(), Request{Query: "What is a bond?"})
	require.NoError(t, err)

	streamed, final := collect(t, ch)
	require.NotNil(t, final)
	assert.NotContains(t, streamed, "private chain")
	assert.NotContains(t, streamed, "<think")
	assert.Contains(t, streamed, "bonds are loans")
	assert.Equal(t, "private chain of thought", final.Context.Reasoning)
}

func TestRunStreamInterceptsSensitiveMarkers(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"price_check","ticker":"AAPL","needs":[]}`}}
	reasoner := &streamingModel{
		deltas: []string{`Submitting now: [TOOL:cancel_order({"id":"42"})]`},
	}

	o := New(Options{Config: &config.Config{}, Router: router, Reasoner: reasoner})

	ch, err := o.RunStream(context.Background(), Request{Query: "Cancel my open AAPL order"})
	require.NoError(t, err)

	streamed, final := collect(t, ch)
	require.NotNil(t, final)
	assert.Contains(t, streamed, `[ACTION_REQUIRED:cancel_order] Parameters: {"id":"42"}`)
	assert.Contains(t, final.Content, "[ACTION_REQUIRED:cancel_order]")
	assert.NotContains(t, final.Content, "[TOOL:")
}

func TestThinkFilter(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
		want   string
	}{
		{"no markers", []string{"hello ", "world"}, "hello world"},
		{"single block", []string{"a<think>x</think>b"}, "ab"},
		{"split open marker", []string{"a<th", "ink>x</think>b"}, "ab"},
		{"split close marker", []string{"a<think>x</th", "ink>b"}, "ab"},
		{"thinking variant", []string{"a<thinking>x</thinking>b"}, "ab"},
		{"angle bracket without marker", []string{"1 < 2 and 3 > 2"}, "1 < 2 and 3 > 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &thinkFilter{}
			var out strings.Builder
			for _, d := range tt.deltas {
				out.WriteString(f.feed(d))
			}
			out.WriteString(f.flush())
			assert.Equal(t, tt.want, out.String())
		})
	}
}
