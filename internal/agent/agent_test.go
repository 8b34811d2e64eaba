package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ailoy/internal/llm"
)

// scriptedProvider returns one pre-built delta stream per call to Infer, in
// order, so a test can script an exact multi-turn exchange.
type scriptedProvider struct {
	turns [][]llm.Delta
	calls int
}

func (p *scriptedProvider) Infer(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (<-chan llm.Delta, error) {
	turn := p.turns[p.calls]
	p.calls++
	ch := make(chan llm.Delta, len(turn))
	for _, d := range turn {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func drain(t *testing.T, ch <-chan llm.Delta) []llm.Delta {
	t.Helper()
	var out []llm.Delta
	timeout := time.After(time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("timed out waiting for deltas")
		}
	}
}

func TestQueryStopTurn(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llm.Delta{
		{
			{ContentDelta: "hello"},
			{FinishReason: llm.FinishStop},
		},
	}}
	a := New(provider, "test-model", "", 4)

	deltas := drain(t, mustQuery(t, a, "hi"))
	require.Len(t, deltas, 2)
	require.Equal(t, llm.FinishStop, deltas[1].FinishReason)

	msgs := a.Messages()
	require.Len(t, msgs, 2) // user + assistant
	require.Equal(t, llm.RoleAssistant, msgs[1].Role)
	require.Equal(t, "hello", llm.Text(msgs[1].Content))
}

func TestQueryToolCallRoundTrip(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llm.Delta{
		{
			{ToolCall: &llm.ToolCall{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}},
			{FinishReason: llm.FinishToolCalls},
		},
		{
			{ContentDelta: "hi"},
			{FinishReason: llm.FinishStop},
		},
	}}
	a := New(provider, "test-model", "", 4)
	a.AddTool("echo", ToolFunc{
		Schema: llm.ToolSchema{Description: "echoes text"},
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(args, &in)
			return in.Text, nil
		},
	})

	deltas := drain(t, mustQuery(t, a, "please echo hi"))
	require.Equal(t, llm.FinishStop, deltas[len(deltas)-1].FinishReason)
	require.Equal(t, 2, provider.calls)

	msgs := a.Messages()
	// user, assistant(tool_calls), tool, assistant(stop)
	require.Len(t, msgs, 4)
	require.Equal(t, llm.RoleTool, msgs[2].Role)
	require.Equal(t, "call-1", msgs[2].ToolCallID)
	require.Equal(t, "hi", llm.Text(msgs[2].Content))
}

func TestClearMessagesKeepsSystem(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llm.Delta{{{FinishReason: llm.FinishStop}}}}
	a := New(provider, "test-model", "you are helpful", 4)
	drain(t, mustQuery(t, a, "hi"))
	require.Len(t, a.Messages(), 3)

	a.ClearMessages()
	msgs := a.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, llm.RoleSystem, msgs[0].Role)
	require.Equal(t, "you are helpful", llm.Text(msgs[0].Content))
}

func mustQuery(t *testing.T, a *Agent, text string) <-chan llm.Delta {
	t.Helper()
	ch, err := a.Query(context.Background(), []llm.Part{llm.TextPart(text)})
	require.NoError(t, err)
	return ch
}
