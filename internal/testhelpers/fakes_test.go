package testhelpers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ailoy/internal/llm"
)

func TestFakeProviderScriptsTurnsInOrder(t *testing.T) {
	fp := &FakeProvider{Turns: [][]llm.Delta{
		{{ContentDelta: "a"}, {FinishReason: llm.FinishStop}},
		{{ContentDelta: "b"}, {FinishReason: llm.FinishStop}},
	}}

	ch, err := fp.Infer(context.Background(), nil, nil, "m")
	require.NoError(t, err)
	var first []llm.Delta
	for d := range ch {
		first = append(first, d)
	}
	require.Equal(t, "a", first[0].ContentDelta)

	ch, err = fp.Infer(context.Background(), nil, nil, "m")
	require.NoError(t, err)
	var second []llm.Delta
	for d := range ch {
		second = append(second, d)
	}
	require.Equal(t, "b", second[0].ContentDelta)
	require.Equal(t, 2, fp.Calls())
}

func TestFakeProviderExhausted(t *testing.T) {
	fp := &FakeProvider{Turns: [][]llm.Delta{{{FinishReason: llm.FinishStop}}}}
	_, err := fp.Infer(context.Background(), nil, nil, "m")
	require.NoError(t, err)
	_, err = fp.Infer(context.Background(), nil, nil, "m")
	require.Error(t, err)
}
