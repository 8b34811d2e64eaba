package anthropic

import (
	"encoding/json"
	"testing"

	"ailoy/internal/llm"
)

func TestShouldIncludeThinking(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4-5", true},
		{"claude-haiku-4-5", true},
		{"anthropic/claude-opus-4-5", true},
		{"claude-3-7-sonnet-latest", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := shouldIncludeThinking(tc.model); got != tc.want {
			t.Errorf("shouldIncludeThinking(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestAdaptToolsRejectsEmptyName(t *testing.T) {
	_, err := adaptTools([]llm.ToolSchema{{Name: "  "}})
	if err == nil {
		t.Fatal("expected error for blank tool name")
	}
}

func TestAdaptToolsSplitsPropertiesAndRequired(t *testing.T) {
	schemas := []llm.ToolSchema{{
		Name:        "search",
		Description: "search the web",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
	}}
	out, err := adaptTools(schemas)
	if err != nil {
		t.Fatalf("adaptTools: %v", err)
	}
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("expected one tool param, got %+v", out)
	}
	tool := out[0].OfTool
	if tool.Name != "search" {
		t.Errorf("name = %q, want search", tool.Name)
	}
	if tool.InputSchema.Properties == nil {
		t.Error("expected properties to carry through")
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "query" {
		t.Errorf("required = %+v, want [query]", tool.InputSchema.Required)
	}
}

func TestAdaptMessagesRejectsEmpty(t *testing.T) {
	_, _, err := adaptMessages(nil)
	if err == nil {
		t.Fatal("expected error for empty message list")
	}
}

func TestAdaptMessagesSeparatesSystemFromTurns(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: []llm.Part{llm.TextPart("be terse")}},
		{Role: llm.RoleUser, Content: []llm.Part{llm.TextPart("hi")}},
		{Role: llm.RoleAssistant, Content: []llm.Part{llm.TextPart("hello")}},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)}}},
		{Role: llm.RoleTool, ToolCallID: "call-1", Content: []llm.Part{llm.TextPart("result")}},
	}
	sys, out, err := adaptMessages(msgs)
	if err != nil {
		t.Fatalf("adaptMessages: %v", err)
	}
	if len(sys) != 1 || sys[0].Text != "be terse" {
		t.Errorf("system = %+v", sys)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 converted turns, got %d", len(out))
	}
}

func TestAdaptMessagesRejectsUnsupportedRole(t *testing.T) {
	_, _, err := adaptMessages([]llm.Message{{Role: llm.Role("function")}})
	if err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestDecodeArgsFallsBackToEmptyMap(t *testing.T) {
	if v := decodeArgs(nil); len(v.(map[string]any)) != 0 {
		t.Errorf("expected empty map for nil input, got %+v", v)
	}
	if v := decodeArgs(json.RawMessage("not json")); len(v.(map[string]any)) != 0 {
		t.Errorf("expected empty map for invalid json, got %+v", v)
	}
	v := decodeArgs(json.RawMessage(`{"a":1}`))
	m, ok := v.(map[string]any)
	if !ok || m["a"] != float64(1) {
		t.Errorf("decodeArgs = %+v, want map[a:1]", v)
	}
}

func TestUsagePromptTokensSumsAllSources(t *testing.T) {
	if got := usagePromptTokens(1, 2, 3); got != 6 {
		t.Errorf("usagePromptTokens = %d, want 6", got)
	}
}

func TestToolBufferAccumulatesPartialJSON(t *testing.T) {
	tb := &toolBuffer{name: "search", id: "call-1"}
	tb.appendInitial(json.RawMessage(""))
	tb.appendPartial(`{"query":`)
	tb.appendPartial(`"go modules"}`)

	tc := tb.toToolCall()
	if tc.Name != "search" || tc.ID != "call-1" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
	var decoded map[string]string
	if err := json.Unmarshal(tc.Arguments, &decoded); err != nil {
		t.Fatalf("arguments not valid json: %v (%s)", err, tc.Arguments)
	}
	if decoded["query"] != "go modules" {
		t.Errorf("query = %q, want %q", decoded["query"], "go modules")
	}
}

func TestToolBufferFallsBackToEmptyObjectOnInvalidJSON(t *testing.T) {
	tb := &toolBuffer{name: "broken", id: "call-2"}
	tb.appendPartial("not json at all")

	tc := tb.toToolCall()
	if string(tc.Arguments) != "{}" {
		t.Errorf("arguments = %s, want {}", tc.Arguments)
	}
}
