// Package anthropic adapts the portable chat schema to Claude's native
// Messages API, including extended-thinking deltas surfaced as reasoning.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"ailoy/internal/config"
	"ailoy/internal/llm"
	"ailoy/internal/observability"
)

const defaultMaxTokens int64 = 4096

// thinkingBudget must satisfy Anthropic's constraint budget_tokens >= 1024
// and max_tokens > budget_tokens.
const thinkingBudget int64 = 1024

type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

func New(cfg config.AnthropicConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	if cfg.DirectBrowserAccess {
		opts = append(opts, option.WithHeader("anthropic-dangerous-direct-browser-access", "true"))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}

	return &Client{
		sdk:       anthropic.NewClient(opts...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// Tokenizer returns a MessagesTokenizer for accurate preflight token counting
// using the Anthropic /v1/messages/count_tokens endpoint.
func (c *Client) Tokenizer(cache *llm.TokenCache) llm.Tokenizer {
	return NewMessagesTokenizer(c.sdk, c.model, cache)
}

func shouldIncludeThinking(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.LastIndex(m, "/"); idx != -1 {
		m = m[idx+1:]
	}
	supports := []string{"claude-sonnet-4-5", "claude-haiku-4-5", "claude-opus-4-5"}
	for _, s := range supports {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

// Infer implements llm.Provider by streaming Claude's Messages API and
// translating content-block events into portable deltas.
func (c *Client) Infer(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (<-chan llm.Delta, error) {
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		return nil, err
	}
	toolDefs, err := adaptTools(tools)
	if err != nil {
		return nil, err
	}

	effectiveModel := c.pickModel(model)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(effectiveModel),
		Messages:  converted,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: c.maxTokens,
	}
	if shouldIncludeThinking(effectiveModel) {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget)
		if params.MaxTokens <= thinkingBudget {
			params.MaxTokens = thinkingBudget + 1024
		}
	}

	ctx, span := llm.StartRequestSpan(ctx, "anthropic.infer", effectiveModel, len(tools), len(msgs))
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	out := make(chan llm.Delta, 8)

	go func() {
		defer close(out)
		defer span.End()

		start := time.Now()
		stream := c.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		var acc anthropic.Message
		toolBuffers := map[int]*toolBuffer{}
		toolOrder := make([]int, 0, 4)
		var usage anthropic.MessageDeltaUsage

		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				log.Debug().Err(err).Msg("anthropic_accumulate_error")
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				switch block := ev.ContentBlock.AsAny().(type) {
				case anthropic.ToolUseBlock:
					id := strings.TrimSpace(block.ID)
					if id == "" {
						id = fmt.Sprintf("call-%d", len(toolBuffers)+1)
					}
					tb := &toolBuffer{name: block.Name, id: id}
					tb.appendInitial(block.Input)
					idx := int(ev.Index)
					toolBuffers[idx] = tb
					toolOrder = append(toolOrder, idx)
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						out <- llm.Delta{Role: llm.RoleAssistant, ContentDelta: delta.Text}
					}
				case anthropic.InputJSONDelta:
					if tb := toolBuffers[int(ev.Index)]; tb != nil {
						tb.appendPartial(delta.PartialJSON)
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" {
						out <- llm.Delta{Role: llm.RoleAssistant, ReasoningDelta: delta.Thinking}
					}
				}
			case anthropic.MessageDeltaEvent:
				usage = ev.Usage
			}
		}

		dur := time.Since(start)
		if err := stream.Err(); err != nil {
			span.RecordError(err)
			log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("anthropic_stream_error")
			out <- llm.Delta{FinishReason: llm.FinishError, Err: err}
			return
		}

		sort.Ints(toolOrder)
		sawToolCalls := false
		for _, idx := range toolOrder {
			tb := toolBuffers[idx]
			if tb == nil {
				continue
			}
			tc := tb.toToolCall()
			out <- llm.Delta{Role: llm.RoleAssistant, ToolCall: &tc}
			sawToolCalls = true
		}

		promptTokens := usagePromptTokens(usage.CacheCreationInputTokens, usage.CacheReadInputTokens, usage.InputTokens)
		completionTokens := int(usage.OutputTokens)
		totalTokens := promptTokens + completionTokens
		llm.RecordTokenAttributes(span, promptTokens, completionTokens, totalTokens)
		if promptTokens > 0 || completionTokens > 0 {
			llm.RecordTokenMetrics(effectiveModel, promptTokens, completionTokens)
		}
		llm.LogRedactedResponse(ctx, acc)
		log.Debug().Str("model", effectiveModel).Dur("duration", dur).Int("total_tokens", totalTokens).Msg("anthropic_stream_ok")

		out <- llm.Delta{FinishReason: mapStopReason(acc.StopReason, sawToolCalls)}
	}()

	return out, nil
}

// mapStopReason maps Claude's stop_reason onto the portable closed set
// (spec.md §4.F): a response truncated by max_tokens must surface as
// FinishLength, not be folded into a plain stop. hasToolCalls covers the
// case where the accumulated message's stop reason is unset but tool-call
// blocks were still buffered.
func mapStopReason(reason anthropic.StopReason, hasToolCalls bool) llm.FinishReason {
	switch reason {
	case anthropic.StopReasonToolUse:
		return llm.FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		return llm.FinishLength
	default:
		if hasToolCalls {
			return llm.FinishToolCalls
		}
		return llm.FinishStop
	}
}

func adaptTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}

		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptMessages(msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("messages required")
	}
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	toolResultCount := 0

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if text := llm.Text(m.Content); text != "" {
				system = append(system, anthropic.TextBlockParam{Text: text})
			}
		case llm.RoleUser:
			if text := llm.Text(m.Content); text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		case llm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := llm.Text(m.Content); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case llm.RoleTool:
			id := strings.TrimSpace(m.ToolCallID)
			if id == "" {
				toolResultCount++
				id = fmt.Sprintf("tool-result-%d", toolResultCount)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(id, llm.Text(m.Content), false)))
		default:
			return nil, nil, fmt.Errorf("unsupported role for anthropic provider: %s", m.Role)
		}
	}
	return system, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

func usagePromptTokens(cacheCreation, cacheRead, input int64) int {
	return int(cacheCreation + cacheRead + input)
}

// toolBuffer accumulates a streamed tool_use block's partial JSON input.
type toolBuffer struct {
	name      string
	id        string
	buf       strings.Builder
	hasDeltas bool
}

func (tb *toolBuffer) appendInitial(raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	tb.buf.WriteString(string(raw))
}

func (tb *toolBuffer) appendPartial(partial string) {
	if partial == "" {
		return
	}
	if !tb.hasDeltas {
		tb.buf.Reset()
		tb.hasDeltas = true
	}
	tb.buf.WriteString(partial)
}

func (tb *toolBuffer) toToolCall() llm.ToolCall {
	trimmed := strings.TrimSpace(tb.buf.String())
	if trimmed == "" {
		trimmed = "{}"
	} else {
		if !strings.HasPrefix(trimmed, "{") {
			trimmed = "{" + trimmed
		}
		if !strings.HasSuffix(trimmed, "}") {
			trimmed += "}"
		}
	}
	if !json.Valid([]byte(trimmed)) {
		trimmed = "{}"
	}
	return llm.ToolCall{Name: tb.name, Arguments: json.RawMessage(trimmed), ID: tb.id}
}

var _ llm.Provider = (*Client)(nil)
