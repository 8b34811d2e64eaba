package anthropic

import (
	"context"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"ailoy/internal/llm"
	"ailoy/internal/observability"
)

// MessagesTokenizer implements llm.Tokenizer using the Anthropic Messages API
// /v1/messages/count_tokens endpoint for accurate preflight token counting.
type MessagesTokenizer struct {
	sdk   anthropic.Client
	model string
	cache *llm.TokenCache
}

// NewMessagesTokenizer creates a tokenizer that uses the Messages API count_tokens endpoint.
func NewMessagesTokenizer(sdk anthropic.Client, model string, cache *llm.TokenCache) *MessagesTokenizer {
	return &MessagesTokenizer{sdk: sdk, model: model, cache: cache}
}

// CountTokens counts tokens for a single text string.
func (t *MessagesTokenizer) CountTokens(ctx context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	if t.cache != nil {
		if count, ok := t.cache.Get(text); ok {
			return count, nil
		}
	}
	msgs := []llm.Message{{Role: llm.RoleUser, Content: []llm.Part{llm.TextPart(text)}}}
	count, err := t.CountMessagesTokens(ctx, msgs)
	if err != nil {
		return 0, err
	}
	if t.cache != nil {
		t.cache.Set(text, count)
	}
	return count, nil
}

// CountMessagesTokens counts tokens for a conversation via the count_tokens endpoint.
func (t *MessagesTokenizer) CountMessagesTokens(ctx context.Context, msgs []llm.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	log := observability.LoggerWithTrace(ctx)
	apiMsgs, system := t.buildMessageParams(msgs)

	params := anthropic.MessageCountTokensParams{
		Messages: apiMsgs,
		Model:    anthropic.Model(t.model),
	}
	if strings.TrimSpace(system) != "" {
		params.System = anthropic.MessageCountTokensParamsSystemUnion{OfString: anthropic.String(system)}
	}

	result, err := t.sdk.Messages.CountTokens(ctx, params)
	if err != nil {
		log.Warn().Err(err).Str("model", t.model).Int("messages", len(msgs)).Msg("anthropic_count_tokens_error")
		return 0, err
	}

	log.Debug().Int64("input_tokens", result.InputTokens).Int("message_count", len(msgs)).Msg("anthropic_count_tokens_ok")
	return int(result.InputTokens), nil
}

func (t *MessagesTokenizer) buildMessageParams(msgs []llm.Message) ([]anthropic.MessageParam, string) {
	params := make([]anthropic.MessageParam, 0, len(msgs))
	var system string

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = llm.Text(m.Content)
		case llm.RoleUser:
			if text := llm.Text(m.Content); text != "" {
				params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		case llm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := llm.Text(m.Content); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, decodeArgs(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				params = append(params, anthropic.NewAssistantMessage(blocks...))
			}
		case llm.RoleTool:
			params = append(params, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, llm.Text(m.Content), false)))
		}
	}

	return params, system
}

var _ llm.Tokenizer = (*MessagesTokenizer)(nil)
