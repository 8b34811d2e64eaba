package openai

import (
	sdk "github.com/openai/openai-go/v2"

	"ailoy/internal/llm"
)

// AdaptSchemas converts portable tool schemas into OpenAI SDK tool params.
func AdaptSchemas(schemas []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		def := sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}

func placeholderIfEmpty(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

// AdaptMessages converts portable message history to OpenAI SDK message params.
// Image and audio parts are dropped; this adapter targets text + tool-call chat.
func AdaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, sdk.SystemMessage(placeholderIfEmpty(llm.Text(m.Content), "You are a helpful assistant.")))
		case llm.RoleUser:
			out = append(out, sdk.UserMessage(placeholderIfEmpty(llm.Text(m.Content), " ")))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(placeholderIfEmpty(llm.Text(m.Content), " ")))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			asst.Content.OfString = sdk.String(placeholderIfEmpty(llm.Text(m.Content), " "))
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Arguments: string(tc.Arguments),
						Name:      tc.Name,
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case llm.RoleTool:
			out = append(out, sdk.ToolMessage(placeholderIfEmpty(llm.Text(m.Content), `{"error": "empty tool response"}`), m.ToolCallID))
		}
	}
	return out
}
