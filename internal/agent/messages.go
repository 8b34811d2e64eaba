package agent

import "ailoy/internal/llm"

// buildInitialMessages composes the message list an Agent seeds itself with:
// an optional system prompt followed by any prior turns supplied by the
// caller (e.g. a conversation restored from storage).
func buildInitialMessages(system string, history []llm.Message) []llm.Message {
	msgs := make([]llm.Message, 0, 1+len(history))
	if system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: []llm.Part{llm.TextPart(system)}})
	}
	msgs = append(msgs, history...)
	return msgs
}
