// Package agent implements the orchestrator (spec.md component G): the
// `query(user_parts) → stream<delta>` loop that owns a conversation's
// messages, its tool registry, and the model handle driving both, forwarding
// every delta to the caller and resolving tool calls into the conversation
// before asking the model to continue.
package agent

import (
	"context"
	"strings"
	"sync"

	"ailoy/internal/llm"
	"ailoy/internal/observability"
)

// defaultMaxSteps bounds the tool-call/re-infer loop so a model that keeps
// requesting tools can't wedge a query forever; spec.md §4.G's loop has no
// explicit bound, so this is an orchestrator-level safety net, not a spec
// requirement.
const defaultMaxSteps = 24

// Agent is one conversation: a message history, a tool registry, and the
// Provider driving both (spec.md §4.G "Owns messages, tools, and a model
// handle"). The zero value is not usable; construct with New.
type Agent struct {
	provider llm.Provider
	model    string
	maxSteps int

	tools *Registry

	// OnTurnMessage, if set, is invoked for every message appended to the
	// conversation (user, assistant, and tool messages), letting an embedder
	// capture full history without polling Messages().
	OnTurnMessage func(llm.Message)

	mu       sync.Mutex
	messages []llm.Message
}

// New builds an Agent bound to provider for the given model name. system, if
// non-empty, seeds the conversation with a system message. maxSteps <= 0
// falls back to defaultMaxSteps.
func New(provider llm.Provider, model, system string, maxSteps int) *Agent {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Agent{
		provider: provider,
		model:    model,
		maxSteps: maxSteps,
		tools:    NewRegistry(),
		messages: buildInitialMessages(system, nil),
	}
}

// AddTool registers a callable tool under name (spec.md §6
// "agent.add_tool(desc, callback)").
func (a *Agent) AddTool(name string, t Tool) {
	a.tools.Register(name, t)
}

// ClearMessages resets the conversation to just its system message, if any
// (spec.md §6 "agent.clear_messages()").
func (a *Agent) ClearMessages() {
	a.mu.Lock()
	defer a.mu.Unlock()
	var system string
	if len(a.messages) > 0 && a.messages[0].Role == llm.RoleSystem {
		system = llm.Text(a.messages[0].Content)
	}
	a.messages = buildInitialMessages(system, nil)
}

// Messages returns a snapshot of the current conversation.
func (a *Agent) Messages() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// Delete releases any resources the agent holds. Agent itself holds none
// beyond in-process state, so this exists for parity with spec.md §6's
// `agent.delete()` and to give embedders one lifecycle call to make
// unconditionally.
func (a *Agent) Delete() {}

func (a *Agent) emit(msg llm.Message) {
	if a.OnTurnMessage != nil {
		a.OnTurnMessage(msg)
	}
}

// Query appends a user message built from parts and drives the model loop
// until a terminal delta resolves the turn, streaming every delta to the
// returned channel (spec.md §4.G). The channel is closed once the turn ends,
// whether by completion or error.
func (a *Agent) Query(ctx context.Context, parts []llm.Part) (<-chan llm.Delta, error) {
	out := make(chan llm.Delta, 8)

	go func() {
		defer close(out)

		a.mu.Lock()
		defer a.mu.Unlock()

		userMsg := llm.Message{Role: llm.RoleUser, Content: parts}
		a.messages = append(a.messages, userMsg)
		a.emit(userMsg)

		log := observability.LoggerWithTrace(ctx)

		for step := 0; step < a.maxSteps; step++ {
			deltaCh, err := a.provider.Infer(ctx, a.messages, a.tools.Schemas(), a.model)
			if err != nil {
				out <- llm.Delta{FinishReason: llm.FinishError, Err: err}
				return
			}

			var content, reasoning strings.Builder
			var toolCalls []llm.ToolCall
			var terminal llm.Delta
			for d := range deltaCh {
				content.WriteString(d.ContentDelta)
				reasoning.WriteString(d.ReasoningDelta)
				if d.ToolCall != nil {
					toolCalls = append(toolCalls, *d.ToolCall)
				}
				out <- d
				if d.FinishReason != "" {
					terminal = d
				}
			}

			switch terminal.FinishReason {
			case llm.FinishStop:
				msg := assistantMessage(content.String(), reasoning.String(), nil)
				a.messages = append(a.messages, msg)
				a.emit(msg)
				return

			case llm.FinishToolCalls:
				msg := assistantMessage("", "", toolCalls)
				a.messages = append(a.messages, msg)
				a.emit(msg)

				log.Info().Int("tool_calls", len(toolCalls)).Int("step", step).Msg("agent_tool_calls")
				for _, call := range toolCalls {
					result, toolErr := a.tools.Execute(ctx, call.Name, call.Arguments)
					if toolErr != nil {
						result = toolErr.Error()
					}
					toolMsg := llm.Message{
						Role:       llm.RoleTool,
						Content:    []llm.Part{llm.TextPart(result)},
						ToolCallID: call.ID,
					}
					a.messages = append(a.messages, toolMsg)
					a.emit(toolMsg)
				}
				continue

			case llm.FinishLength:
				msg := assistantMessage(content.String(), reasoning.String(), nil)
				a.messages = append(a.messages, msg)
				a.emit(msg)
				return

			case llm.FinishError:
				msg := llm.Message{Role: llm.RoleAssistant, Content: []llm.Part{llm.TextPart("error: " + errString(terminal.Err))}}
				a.messages = append(a.messages, msg)
				a.emit(msg)
				return

			default:
				// Provider closed the channel without a terminal delta; treat
				// it as a stop so the turn can't hang forever.
				msg := assistantMessage(content.String(), reasoning.String(), nil)
				a.messages = append(a.messages, msg)
				a.emit(msg)
				return
			}
		}

		out <- llm.Delta{FinishReason: llm.FinishLength, Err: llm.New(llm.KindToolInvocation, "exceeded max orchestrator steps")}
	}()

	return out, nil
}

func assistantMessage(content, reasoning string, toolCalls []llm.ToolCall) llm.Message {
	msg := llm.Message{Role: llm.RoleAssistant}
	switch {
	case len(toolCalls) > 0:
		msg.ToolCalls = toolCalls
	case reasoning != "":
		msg.Reasoning = []llm.Part{llm.TextPart(reasoning)}
		msg.Content = []llm.Part{llm.TextPart(content)}
	default:
		msg.Content = []llm.Part{llm.TextPart(content)}
	}
	return msg
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
