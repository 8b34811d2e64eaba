package chatstream

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"ailoy/internal/llm"
)

// parserState is the streaming state machine's current mode (spec.md §4.E
// "Streaming state machine").
type parserState int

const (
	stateOutputText parserState = iota
	stateReasoning
	stateToolCall
)

// replacementChar is the Unicode replacement character U+FFFD, emitted by a
// decoder mid-way through a multi-byte sequence it hasn't fully resolved yet.
const replacementChar = "�"

// Parser classifies a model's decoded token-text stream into structured
// deltas per spec.md §4.E. One Parser instance tracks one turn's state;
// feed it the exact token strings the engine decodes, in order.
type Parser struct {
	tokens TokenConfig
	state  parserState
	buffer strings.Builder

	// pending holds text withheld by the Unicode boundary rule until a
	// clean boundary is reached.
	pending strings.Builder
}

// NewParser creates a Parser using the given special-token table.
func NewParser(tokens TokenConfig) *Parser {
	return &Parser{tokens: tokens}
}

// Feed processes one decoded token's text and returns zero or more deltas.
// A caller must not reuse the Parser after it returns a terminal Delta
// (FinishReason != "").
func (p *Parser) Feed(t string) []llm.Delta {
	switch p.state {
	case stateOutputText:
		return p.feedOutputText(t)
	case stateReasoning:
		return p.feedReasoning(t)
	case stateToolCall:
		return p.feedToolCall(t)
	}
	return nil
}

func (p *Parser) feedOutputText(t string) []llm.Delta {
	switch t {
	case p.tokens.BeginReasoning:
		p.state = stateReasoning
		return nil
	case p.tokens.BeginToolCall:
		p.state = stateToolCall
		p.buffer.Reset()
		return nil
	case p.tokens.EndOfSequence:
		return []llm.Delta{{FinishReason: llm.FinishStop}}
	default:
		return p.emitWithBoundaryRule(t, false)
	}
}

func (p *Parser) feedReasoning(t string) []llm.Delta {
	if t == p.tokens.EndReasoning {
		p.state = stateOutputText
		return nil
	}
	return p.emitWithBoundaryRule(t, true)
}

func (p *Parser) feedToolCall(t string) []llm.Delta {
	if t == p.tokens.EndToolCall {
		p.state = stateOutputText
		raw := p.buffer.String()
		p.buffer.Reset()
		return []llm.Delta{p.parseToolCall(raw)}
	}
	p.buffer.WriteString(t)
	return nil
}

// emitWithBoundaryRule applies spec.md §4.E's Unicode boundary rule: if the
// accumulated pending text's trailing run of U+FFFD is not a multiple of 4,
// defer emission until a further token completes the boundary.
func (p *Parser) emitWithBoundaryRule(t string, reasoning bool) []llm.Delta {
	p.pending.WriteString(t)
	text := p.pending.String()
	if trailingReplacementCount(text)%4 != 0 {
		return nil
	}
	p.pending.Reset()
	if text == "" {
		return nil
	}
	if reasoning {
		return []llm.Delta{{Role: llm.RoleAssistant, ReasoningDelta: text}}
	}
	return []llm.Delta{{Role: llm.RoleAssistant, ContentDelta: text}}
}

func trailingReplacementCount(s string) int {
	count := 0
	for strings.HasSuffix(s, replacementChar) {
		count++
		s = s[:len(s)-len(replacementChar)]
	}
	return count
}

// toolCallPayload is the JSON shape a tool-call buffer parses to, per
// spec.md §4.E: `{name, arguments}`.
type toolCallPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (p *Parser) parseToolCall(raw string) llm.Delta {
	var payload toolCallPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return llm.Delta{FinishReason: llm.FinishError, Err: llm.Wrap(llm.KindTemplate, err)}
	}
	args := payload.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return llm.Delta{
		Role:         llm.RoleAssistant,
		ToolCall:     &llm.ToolCall{ID: uuid.NewString(), Name: payload.Name, Arguments: args},
		FinishReason: llm.FinishToolCalls,
	}
}

// Terminate yields the synthetic error delta for a hard decode failure or
// context overflow reaching the parser mid-stream (spec.md §4.E final
// paragraph).
func Terminate(reason string) llm.Delta {
	return llm.Delta{FinishReason: llm.FinishError, Err: llm.New(llm.KindContextOverflow, reason)}
}
