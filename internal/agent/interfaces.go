package agent

import (
	"context"
	"encoding/json"

	"ailoy/internal/llm"
)

// Tool is a callable capability an agent can invoke by name (spec.md §6
// "agent.add_tool"). Execute receives the raw JSON arguments the model
// produced and returns the raw content to feed back as a role=tool message.
type Tool interface {
	Describe() llm.ToolSchema
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolFunc adapts a plain function to the Tool interface for callers that
// don't need a dedicated type (spec.md §6 "agent.add_tool(desc, callback)").
type ToolFunc struct {
	Schema  llm.ToolSchema
	Handler func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f ToolFunc) Describe() llm.ToolSchema { return f.Schema }

func (f ToolFunc) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return f.Handler(ctx, args)
}
