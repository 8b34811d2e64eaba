package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ailoy/internal/llm"
)

// Registry is a threadsafe name → Tool table. An Agent owns one; add_tool
// and clear_messages (spec.md §6) mutate it and the message list
// independently, so a caller may register tools before or after any query.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry { return &Registry{tools: map[string]Tool{}} }

// Register adds or replaces the tool under name.
func (r *Registry) Register(name string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
}

// Schemas returns every registered tool's descriptor, for handing to
// Provider.Infer (spec.md §4.G step 2 "infer(messages, tools)").
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.tools))
	for name, t := range r.tools {
		schema := t.Describe()
		schema.Name = name
		out = append(out, schema)
	}
	return out
}

// Execute dispatches a named tool call and returns its raw content, or a
// ToolInvocationError if the tool is unknown (spec.md §7).
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", llm.New(llm.KindToolInvocation, fmt.Sprintf("unknown tool %q", name))
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		return "", llm.Wrap(llm.KindToolInvocation, err)
	}
	return out, nil
}
