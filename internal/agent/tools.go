package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ailoy/internal/llm"
)

// upperTool and friends are small self-contained example tools an embedder
// can register via AddTool to exercise the tool-call loop end to end without
// standing up a real backend.
type upperTool struct{}

func (upperTool) Describe() llm.ToolSchema {
	return llm.ToolSchema{
		Description: "Convert text to UPPERCASE.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
	}
}

func (upperTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode args: %w", err)
	}
	return strings.ToUpper(in.Text), nil
}

type lowerTool struct{}

func (lowerTool) Describe() llm.ToolSchema {
	return llm.ToolSchema{
		Description: "Convert text to lowercase.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
	}
}

func (lowerTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode args: %w", err)
	}
	return strings.ToLower(in.Text), nil
}

type fetchWebTool struct{ client *http.Client }

func (fetchWebTool) Describe() llm.ToolSchema {
	return llm.ToolSchema{
		Description: "Fetch the body of a URL over HTTP GET.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
			"required":   []string{"url"},
		},
	}
}

func (t fetchWebTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode args: %w", err)
	}
	client := t.client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// RegisterBuiltinTools registers the example tool set onto an agent, mostly
// useful for demos and tests.
func RegisterBuiltinTools(a *Agent, client *http.Client) {
	a.AddTool("upper", upperTool{})
	a.AddTool("lower", lowerTool{})
	a.AddTool("fetch_web", fetchWebTool{client: client})
}
