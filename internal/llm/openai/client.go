// Package openai adapts the portable chat schema to OpenAI's Chat Completions
// API. The same client also serves any OpenAI-compatible endpoint (Gemini's
// /v1beta/openai surface, Grok, or a self-hosted llama.cpp/mlx_lm server) by
// swapping the base URL and headers at construction time; only self-hosted
// detection (for token-count fallback and SSE compatibility quirks) branches
// on the configured base URL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"ailoy/internal/config"
	"ailoy/internal/llm"
	"ailoy/internal/observability"
)

// Client implements llm.Provider against the OpenAI Chat Completions schema.
type Client struct {
	sdk        sdk.Client
	model      string
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// sseTransportWrapper injects Accept: text/event-stream for streaming requests
// to self-hosted servers (mlx_lm.server, llama.cpp) that otherwise fall back
// to chunked-but-unbuffered transfer encoding.
type sseTransportWrapper struct {
	inner   http.RoundTripper
	baseURL string
}

func (t *sseTransportWrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasPrefix(req.URL.String(), t.baseURL) {
		isStreaming := req.URL.Query().Get("stream") == "true"
		if !isStreaming && req.Body != nil {
			bodyBytes, err := io.ReadAll(req.Body)
			if err == nil {
				req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
				var payload map[string]any
				if err := json.Unmarshal(bodyBytes, &payload); err == nil {
					if stream, ok := payload["stream"].(bool); ok && stream {
						isStreaming = true
					}
				}
			}
		}
		if isStreaming {
			req.Header.Set("Accept", "text/event-stream")
		}
	}
	return t.inner.RoundTrip(req)
}

// New builds a Client from an OpenAI-compatible provider config. The caller
// selects the dialect (OpenAI cloud, Gemini OpenAI-compat, Grok, or a
// self-hosted server) by varying BaseURL/APIKey; no other code path differs.
func New(c config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	baseURL := strings.TrimSuffix(strings.TrimSpace(c.BaseURL), "/")
	if isSelfHostedBaseURL(baseURL) {
		inner := httpClient.Transport
		if inner == nil {
			inner = http.DefaultTransport
		}
		httpClient.Transport = &sseTransportWrapper{inner: inner, baseURL: baseURL}
	}

	opts := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithHTTPClient(httpClient))

	return &Client{
		sdk:        sdk.NewClient(opts...),
		model:      c.Model,
		baseURL:    baseURL,
		httpClient: httpClient,
		apiKey:     c.APIKey,
	}
}

func isSelfHostedBaseURL(baseURL string) bool {
	return baseURL != "" && baseURL != "https://api.openai.com/v1" &&
		!strings.Contains(baseURL, "generativelanguage.googleapis.com") &&
		!strings.Contains(baseURL, "api.x.ai")
}

func (c *Client) isSelfHosted() bool { return isSelfHostedBaseURL(c.baseURL) }

// tokenizeCount calls a self-hosted server's /tokenize endpoint as a
// best-effort token count when usage fields are absent from the response.
func (c *Client) tokenizeCount(ctx context.Context, text string) int {
	if !c.isSelfHosted() || strings.TrimSpace(text) == "" {
		return 0
	}
	base := strings.TrimSuffix(strings.TrimSuffix(c.baseURL, "/"), "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tokenize", bytes.NewReader(mustJSON(map[string]any{"content": text})))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	var parsed struct {
		Tokens []any `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0
	}
	return len(parsed.Tokens)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func buildPromptText(msgs []llm.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(llm.Text(m.Content))
		if i < len(msgs)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Infer implements llm.Provider. The returned channel is closed once the
// stream reaches a terminal state (stop/tool_calls/length/error); callers
// must drain it to completion.
func (c *Client) Infer(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (<-chan llm.Delta, error) {
	effectiveModel := firstNonEmpty(model, c.model)

	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(effectiveModel)}
	params.Messages = AdaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}
	if !c.isSelfHosted() {
		params.StreamOptions.IncludeUsage = sdk.Bool(true)
	}

	ctx, span := llm.StartRequestSpan(ctx, "openai.infer", effectiveModel, len(tools), len(msgs))
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	out := make(chan llm.Delta, 8)

	go func() {
		defer close(out)
		defer span.End()

		start := time.Now()
		stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		toolCalls := make(map[int]*llm.ToolCall)
		toolOrder := make([]int, 0, 4)
		flushedTools := false
		var rawFinishReason string
		var assistantContent strings.Builder
		var promptTokens, completionTokens, totalTokens int

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				if chunk.JSON.Usage.Valid() && chunk.JSON.Usage.Raw() != "null" {
					promptTokens = int(chunk.Usage.PromptTokens)
					completionTokens = int(chunk.Usage.CompletionTokens)
					totalTokens = int(chunk.Usage.TotalTokens)
				}
				continue
			}

			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				assistantContent.WriteString(delta.Content)
				out <- llm.Delta{Role: llm.RoleAssistant, ContentDelta: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				existing, seen := toolCalls[idx]
				if !seen {
					id := tc.ID
					if id == "" {
						id = uuid.NewString()
					}
					existing = &llm.ToolCall{ID: id}
					toolCalls[idx] = existing
					toolOrder = append(toolOrder, idx)
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					existing.Arguments = append(existing.Arguments, []byte(tc.Function.Arguments)...)
				}
			}

			if fr := chunk.Choices[0].FinishReason; fr != "" {
				rawFinishReason = string(fr)
				if !flushedTools {
					for _, idx := range toolOrder {
						tc := toolCalls[idx]
						if tc != nil && tc.Name != "" && len(tc.Arguments) > 0 {
							out <- llm.Delta{Role: llm.RoleAssistant, ToolCall: tc}
						}
					}
					flushedTools = true
				}
			}
		}

		dur := time.Since(start)
		if err := stream.Err(); err != nil {
			log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("openai_stream_error")
			span.RecordError(err)
			out <- llm.Delta{FinishReason: llm.FinishError, Err: err}
			return
		}

		if !flushedTools {
			for _, idx := range toolOrder {
				tc := toolCalls[idx]
				if tc != nil && tc.Name != "" && len(tc.Arguments) > 0 {
					out <- llm.Delta{Role: llm.RoleAssistant, ToolCall: tc}
				}
			}
		}

		if c.isSelfHosted() {
			promptTokens = c.tokenizeCount(ctx, buildPromptText(msgs))
			completionTokens = c.tokenizeCount(ctx, assistantContent.String())
			totalTokens = promptTokens + completionTokens
		}
		llm.RecordTokenAttributes(span, promptTokens, completionTokens, totalTokens)
		if promptTokens > 0 || completionTokens > 0 {
			llm.RecordTokenMetrics(effectiveModel, promptTokens, completionTokens)
		}
		llm.LogRedactedResponse(ctx, map[string]int{"prompt_tokens": promptTokens, "completion_tokens": completionTokens, "total_tokens": totalTokens})
		log.Debug().Str("model", effectiveModel).Dur("duration", dur).Int("total_tokens", totalTokens).Msg("openai_stream_ok")

		out <- llm.Delta{FinishReason: mapFinishReason(rawFinishReason, len(toolCalls) > 0)}
	}()

	return out, nil
}

// mapFinishReason maps OpenAI's finish_reason string onto the portable
// closed set (spec.md §4.F): a response truncated by max_tokens must surface
// as FinishLength, not be folded into a plain stop. hasToolCalls covers
// self-hosted OpenAI-compatible servers that omit finish_reason entirely but
// still emitted tool-call deltas.
func mapFinishReason(raw string, hasToolCalls bool) llm.FinishReason {
	switch raw {
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "length":
		return llm.FinishLength
	case "content_filter":
		return llm.FinishError
	default:
		if hasToolCalls {
			return llm.FinishToolCalls
		}
		return llm.FinishStop
	}
}

var _ llm.Provider = (*Client)(nil)
