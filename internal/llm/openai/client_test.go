package openai

import (
	"testing"

	"ailoy/internal/config"
	"ailoy/internal/llm"
)

func TestIsSelfHostedBaseURL(t *testing.T) {
	cases := []struct {
		name string
		base string
		want bool
	}{
		{"empty", "", false},
		{"openai cloud", "https://api.openai.com/v1", false},
		{"gemini compat", "https://generativelanguage.googleapis.com/v1beta/openai", false},
		{"grok", "https://api.x.ai/v1", false},
		{"local llama.cpp", "http://localhost:8080/v1", true},
		{"mlx_lm server", "http://127.0.0.1:8081/v1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSelfHostedBaseURL(tc.base); got != tc.want {
				t.Errorf("isSelfHostedBaseURL(%q) = %v, want %v", tc.base, got, tc.want)
			}
		})
	}
}

func TestClientIsSelfHosted(t *testing.T) {
	c := New(config.OpenAIConfig{BaseURL: "http://localhost:11434/v1", Model: "local-model"}, nil)
	if !c.isSelfHosted() {
		t.Fatal("expected self-hosted client")
	}

	c = New(config.OpenAIConfig{Model: "gpt-4o-mini"}, nil)
	if c.isSelfHosted() {
		t.Fatal("expected non-self-hosted client for default base URL")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "c"); got != "c" {
		t.Errorf("firstNonEmpty = %q, want c", got)
	}
	if got := firstNonEmpty("a", "b"); got != "a" {
		t.Errorf("firstNonEmpty = %q, want a", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty = %q, want empty", got)
	}
}

func TestBuildPromptText(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: []llm.Part{llm.TextPart("hi")}},
		{Role: llm.RoleAssistant, Content: []llm.Part{llm.TextPart("hello")}},
	}
	got := buildPromptText(msgs)
	want := "user: hi\nassistant: hello"
	if got != want {
		t.Errorf("buildPromptText = %q, want %q", got, want)
	}
}

func TestNewSetsModelAndBaseURL(t *testing.T) {
	c := New(config.OpenAIConfig{BaseURL: "https://api.x.ai/v1/", APIKey: "k", Model: "grok-4"}, nil)
	if c.model != "grok-4" {
		t.Errorf("model = %q, want grok-4", c.model)
	}
	if c.baseURL != "https://api.x.ai/v1" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
}
