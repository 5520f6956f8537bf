package main

import (
	"testing"

	"github.com/voxpin/voxpin/internal/config"
	"github.com/voxpin/voxpin/pkg/provider/llm/anyllm"
	"github.com/voxpin/voxpin/pkg/provider/llm/openai"
)

// The task extractors force specific tool calls, which only the native openai
// backend honours. Every OpenAI-compatible provider name must route there.
func TestBuildLLM_OpenAICompatibleUsesNativeBackend(t *testing.T) {
	tests := []struct {
		name  string
		entry config.ProviderEntry
	}{
		{"openai", config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"}},
		{"groq", config.ProviderEntry{Name: "groq", Model: "llama-3.3-70b-versatile", APIKey: "gsk-test"}},
		{"deepseek", config.ProviderEntry{Name: "deepseek", Model: "deepseek-chat", APIKey: "sk-test"}},
		{"mistral", config.ProviderEntry{Name: "mistral", Model: "mistral-small-latest", APIKey: "sk-test"}},
		{"llamacpp without key", config.ProviderEntry{Name: "llamacpp", Model: "llama3"}},
		{"llamafile without key", config.ProviderEntry{Name: "llamafile", Model: "llama3"}},
		{"mixed case", config.ProviderEntry{Name: "OpenAI", Model: "gpt-4o-mini", APIKey: "sk-test"}},
		{"custom base url", config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini", APIKey: "sk-test", BaseURL: "https://proxy.example.com/v1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := buildLLM(tt.entry)
			if err != nil {
				t.Fatalf("buildLLM: %v", err)
			}
			if _, ok := p.(*openai.Provider); !ok {
				t.Errorf("provider type = %T, want *openai.Provider", p)
			}
		})
	}
}

func TestBuildLLM_OtherBackendsUseAnyllm(t *testing.T) {
	tests := []struct {
		name  string
		entry config.ProviderEntry
	}{
		{"anthropic", config.ProviderEntry{Name: "anthropic", Model: "claude-3-5-sonnet-latest", APIKey: "sk-ant-test"}},
		{"gemini", config.ProviderEntry{Name: "gemini", Model: "gemini-2.0-flash", APIKey: "ai-test"}},
		{"ollama", config.ProviderEntry{Name: "ollama", Model: "llama3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := buildLLM(tt.entry)
			if err != nil {
				t.Fatalf("buildLLM: %v", err)
			}
			if _, ok := p.(*anyllm.Provider); !ok {
				t.Errorf("provider type = %T, want *anyllm.Provider", p)
			}
		})
	}
}

func TestBuildLLM_EmptyNameFails(t *testing.T) {
	if _, err := buildLLM(config.ProviderEntry{Model: "gpt-4o-mini"}); err == nil {
		t.Fatal("expected error for empty provider name")
	}
}
