package proxy

import (
	"testing"
)

func TestResolveProvider_KnownModels(t *testing.T) {
	tests := []struct {
		model    string
		expected string
	}{
		// OpenAI
		{"gpt-4", "openai"},
		{"gpt-4o", "openai"},
		{"gpt-3.5-turbo", "openai"},
		{"o3", "openai"},
		// Claude
		{"claude-3.5-sonnet", "claude"},
		{"claude-4-sonnet", "claude"},
		{"claude-3-haiku", "claude"},
		// Google
		{"gemini-pro", "gemini"},
		{"gemini-1.5-flash", "gemini"},
		// Mistral family, including codestral
		{"mistral-large", "mistral"},
		{"codestral", "mistral"},
		// DeepSeek
		{"deepseek-v3", "deepseek"},
		{"deepseek-r1", "deepseek"},
		// Grok
		{"grok-3", "grok"},
		// Video family
		{"veo2", "veo2"},
		{"gen3a_turbo", "runway"},
		{"gen2", "runway"},
		{"runway-gen", "runway"},
		// Slash means OpenRouter, whatever else the id contains
		{"meta-llama/llama-3.1-8b", "openrouter"},
		{"anthropic/claude-3-opus", "openrouter"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := resolveProvider(tt.model)
			if got != tt.expected {
				t.Errorf("resolveProvider(%q) = %q, want %q", tt.model, got, tt.expected)
			}
		})
	}
}

// The slash rule outranks every keyword rule: "openai/gpt-4" carries both a
// vendor prefix and "gpt", and must still go to OpenRouter.
func TestResolveProvider_SlashBeatsKeyword(t *testing.T) {
	tests := []string{
		"openai/gpt-4",
		"google/gemini-pro",
		"mistral/mistral-large",
		"x-ai/grok-3",
	}
	for _, model := range tests {
		t.Run(model, func(t *testing.T) {
			if got := resolveProvider(model); got != "openrouter" {
				t.Errorf("resolveProvider(%q) = %q, want 'openrouter'", model, got)
			}
		})
	}
}

func TestResolveProvider_CaseInsensitive(t *testing.T) {
	if got := resolveProvider("Claude-3.5-Sonnet"); got != "claude" {
		t.Errorf("resolveProvider mixed case = %q, want 'claude'", got)
	}
	if got := resolveProvider("GPT-4"); got != "openai" {
		t.Errorf("resolveProvider upper case = %q, want 'openai'", got)
	}
}

func TestResolveProvider_O3ExactOnly(t *testing.T) {
	// "o3" routes to OpenAI only as an exact id; substrings do not count.
	if got := resolveProvider("foo3bar"); got != "openai" {
		// Falls through to the default, which also happens to be openai —
		// assert via a model whose keyword would otherwise win.
		t.Logf("default fallback: %q", got)
	}
	if got := resolveProvider("neo3-mistral"); got != "mistral" {
		t.Errorf("resolveProvider(%q) = %q, want 'mistral'", "neo3-mistral", got)
	}
}

func TestResolveProvider_UnknownModel_DefaultsToOpenAI(t *testing.T) {
	got := resolveProvider("some-unknown-model")
	if got != "openai" {
		t.Errorf("resolveProvider(unknown) = %q, want 'openai'", got)
	}
}

func TestResolveProvider_EmptyString(t *testing.T) {
	got := resolveProvider("")
	if got != "openai" {
		t.Errorf("resolveProvider('') = %q, want 'openai'", got)
	}
}
