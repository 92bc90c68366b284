package proxy

import (
	"strings"

	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
)

// resolveProvider maps a free-form model id to a provider tag. Rules are
// ordered and the first match wins; the ordering is load-bearing — an id
// containing both a slash and "gpt" (e.g. "openai/gpt-4") belongs to
// OpenRouter, not OpenAI. Unknown ids fall back to "openai".
func resolveProvider(modelID string) string {
	m := strings.ToLower(modelID)
	switch {
	case strings.Contains(m, "/"):
		return providers.TagOpenRouter
	case strings.Contains(m, "claude"):
		return providers.TagClaude
	case strings.Contains(m, "gpt"), m == "o3":
		return providers.TagOpenAI
	case strings.Contains(m, "gemini"):
		return providers.TagGemini
	case strings.Contains(m, "veo2"):
		return providers.TagVeo2
	case strings.Contains(m, "deepseek"):
		return providers.TagDeepSeek
	case strings.Contains(m, "grok"):
		return providers.TagGrok
	case strings.Contains(m, "mistral"), strings.Contains(m, "codestral"):
		return providers.TagMistral
	case strings.Contains(m, "gen3"), strings.Contains(m, "gen2"), strings.Contains(m, "runway"):
		return providers.TagRunway
	default:
		return providers.TagOpenAI
	}
}
