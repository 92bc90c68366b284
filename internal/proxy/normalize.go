package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

// ── Inbound payload ──────────────────────────────────────────────────────────

type (
	// inboundAttachment carries text already extracted from an uploaded file.
	// Extraction (OCR, PDF parsing) happens upstream of the gateway.
	inboundAttachment struct {
		Name string `json:"name"`
		Text string `json:"text"`
	}

	inboundMessage struct {
		Role        string              `json:"role"`
		Content     string              `json:"content"`
		Attachments []inboundAttachment `json:"attachments,omitempty"`
	}

	// inboundSearchResult is one pre-computed web search hit. The gateway
	// never performs searches itself.
	inboundSearchResult struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	}

	// inboundRequest mirrors the payload the chat UI sends. Field names are
	// camelCase to match the calling layer.
	inboundRequest struct {
		Messages         []inboundMessage      `json:"messages"`
		Model            string                `json:"model"`
		Provider         string                `json:"provider"`
		APIKey           string                `json:"apiKey"`
		Temperature      *float64              `json:"temperature"`
		MaxTokens        int                   `json:"maxTokens"`
		CustomModelName  string                `json:"customModelName"`
		WebSearchEnabled bool                  `json:"webSearchEnabled"`
		SearchResults    []inboundSearchResult `json:"searchResults"`

		// Per-provider credential overrides; the matching one wins over APIKey.
		OpenAIAPIKey     string `json:"openaiApiKey"`
		ClaudeAPIKey     string `json:"claudeApiKey"`
		GeminiAPIKey     string `json:"geminiApiKey"`
		MistralAPIKey    string `json:"mistralApiKey"`
		DeepSeekAPIKey   string `json:"deepseekApiKey"`
		GrokAPIKey       string `json:"grokApiKey"`
		OpenRouterAPIKey string `json:"openrouterApiKey"`
		RunwayAPIKey     string `json:"runwayApiKey"`

		// Informational only — accepted, logged, never acted on.
		UserLocation string `json:"userLocation"`
		RetryCount   int    `json:"retryCount"`
	}
)

const (
	minTemperature = 0.0
	maxTemperature = 2.0
)

// normalize validates the raw payload and reshapes it into the canonical
// request. When explicitProvider is true the payload's provider field is
// required and must name a supported provider; otherwise the provider is
// inferred from the model id. normalize does no I/O.
func normalize(rawBody []byte, requestID string, explicitProvider bool) (*providers.Request, *apierr.Error) {
	var in inboundRequest
	if err := json.Unmarshal(rawBody, &in); err != nil {
		return nil, apierr.New(apierr.KindMissingParameter, "", "invalid request body: %s", err.Error())
	}

	if len(in.Messages) == 0 {
		return nil, apierr.MissingParameter("messages")
	}
	if in.Model == "" {
		return nil, apierr.MissingParameter("model")
	}

	provider := in.Provider
	if explicitProvider {
		if provider == "" {
			return nil, apierr.MissingParameter("provider")
		}
		if !providers.Supported(provider) {
			return nil, apierr.UnsupportedProvider(provider)
		}
	} else if provider == "" {
		provider = resolveProvider(in.Model)
	} else if !providers.Supported(provider) {
		return nil, apierr.UnsupportedProvider(provider)
	}

	key := effectiveCredential(&in, provider)
	if key == "" {
		return nil, apierr.MissingParameter("apiKey")
	}
	if key == providers.DemoCredential && !providers.VideoFamily(provider) {
		return nil, apierr.MissingCredential(provider)
	}

	msgs := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = providers.Message{
			Role:    normalizeRole(m.Role),
			Content: appendAttachments(m.Content, m.Attachments),
		}
	}

	if in.WebSearchEnabled && len(in.SearchResults) > 0 {
		msgs = injectSearchContext(msgs, in.SearchResults)
	}

	temp := providers.DefaultTemperature
	if in.Temperature != nil {
		temp = clampTemperature(*in.Temperature)
	}

	return &providers.Request{
		Provider:    provider,
		Model:       in.Model,
		CustomModel: in.CustomModelName,
		Messages:    msgs,
		APIKey:      key,
		Temperature: temp,
		MaxTokens:   in.MaxTokens,
		RequestID:   requestID,
	}, nil
}

// effectiveCredential picks the provider-specific key override when present,
// else the shared apiKey. The veo2 family has no dedicated override; it uses
// the Gemini key (same Google account) or the shared key.
func effectiveCredential(in *inboundRequest, provider string) string {
	var override string
	switch provider {
	case providers.TagOpenAI:
		override = in.OpenAIAPIKey
	case providers.TagClaude:
		override = in.ClaudeAPIKey
	case providers.TagGemini:
		override = in.GeminiAPIKey
	case providers.TagMistral:
		override = in.MistralAPIKey
	case providers.TagDeepSeek:
		override = in.DeepSeekAPIKey
	case providers.TagGrok:
		override = in.GrokAPIKey
	case providers.TagOpenRouter:
		override = in.OpenRouterAPIKey
	case providers.TagVeo2:
		override = in.GeminiAPIKey
	case providers.TagRunway:
		override = in.RunwayAPIKey
	}
	if override != "" {
		return override
	}
	return in.APIKey
}

func normalizeRole(role string) string {
	switch strings.ToLower(role) {
	case providers.RoleAssistant:
		return providers.RoleAssistant
	case providers.RoleSystem:
		return providers.RoleSystem
	default:
		return providers.RoleUser
	}
}

// appendAttachments folds each attachment's extracted text into the owning
// message, delimited by file markers, preserving attachment order.
func appendAttachments(content string, atts []inboundAttachment) string {
	if len(atts) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	for _, a := range atts {
		fmt.Fprintf(&b, "\n\n[File: %s]\n%s\n[End File]", a.Name, a.Text)
	}
	return b.String()
}

// injectSearchContext inserts one synthetic system message carrying the
// numbered search results immediately before the final user message, so the
// model sees the context right next to the question it answers.
func injectSearchContext(msgs []providers.Message, results []inboundSearchResult) []providers.Message {
	var b strings.Builder
	b.WriteString("Use the following web search results to answer. Cite sources by their number, e.g. [1].\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n   %s", i+1, r.Title, r.URL, r.Snippet)
	}
	ctx := providers.Message{Role: providers.RoleSystem, Content: b.String()}

	// Find the final user message; append at the end when there is none.
	pos := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == providers.RoleUser {
			pos = i
			break
		}
	}

	out := make([]providers.Message, 0, len(msgs)+1)
	out = append(out, msgs[:pos]...)
	out = append(out, ctx)
	out = append(out, msgs[pos:]...)
	return out
}

func clampTemperature(t float64) float64 {
	if t < minTemperature {
		return minTemperature
	}
	if t > maxTemperature {
		return maxTemperature
	}
	return t
}
