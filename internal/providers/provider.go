// Package providers defines the canonical request/result types shared by all
// generation provider adapters.
//
// Each adapter lives in its own sub-package and implements the Provider
// interface: it owns its model-alias table, its authentication header shape,
// its wire payload shape, and its response parsing. Dispatch is by interface,
// selected once per request by the resolver.
package providers

import (
	"context"
	"strings"
)

// Provider tags. The set is closed; explicit requests for anything else are
// rejected before dispatch.
const (
	TagOpenAI     = "openai"
	TagClaude     = "claude"
	TagGemini     = "gemini"
	TagMistral    = "mistral"
	TagDeepSeek   = "deepseek"
	TagGrok       = "grok"
	TagOpenRouter = "openrouter"
	TagVeo2       = "veo2"
	TagRunway     = "runway"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DemoCredential is the sentinel API key accepted only by the video adapter
// family. Every other provider requires a real credential.
const DemoCredential = "demo"

// DefaultTemperature is applied when the caller omits temperature.
const DefaultTemperature = 0.7

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats as reported by the upstream.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Request is the canonical, provider-agnostic generation request. It is
	// built once per call and never mutated by adapters; Messages keep
	// conversation order.
	Request struct {
		Provider    string
		Model       string // caller-facing id; adapters translate via their alias tables
		CustomModel string // OpenRouter override, used verbatim when set
		Messages    []Message
		APIKey      string
		Temperature float64
		MaxTokens   int
		Stream      bool
		RequestID   string
	}

	// Result is the canonical success. Model is the wire model actually sent
	// upstream, after aliasing. Text is never empty: dispatch rejects empty
	// text before it can reach a caller.
	Result struct {
		Text  string
		Model string
		Usage Usage
	}
)

// Provider is implemented by every adapter. Generate performs exactly one
// upstream call; in streaming mode the adapter folds the event stream into
// Result.Text itself. Errors are always typed (*apierr.Error).
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// Supported reports whether tag names a provider in the closed set.
func Supported(tag string) bool {
	switch tag {
	case TagOpenAI, TagClaude, TagGemini, TagMistral, TagDeepSeek, TagGrok, TagOpenRouter, TagVeo2, TagRunway:
		return true
	}
	return false
}

// VideoFamily reports whether tag belongs to the image/video adapter family,
// the only family that accepts the demo credential.
func VideoFamily(tag string) bool {
	return tag == TagVeo2 || tag == TagRunway
}

// LastUserContent returns the content of the final user message, or "" when
// the conversation has no user turn. Video adapters use it as the generation
// prompt; system and assistant turns never stand in for one.
func LastUserContent(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// JoinSystem concatenates all system-role messages into one instruction
// block, preserving order. Adapters whose wire shape carries a dedicated
// system field (Claude, Gemini) use it after filtering those turns out.
func JoinSystem(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != RoleSystem {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
