// Package claude implements the Anthropic Claude adapter on the official
// SDK. Auth rides the x-api-key and anthropic-version headers the SDK sets.
package claude

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = providers.TagClaude
	defaultMaxTokens = 4096
)

// modelAliases translates caller-facing ids to Anthropic wire ids.
var modelAliases = map[string]string{
	"claude-3.5-sonnet": "claude-3-5-sonnet-20240620",
	"claude-4-sonnet":   "claude-3-5-sonnet-20240620",
	"claude-3.5-haiku":  "claude-3-5-haiku-20241022",
	"claude-3-opus":     "claude-3-opus-20240229",
	"claude-3-haiku":    "claude-3-haiku-20240307",
}

type Provider struct {
	baseURL string
	client  anthropic.Client
}

type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{}),
	)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if req.APIKey == "" {
		return nil, apierr.MissingCredential(providerName)
	}

	model := resolveModel(req.Model)
	params := buildParams(model, req)
	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}

	if req.Stream {
		return p.aggregateStream(ctx, model, params, opts...)
	}

	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toError(ctx, err)
	}

	if len(msg.Content) == 0 {
		return nil, apierr.Malformed(providerName, "no content blocks in response")
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, apierr.EmptyText(providerName)
	}

	wireModel := string(msg.Model)
	if wireModel == "" {
		wireModel = model
	}
	return &providers.Result{
		Text:  sb.String(),
		Model: wireModel,
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func resolveModel(model string) string {
	if wire, ok := modelAliases[strings.ToLower(model)]; ok {
		return wire
	}
	return model
}

// buildParams extracts system turns into the dedicated system field; the
// relative order of the remaining messages is preserved.
func buildParams(model string, req *providers.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	// An explicit 0 is a valid sampling choice, so no zero guard here.
	params.Temperature = anthropic.Float(req.Temperature)
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	sdkRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == providers.RoleAssistant {
		sdkRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: sdkRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (p *Provider) aggregateStream(
	ctx context.Context,
	model string,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.Result, error) {
	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	var b strings.Builder
	for stream.Next() {
		ev := stream.Current()
		switch eventVariant := ev.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				b.WriteString(deltaVariant.Text)
			case *anthropic.TextDelta:
				b.WriteString(deltaVariant.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, toError(ctx, err)
	}
	if b.Len() == 0 {
		return nil, apierr.EmptyText(providerName)
	}
	return &providers.Result{Text: b.String(), Model: model}, nil
}

func toError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		return apierr.FromUpstreamStatus(providerName, sdkErr.StatusCode, []byte(sdkErr.Error()))
	}
	return apierr.New(apierr.KindUpstreamUnavailable, providerName, "Claude is temporarily unavailable, please try again")
}
