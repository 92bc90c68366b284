// Package openaicompat provides a generic adapter for chat services that
// implement the OpenAI completions API behind their own base URL. The
// gateway instantiates it for DeepSeek and Grok (xAI); each instance carries
// its own model-alias table.
package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

// Default upstream endpoints.
const (
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
	GrokBaseURL     = "https://api.x.ai/v1"
)

// DeepSeekAliases translates caller-facing DeepSeek ids to wire ids.
var DeepSeekAliases = map[string]string{
	"deepseek-v3":    "deepseek-chat",
	"deepseek-r1":    "deepseek-reasoner",
	"deepseek-coder": "deepseek-chat",
}

// GrokAliases translates caller-facing Grok ids to wire ids.
var GrokAliases = map[string]string{
	"grok-3":      "grok-3-latest",
	"grok-3-mini": "grok-3-mini-latest",
	"grok-2":      "grok-2-1212",
}

// Provider is a configurable OpenAI-compatible adapter.
type Provider struct {
	name    string
	baseURL string
	aliases map[string]string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates an adapter for the named provider.
//
//   - name    — provider tag used for routing, errors and logs.
//   - baseURL — API base, e.g. "https://api.x.ai/v1".
//   - aliases — caller-facing id → wire id table; may be nil.
func New(name, baseURL string, aliases map[string]string, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		baseURL: baseURL,
		aliases: aliases,
	}
	for _, o := range opts {
		o(p)
	}

	clientOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{}),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = openaiSDK.NewClient(clientOpts...)
	return p
}

// NewDeepSeek builds the DeepSeek instance with its alias table.
func NewDeepSeek(opts ...Option) *Provider {
	return New(providers.TagDeepSeek, DeepSeekBaseURL, DeepSeekAliases, opts...)
}

// NewGrok builds the Grok (xAI) instance with its alias table.
func NewGrok(opts ...Option) *Provider {
	return New(providers.TagGrok, GrokBaseURL, GrokAliases, opts...)
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if req.APIKey == "" {
		return nil, apierr.MissingCredential(p.name)
	}

	model := p.resolveModel(req.Model)
	params := p.buildParams(model, req)
	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}

	if req.Stream {
		return p.aggregateStream(ctx, model, params, opts...)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, p.toError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, apierr.Malformed(p.name, "no choices in response")
	}
	text := resp.Choices[0].Message.Content
	if text == "" {
		return nil, apierr.EmptyText(p.name)
	}

	wireModel := resp.Model
	if wireModel == "" {
		wireModel = model
	}
	return &providers.Result{
		Text:  text,
		Model: wireModel,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) resolveModel(model string) string {
	if wire, ok := p.aliases[strings.ToLower(model)]; ok {
		return wire
	}
	return model
}

func (p *Provider) buildParams(model string, req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	// Temperature is always populated upstream of the adapters; an explicit
	// 0 is a valid sampling choice and goes on the wire.
	params.Temperature = openaiSDK.Float(req.Temperature)
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func (p *Provider) aggregateStream(
	ctx context.Context,
	model string,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.Result, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		b.WriteString(chunk.Choices[0].Delta.Content)
	}
	if err := stream.Err(); err != nil {
		return nil, p.toError(ctx, err)
	}
	if b.Len() == 0 {
		return nil, apierr.EmptyText(p.name)
	}
	return &providers.Result{Text: b.String(), Model: model}, nil
}

func (p *Provider) toError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return apierr.FromUpstreamStatus(p.name, sdkErr.StatusCode, []byte(sdkErr.Error()))
	}
	return apierr.New(apierr.KindUpstreamUnavailable, p.name, "%s is temporarily unavailable, please try again", apierr.DisplayName(p.name))
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
