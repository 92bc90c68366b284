// Package openai implements the OpenAI chat adapter on the official SDK.
package openai

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = providers.TagOpenAI
)

// modelAliases translates caller-facing ids to OpenAI wire ids.
var modelAliases = map[string]string{
	"gpt-4.1":      "gpt-4-turbo-2024-04-09",
	"gpt-4.1-mini": "gpt-4o-mini",
	"gpt-4.5":      "gpt-4.5-preview",
	"o3-mini-high": "o3-mini",
}

type Provider struct {
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(option.WithHTTPClient(httpClient))
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

	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, apierr.Malformed(providerName, "no choices in response")
	}
	text := resp.Choices[0].Message.Content
	if text == "" {
		return nil, apierr.EmptyText(providerName)
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

func resolveModel(model string) string {
	if wire, ok := modelAliases[strings.ToLower(model)]; ok {
		return wire
	}
	return model
}

func buildParams(model string, req *providers.Request) openaiSDK.ChatCompletionNewParams {
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

// aggregateStream folds the SDK's chunk stream into a single result; the
// stream iterator closes the response body when Next returns false or the
// context is cancelled.
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
		return nil, toError(ctx, err)
	}
	if b.Len() == 0 {
		return nil, apierr.EmptyText(providerName)
	}
	return &providers.Result{Text: b.String(), Model: model}, nil
}

// toError converts SDK failures into classified gateway errors. Context
// errors pass through so the dispatch layer can report the elapsed deadline.
func toError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return apierr.FromUpstreamStatus(providerName, sdkErr.StatusCode, []byte(sdkErr.Error()))
	}
	return apierr.New(apierr.KindUpstreamUnavailable, providerName, "OpenAI is temporarily unavailable, please try again")
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
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
