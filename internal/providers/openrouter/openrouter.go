// Package openrouter implements the OpenRouter aggregator adapter. Model ids
// are vendor-prefixed (`vendor/model`); ids arriving without a prefix get a
// best-effort prefix by keyword so common shorthand still routes.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/internal/sse"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	providerName   = providers.TagOpenRouter

	defaultReferer = "https://github.com/themalagasywizard/apeiron-gateway"
	defaultTitle   = "Apeiron Gateway"

	maxErrorBody = 1 << 20
)

// vendorPrefixes maps id keywords to vendor prefixes, checked in order. An
// id with no matching keyword is sent unmodified and the upstream may
// reject it.
var vendorPrefixes = []struct {
	keyword string
	prefix  string
}{
	{"gpt", "openai/"},
	{"claude", "anthropic/"},
	{"gemini", "google/"},
	{"mistral", "mistral/"},
	{"llama", "meta-llama/"},
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type Provider struct {
	baseURL string
	referer string
	title   string
	client  *http.Client
}

type Option func(*Provider)

func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAttribution overrides the referer/title pair OpenRouter uses for app
// rankings.
func WithAttribution(referer, title string) Option {
	return func(p *Provider) {
		p.referer = referer
		p.title = title
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		referer: defaultReferer,
		title:   defaultTitle,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if req.APIKey == "" {
		return nil, apierr.MissingCredential(providerName)
	}
	model := ResolveModel(req.Model, req.CustomModel)

	body, err := buildRequest(model, req)
	if err != nil {
		return nil, apierr.Malformed(providerName, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, providerName, "OpenRouter request could not be built")
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("HTTP-Referer", p.referer)
	httpReq.Header.Set("X-Title", p.title)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierr.New(apierr.KindUpstreamUnavailable, providerName, "OpenRouter is temporarily unavailable, please try again")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apierr.FromUpstreamStatus(providerName, resp.StatusCode, raw)
	}

	if req.Stream {
		return p.aggregateStream(ctx, model, resp)
	}
	defer resp.Body.Close()

	return parseResponse(model, resp.Body)
}

// ResolveModel picks the wire model id: an explicit custom name wins, a
// slash-delimited id passes through, and a bare id gets a vendor prefix by
// keyword when one matches.
func ResolveModel(model, customModel string) string {
	if customModel != "" {
		return customModel
	}
	if strings.Contains(model, "/") {
		return model
	}
	lower := strings.ToLower(model)
	for _, vp := range vendorPrefixes {
		if strings.Contains(lower, vp.keyword) {
			return vp.prefix + model
		}
	}
	return model
}

func buildRequest(model string, req *providers.Request) ([]byte, error) {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	// Temperature is serialized unconditionally: an explicit 0 is a valid
	// sampling choice and must reach the wire.
	cr := chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.Stream {
		cr.Stream = true
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}

	data, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func parseResponse(model string, body io.Reader) (*providers.Result, error) {
	var cr chatResponse
	if err := json.NewDecoder(body).Decode(&cr); err != nil {
		return nil, apierr.Malformed(providerName, err.Error())
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
		return nil, apierr.Malformed(providerName, "no choices in response")
	}
	text := cr.Choices[0].Message.Content
	if text == "" {
		return nil, apierr.EmptyText(providerName)
	}

	wireModel := cr.Model
	if wireModel == "" {
		wireModel = model
	}
	return &providers.Result{
		Text:  text,
		Model: wireModel,
		Usage: providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

func (p *Provider) aggregateStream(ctx context.Context, model string, resp *http.Response) (*providers.Result, error) {
	defer resp.Body.Close()

	text, skipped, err := sse.Aggregate(resp.Body)
	if skipped > 0 {
		slog.Warn("skipped undecodable stream lines",
			slog.String("provider", providerName),
			slog.Int("lines", skipped))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierr.StreamDecode(providerName, err)
	}
	if text == "" {
		return nil, apierr.EmptyText(providerName)
	}
	return &providers.Result{Text: text, Model: model}, nil
}
