// Package mistral implements the Mistral AI chat adapter, including the
// codestral code-generation models.
package mistral

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
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = providers.TagMistral

	maxErrorBody = 1 << 20
)

// modelAliases translates caller-facing ids to Mistral wire ids.
var modelAliases = map[string]string{
	"codestral":      "codestral-latest",
	"mistral-large":  "mistral-large-latest",
	"mistral-medium": "mistral-medium-latest",
	"mistral-small":  "mistral-small-latest",
	"mistral-nemo":   "open-mistral-nemo",
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
	client  *http.Client
}

type Option func(*Provider)

func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New builds the adapter. Credentials are never held at rest; each request
// carries the caller's key.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
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
	model := resolveModel(req.Model)

	body, err := buildRequest(model, req)
	if err != nil {
		return nil, apierr.Malformed(providerName, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, providerName, "Mistral request could not be built")
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierr.New(apierr.KindUpstreamUnavailable, providerName, "Mistral is temporarily unavailable, please try again")
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

func resolveModel(model string) string {
	if wire, ok := modelAliases[strings.ToLower(model)]; ok {
		return wire
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

// aggregateStream folds the SSE body into a single result. Closing the body
// on every path releases the connection when the deadline cancels the call.
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
