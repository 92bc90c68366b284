// Package gemini implements the Google Gemini adapter on the official GenAI
// SDK. The SDK carries the API key itself (query parameter or x-goog-api-key
// header), so no Authorization header is set here.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = providers.TagGemini
	fallbackModel  = "gemini-pro"
)

// knownModels is the set of ids forwarded to the wire unchanged. Anything
// outside the set collapses to fallbackModel rather than failing upstream.
var knownModels = map[string]struct{}{
	"gemini-pro":            {},
	"gemini-1.5-pro":        {},
	"gemini-1.5-flash":      {},
	"gemini-2.0-flash":      {},
	"gemini-2.0-flash-lite": {},
}

var modelAliases = map[string]string{
	"gemini-pro-vision": "gemini-1.5-pro",
	"gemini-flash":      "gemini-1.5-flash",
}

// Provider implements providers.Provider for Google Gemini. No credential is
// held at rest; a client is assembled per call around the request's key.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	base       string
	apiVersion string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Gemini Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}

	p.base, p.apiVersion = splitBaseURLAndVersion(p.baseURL)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if req.APIKey == "" {
		return nil, apierr.MissingCredential(providerName)
	}

	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	model := resolveModel(req.Model)
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return p.aggregateStream(ctx, client, model, contents, cfg)
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toError(ctx, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, apierr.Malformed(providerName, "no candidates in response")
	}

	text := resp.Text()
	if text == "" {
		return nil, apierr.EmptyText(providerName)
	}

	var inTok, outTok int
	if resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.Result{
		Text:  text,
		Model: model,
		Usage: providers.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func resolveModel(model string) string {
	m := strings.ToLower(model)
	if wire, ok := modelAliases[m]; ok {
		return wire
	}
	if _, ok := knownModels[m]; ok {
		return m
	}
	return fallbackModel
}

// buildContentsAndConfig maps canonical messages onto the Gemini shape:
// system turns become the systemInstruction, assistant turns take the
// "model" role, everything else rides as "user".
func buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case providers.RoleAssistant, "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	// The config always carries temperature: an explicit 0 is a valid
	// sampling choice and must reach the wire.
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](float32(req.Temperature)),
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func (p *Provider) aggregateStream(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Result, error) {
	var sb strings.Builder

	for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return nil, toError(ctx, err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}
		sb.WriteString(candidateText(resp.Candidates[0]))
	}

	if sb.Len() == 0 {
		return nil, apierr.EmptyText(providerName)
	}
	return &providers.Result{Text: sb.String(), Model: model}, nil
}

func (p *Provider) clientForKey(ctx context.Context, key string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, providerName, "Gemini is temporarily unavailable, please try again")
	}
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func toError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apierr.FromUpstreamStatus(providerName, apiErr.Code, []byte(apiErr.Message))
	}
	return apierr.New(apierr.KindUpstreamUnavailable, providerName, "Gemini is temporarily unavailable, please try again")
}

// splitBaseURLAndVersion separates a trailing API-version path segment (for
// example /v1beta) from the base URL, since the SDK takes them separately.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}
