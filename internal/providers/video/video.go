// Package video implements the veo2 and runway task-submission adapters.
// Both submit a generation job and return its task reference; polling the
// job to completion is the caller's concern.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

const (
	veo2DefaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	runwayDefaultBaseURL = "https://api.dev.runwayml.com/v1"

	// runwayAPIVersion is the dated X-Runway-Version value the API requires.
	runwayAPIVersion = "2024-11-06"

	// demoClipReference is returned for the demo credential without touching
	// any upstream.
	demoClipReference = "https://storage.googleapis.com/gtv-videos-bucket/sample/BigBuckBunny.mp4"

	maxErrorBody = 1 << 20
)

var veo2ModelAliases = map[string]string{
	"veo2":   "veo-2.0-generate-001",
	"veo-2":  "veo-2.0-generate-001",
	"veo2.0": "veo-2.0-generate-001",
}

var runwayModelAliases = map[string]string{
	"runway": "gen3a_turbo",
	"gen3":   "gen3a_turbo",
	"gen-3":  "gen3a_turbo",
	"gen3a":  "gen3a_turbo",
	"gen2":   "gen-2",
}

// Provider implements providers.Provider for one video family member. The
// family field selects the wire shape: veo2 submits a predictLongRunning
// operation with the key as a query parameter, runway creates a task under
// bearer auth plus a version header.
type Provider struct {
	family  string
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// NewVeo2 creates the Google Veo 2 adapter.
func NewVeo2(opts ...Option) *Provider {
	return newProvider(providers.TagVeo2, veo2DefaultBaseURL, opts...)
}

// NewRunway creates the Runway adapter.
func NewRunway(opts ...Option) *Provider {
	return newProvider(providers.TagRunway, runwayDefaultBaseURL, opts...)
}

func newProvider(family, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		family:  family,
		baseURL: baseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return p.family }

func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if req.APIKey == "" {
		return nil, apierr.MissingCredential(p.family)
	}

	model := p.resolveModel(req.Model)

	if req.APIKey == providers.DemoCredential {
		return &providers.Result{Text: demoClipReference, Model: model}, nil
	}

	prompt := providers.LastUserContent(req.Messages)
	if prompt == "" {
		return nil, apierr.MissingParameter("prompt")
	}

	httpReq, err := p.buildRequest(ctx, model, prompt, req.APIKey)
	if err != nil {
		return nil, p.unavailable()
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.unavailable()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.unavailable()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierr.FromUpstreamStatus(p.family, resp.StatusCode, raw)
	}

	ref := p.taskReference(raw)
	if ref == "" {
		return nil, apierr.Malformed(p.family, string(raw))
	}
	return &providers.Result{Text: ref, Model: model}, nil
}

func (p *Provider) unavailable() *apierr.Error {
	return apierr.New(apierr.KindUpstreamUnavailable, p.family,
		"%s is temporarily unavailable, please try again", apierr.DisplayName(p.family))
}

func (p *Provider) resolveModel(model string) string {
	m := strings.ToLower(model)
	aliases := runwayModelAliases
	if p.family == providers.TagVeo2 {
		aliases = veo2ModelAliases
	}
	if wire, ok := aliases[m]; ok {
		return wire
	}
	return model
}

func (p *Provider) buildRequest(ctx context.Context, model, prompt, key string) (*http.Request, error) {
	if p.family == providers.TagVeo2 {
		return p.buildVeo2Request(ctx, model, prompt, key)
	}
	return p.buildRunwayRequest(ctx, model, prompt, key)
}

// buildVeo2Request submits a long-running prediction; the key travels as a
// query parameter, matching the Generative Language API convention.
func (p *Provider) buildVeo2Request(ctx context.Context, model, prompt, key string) (*http.Request, error) {
	body, err := json.Marshal(map[string]any{
		"instances": []map[string]any{
			{"prompt": prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/models/%s:predictLongRunning?key=%s", p.baseURL, model, url.QueryEscape(key))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (p *Provider) buildRunwayRequest(ctx context.Context, model, prompt, key string) (*http.Request, error) {
	body, err := json.Marshal(map[string]any{
		"model":      model,
		"promptText": prompt,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/text_to_video", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Runway-Version", runwayAPIVersion)
	return httpReq, nil
}

// taskReference extracts the job handle from a 2xx body: the operation name
// for veo2, the task id for runway. Both paths are read tolerantly so an
// unexpected envelope degrades to MalformedResponse, never a panic.
func (p *Provider) taskReference(raw []byte) string {
	if p.family == providers.TagVeo2 {
		return gjson.GetBytes(raw, "name").String()
	}
	return gjson.GetBytes(raw, "id").String()
}
