package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New(WithBaseURL(srv.URL))
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Provider:  "openai",
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		APIKey:    "mock-api-key",
		RequestID: "req-mock-1",
	}
}

func kindOf(t *testing.T, err error) apierr.Kind {
	t.Helper()
	var e *apierr.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	return e.Kind
}

// successBody is the minimal chat.completion payload openai-go/v3 can
// unmarshal.
func successBody(model, content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}
}

func TestProvider_Name(t *testing.T) {
	p := New()
	if p.Name() != "openai" {
		t.Fatalf("expected 'openai', got %q", p.Name())
	}
}

func TestProvider_Generate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("gpt-4o", "Hello, world!"))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	res, err := p.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Text != "Hello, world!" {
		t.Errorf("expected text 'Hello, world!', got %q", res.Text)
	}
	if res.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %q", res.Model)
	}
	if res.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", res.Usage.InputTokens)
	}
	if res.Usage.OutputTokens != 5 {
		t.Errorf("expected 5 output tokens, got %d", res.Usage.OutputTokens)
	}
}

func TestProvider_Generate_AliasesModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body["model"] != "gpt-4-turbo-2024-04-09" {
			t.Errorf("expected wire model 'gpt-4-turbo-2024-04-09', got %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("gpt-4-turbo-2024-04-09", "ok"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Model = "gpt-4.1"

	p := newTestProvider(srv)
	res, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "gpt-4-turbo-2024-04-09" {
		t.Errorf("expected aliased model, got %q", res.Model)
	}
}

func TestProvider_Generate_ZeroTemperatureOnWire(t *testing.T) {
	// An explicit temperature of 0 is a deliberate sampling choice and must
	// be serialized.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if temp, ok := body["temperature"]; !ok || temp.(float64) != 0 {
			t.Errorf("expected temperature=0 on the wire, got %v (present=%v)", temp, ok)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("gpt-4o", "ok"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Temperature = 0

	p := newTestProvider(srv)
	if _, err := p.Generate(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Generate_PreservesMessageOrder(t *testing.T) {
	in := []providers.Message{
		{Role: "system", Content: "Be brief"},
		{Role: "user", Content: "One"},
		{Role: "assistant", Content: "Two"},
		{Role: "user", Content: "Three"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if len(body.Messages) != len(in) {
			t.Fatalf("expected %d messages, got %d", len(in), len(body.Messages))
		}
		for i, m := range body.Messages {
			if m.Role != in[i].Role || m.Content != in[i].Content {
				t.Errorf("message %d = %+v, want %+v", i, m, in[i])
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("gpt-4o", "ok"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = in

	p := newTestProvider(srv)
	if _, err := p.Generate(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Generate_Streaming(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	p := newTestProvider(srv)
	res, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", res.Text)
	}
}

func TestProvider_Generate_RateLimit(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Generate(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}
	if kind := kindOf(t, err); kind != apierr.KindUpstreamQuota {
		t.Errorf("expected kind %q, got %q", apierr.KindUpstreamQuota, kind)
	}
	if !strings.Contains(err.Error(), "OpenAI") {
		t.Errorf("error message %q should name the provider", err.Error())
	}
}

func TestProvider_Generate_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Generate(context.Background(), baseRequest())
	if kind := kindOf(t, err); kind != apierr.KindUpstreamAuth {
		t.Errorf("expected kind %q, got %q", apierr.KindUpstreamAuth, kind)
	}
}

func TestProvider_Generate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"Service unavailable","type":"server_error"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Generate(context.Background(), baseRequest())
	if kind := kindOf(t, err); kind != apierr.KindUpstreamUnavailable {
		t.Errorf("expected kind %q, got %q", apierr.KindUpstreamUnavailable, kind)
	}
}

func TestProvider_Generate_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("gpt-4o", ""))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Generate(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for empty content, got nil")
	}
	if kind := kindOf(t, err); kind != apierr.KindMalformedResponse {
		t.Errorf("expected kind %q, got %q", apierr.KindMalformedResponse, kind)
	}
}

func TestProvider_Generate_MissingKey(t *testing.T) {
	p := New()
	req := baseRequest()
	req.APIKey = ""

	_, err := p.Generate(context.Background(), req)
	if kind := kindOf(t, err); kind != apierr.KindMissingCredential {
		t.Errorf("expected kind %q, got %q", apierr.KindMissingCredential, kind)
	}
}
