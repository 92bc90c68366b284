package proxy

import (
	"errors"
	"strings"
	"testing"

	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

func mustNormalize(t *testing.T, body string, explicit bool) *providers.Request {
	t.Helper()
	req, aerr := normalize([]byte(body), "req-test-1", explicit)
	if aerr != nil {
		t.Fatalf("normalize failed: %v", aerr)
	}
	return req
}

func normalizeKind(t *testing.T, body string, explicit bool) apierr.Kind {
	t.Helper()
	_, aerr := normalize([]byte(body), "req-test-1", explicit)
	if aerr == nil {
		t.Fatal("expected a normalization error, got none")
	}
	return aerr.Kind
}

func TestNormalize_Valid(t *testing.T) {
	req := mustNormalize(t, `{
		"messages":[{"role":"user","content":"hi"}],
		"model":"gpt-4o",
		"provider":"openai",
		"apiKey":"sk-test"
	}`, true)

	if req.Provider != "openai" {
		t.Errorf("provider = %q, want openai", req.Provider)
	}
	if req.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", req.Model)
	}
	if req.APIKey != "sk-test" {
		t.Errorf("apiKey = %q", req.APIKey)
	}
	if req.Temperature != providers.DefaultTemperature {
		t.Errorf("temperature = %v, want default %v", req.Temperature, providers.DefaultTemperature)
	}
	if req.RequestID != "req-test-1" {
		t.Errorf("request id = %q", req.RequestID)
	}
}

func TestNormalize_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind apierr.Kind
	}{
		{"empty messages", `{"messages":[],"model":"gpt-4","provider":"openai","apiKey":"k"}`, apierr.KindMissingParameter},
		{"absent messages", `{"model":"gpt-4","provider":"openai","apiKey":"k"}`, apierr.KindMissingParameter},
		{"absent model", `{"messages":[{"role":"user","content":"x"}],"provider":"openai","apiKey":"k"}`, apierr.KindMissingParameter},
		{"absent provider", `{"messages":[{"role":"user","content":"x"}],"model":"gpt-4","apiKey":"k"}`, apierr.KindMissingParameter},
		{"absent apiKey", `{"messages":[{"role":"user","content":"x"}],"model":"gpt-4","provider":"openai"}`, apierr.KindMissingParameter},
		{"invalid json", `{not json`, apierr.KindMissingParameter},
		{"unsupported provider", `{"messages":[{"role":"user","content":"x"}],"model":"m","provider":"cohere","apiKey":"k"}`, apierr.KindUnsupportedProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeKind(t, tt.body, true); got != tt.kind {
				t.Errorf("kind = %q, want %q", got, tt.kind)
			}
		})
	}
}

func TestNormalize_InferredProvider(t *testing.T) {
	req := mustNormalize(t, `{
		"messages":[{"role":"user","content":"write fizzbuzz"}],
		"model":"codestral",
		"apiKey":"k"
	}`, false)
	if req.Provider != "mistral" {
		t.Errorf("inferred provider = %q, want mistral", req.Provider)
	}
}

func TestNormalize_DemoCredential(t *testing.T) {
	// Accepted for the video family only.
	req := mustNormalize(t, `{
		"messages":[{"role":"user","content":"a cat surfing"}],
		"model":"veo2",
		"apiKey":"demo"
	}`, false)
	if req.APIKey != providers.DemoCredential {
		t.Errorf("apiKey = %q, want demo sentinel", req.APIKey)
	}

	// Rejected for everything else.
	kind := normalizeKind(t, `{
		"messages":[{"role":"user","content":"hi"}],
		"model":"gpt-4",
		"provider":"openai",
		"apiKey":"demo"
	}`, true)
	if kind != apierr.KindMissingCredential {
		t.Errorf("kind = %q, want %q", kind, apierr.KindMissingCredential)
	}
}

func TestNormalize_ProviderKeyOverride(t *testing.T) {
	req := mustNormalize(t, `{
		"messages":[{"role":"user","content":"hi"}],
		"model":"gemini-pro",
		"provider":"gemini",
		"apiKey":"shared-key",
		"geminiApiKey":"gemini-key"
	}`, true)
	if req.APIKey != "gemini-key" {
		t.Errorf("apiKey = %q, want the gemini override", req.APIKey)
	}
}

func TestNormalize_Attachments(t *testing.T) {
	req := mustNormalize(t, `{
		"messages":[
			{"role":"user","content":"summarize this","attachments":[{"name":"notes.txt","text":"alpha beta"}]},
			{"role":"assistant","content":"sure"}
		],
		"model":"gpt-4",
		"provider":"openai",
		"apiKey":"k"
	}`, true)

	got := req.Messages[0].Content
	want := "summarize this\n\n[File: notes.txt]\nalpha beta\n[End File]"
	if got != want {
		t.Errorf("attachment folding:\n got %q\nwant %q", got, want)
	}
	if req.Messages[1].Content != "sure" {
		t.Errorf("second message mutated: %q", req.Messages[1].Content)
	}
}

func TestNormalize_SearchResultsInsertion(t *testing.T) {
	req := mustNormalize(t, `{
		"messages":[
			{"role":"user","content":"old question"},
			{"role":"assistant","content":"old answer"},
			{"role":"user","content":"what is the capital of France?"}
		],
		"model":"gpt-4",
		"provider":"openai",
		"apiKey":"k",
		"webSearchEnabled":true,
		"searchResults":[
			{"title":"Paris","url":"https://example.com/paris","snippet":"Paris is the capital."},
			{"title":"France","url":"https://example.com/france","snippet":"A country in Europe."}
		]
	}`, true)

	if len(req.Messages) != 4 {
		t.Fatalf("expected 4 messages after insertion, got %d", len(req.Messages))
	}
	// The synthetic system message sits immediately before the final user turn.
	sys := req.Messages[2]
	if sys.Role != providers.RoleSystem {
		t.Fatalf("inserted message role = %q, want system", sys.Role)
	}
	if !strings.Contains(sys.Content, "1. Paris") || !strings.Contains(sys.Content, "2. France") {
		t.Errorf("search results not numbered:\n%s", sys.Content)
	}
	if !strings.Contains(strings.ToLower(sys.Content), "cite") {
		t.Errorf("missing citation instruction:\n%s", sys.Content)
	}
	if req.Messages[3].Content != "what is the capital of France?" {
		t.Errorf("final user message displaced: %q", req.Messages[3].Content)
	}
	// Earlier turns untouched and in order.
	if req.Messages[0].Content != "old question" || req.Messages[1].Content != "old answer" {
		t.Errorf("conversation order broken: %+v", req.Messages[:2])
	}
}

func TestNormalize_SearchDisabledWithoutFlag(t *testing.T) {
	req := mustNormalize(t, `{
		"messages":[{"role":"user","content":"q"}],
		"model":"gpt-4",
		"provider":"openai",
		"apiKey":"k",
		"searchResults":[{"title":"t","url":"u","snippet":"s"}]
	}`, true)
	if len(req.Messages) != 1 {
		t.Errorf("results injected without webSearchEnabled: %d messages", len(req.Messages))
	}
}

func TestNormalize_TemperatureClamp(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`0.2`, 0.2},
		{`-1`, 0},
		{`9.5`, 2},
	}
	for _, tt := range tests {
		body := `{"messages":[{"role":"user","content":"x"}],"model":"gpt-4","provider":"openai","apiKey":"k","temperature":` + tt.raw + `}`
		req := mustNormalize(t, body, true)
		if req.Temperature != tt.want {
			t.Errorf("temperature %s → %v, want %v", tt.raw, req.Temperature, tt.want)
		}
	}
}

func TestNormalize_PreservesMessageOrder(t *testing.T) {
	req := mustNormalize(t, `{
		"messages":[
			{"role":"system","content":"m0"},
			{"role":"user","content":"m1"},
			{"role":"assistant","content":"m2"},
			{"role":"user","content":"m3"}
		],
		"model":"claude-3.5-sonnet",
		"provider":"claude",
		"apiKey":"k"
	}`, true)

	want := []string{"m0", "m1", "m2", "m3"}
	if len(req.Messages) != len(want) {
		t.Fatalf("message count = %d, want %d", len(req.Messages), len(want))
	}
	for i, w := range want {
		if req.Messages[i].Content != w {
			t.Errorf("message %d = %q, want %q", i, req.Messages[i].Content, w)
		}
	}
}

func TestNormalize_UnknownRoleBecomesUser(t *testing.T) {
	req := mustNormalize(t, `{
		"messages":[{"role":"tool","content":"x"}],
		"model":"gpt-4",
		"provider":"openai",
		"apiKey":"k"
	}`, true)
	if req.Messages[0].Role != providers.RoleUser {
		t.Errorf("role = %q, want user", req.Messages[0].Role)
	}
}

func TestNormalize_ErrorIsTyped(t *testing.T) {
	_, aerr := normalize([]byte(`{}`), "id", true)
	var e *apierr.Error
	if !errors.As(error(aerr), &e) {
		t.Fatalf("normalize error is not *apierr.Error: %T", aerr)
	}
}
