// Package apierr defines the gateway's closed error taxonomy, the mapping
// from upstream HTTP statuses to error kinds, and the JSON error envelope
// written to clients.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies every failure the gateway can produce. The set is closed:
// each failure path maps to exactly one kind before leaving the gateway.
type Kind string

const (
	KindMissingParameter    Kind = "missing_parameter"
	KindMissingCredential   Kind = "missing_credential"
	KindUnsupportedProvider Kind = "unsupported_provider"
	KindUpstreamAuth        Kind = "upstream_auth"
	KindUpstreamQuota       Kind = "upstream_quota"
	KindUpstreamNotFound    Kind = "upstream_not_found"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindMalformedResponse   Kind = "malformed_response"
	KindStreamDecodeError   Kind = "stream_decode_error"
)

// maxDetailBytes caps the upstream body text kept for diagnostics.
const maxDetailBytes = 2048

// Error is the typed error threaded through every gateway layer. Message is
// user-facing; Detail carries truncated upstream body text for logs only.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Detail   string
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus returns the outbound status for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingParameter, KindMissingCredential, KindUnsupportedProvider:
		return fasthttp.StatusBadRequest
	case KindUpstreamAuth:
		return fasthttp.StatusUnauthorized
	case KindUpstreamQuota:
		return fasthttp.StatusPaymentRequired
	case KindUpstreamNotFound:
		return fasthttp.StatusNotFound
	default:
		return fasthttp.StatusInternalServerError
	}
}

// New builds an Error with a preformatted message.
func New(kind Kind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// MissingParameter reports absent or empty required request fields.
func MissingParameter(what string) *Error {
	return New(KindMissingParameter, "", "missing required parameter: %s", what)
}

// MissingCredential reports an absent or unusable API key for a provider.
func MissingCredential(provider string) *Error {
	return New(KindMissingCredential, provider, "%s API key is required", DisplayName(provider))
}

// UnsupportedProvider reports an explicitly requested provider outside the
// supported set.
func UnsupportedProvider(provider string) *Error {
	return New(KindUnsupportedProvider, provider, "unsupported provider: %s", provider)
}

// Timeout reports a client-side deadline expiry, naming the elapsed seconds.
func Timeout(provider string, elapsedSeconds float64) *Error {
	return New(KindTimeout, provider, "%s request timed out after %.1fs", DisplayName(provider), elapsedSeconds)
}

// Malformed reports a 2xx upstream response whose body lacks the expected
// structure or canonical text.
func Malformed(provider, detail string) *Error {
	e := New(KindMalformedResponse, provider, "%s returned an unexpected response format", DisplayName(provider))
	e.Detail = truncate(detail, maxDetailBytes)
	return e
}

// EmptyText reports a structurally valid response whose canonical text is
// empty. An empty string is never a success.
func EmptyText(provider string) *Error {
	return New(KindMalformedResponse, provider, "%s returned an empty response", DisplayName(provider))
}

// StreamDecode reports a transport failure while consuming an event stream.
func StreamDecode(provider string, err error) *Error {
	e := New(KindStreamDecodeError, provider, "%s stream ended unexpectedly", DisplayName(provider))
	if err != nil {
		e.Detail = truncate(err.Error(), maxDetailBytes)
	}
	return e
}

// FromUpstreamStatus maps a non-2xx upstream status to its kind with a
// human-readable, provider-named message. The raw body is preserved in
// Detail for diagnostics, never surfaced to clients.
func FromUpstreamStatus(provider string, status int, body []byte) *Error {
	name := DisplayName(provider)
	var e *Error
	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		e = New(KindUpstreamAuth, provider, "%s API key is invalid or expired", name)
	case status == fasthttp.StatusPaymentRequired:
		e = New(KindUpstreamQuota, provider, "%s account has insufficient credits", name)
	case status == fasthttp.StatusNotFound:
		e = New(KindUpstreamNotFound, provider, "%s model not found or unavailable", name)
	case status == fasthttp.StatusTooManyRequests:
		e = New(KindUpstreamQuota, provider, "%s rate limit exceeded, please try again later", name)
	default:
		// Covers 5xx (504 here is the upstream gateway's own timeout, not
		// the client-side deadline) and any unexpected non-2xx status.
		e = New(KindUpstreamUnavailable, provider, "%s is temporarily unavailable, please try again", name)
	}
	e.Detail = truncate(string(body), maxDetailBytes)
	return e
}

// AsError extracts a typed *Error, wrapping unknown errors as an internal
// failure so handlers always have a kind and status to write.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindUpstreamUnavailable, Message: "internal server error", Detail: truncate(err.Error(), maxDetailBytes)}
}

type envelope struct {
	Error string `json:"error"`
}

// Write serializes err to the client as {"error": "..."} with the status
// derived from its kind.
func Write(ctx *fasthttp.RequestCtx, err error) {
	e := AsError(err)
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e.Message})
	ctx.SetBody(body)
}

// displayNames maps provider tags to the names used in user-facing messages.
var displayNames = map[string]string{
	"openai":     "OpenAI",
	"claude":     "Claude",
	"gemini":     "Gemini",
	"mistral":    "Mistral",
	"deepseek":   "DeepSeek",
	"grok":       "Grok",
	"openrouter": "OpenRouter",
	"veo2":       "Veo2",
	"runway":     "Runway",
}

// DisplayName returns the user-facing name for a provider tag.
func DisplayName(provider string) string {
	if n, ok := displayNames[provider]; ok {
		return n
	}
	if provider == "" {
		return "upstream"
	}
	return provider
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
