package proxy

import (
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func runChain(mw middleware, method string, inner fasthttp.RequestHandler) *fasthttp.RequestCtx {
	if inner == nil {
		inner = func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) }
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	mw(inner)(ctx)
	return ctx
}

func TestRecovery_PassesThrough(t *testing.T) {
	ctx := runChain(recovery, "GET", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Body()); got != "ok" {
		t.Errorf("body = %q, want untouched handler output", got)
	}
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	ctx := runChain(recovery, "GET", func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial output")
		panic("boom")
	})

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
	body := string(ctx.Response.Body())
	if strings.Contains(body, "partial output") {
		t.Errorf("body %q still carries handler output written before the panic", body)
	}
	if !strings.Contains(body, "internal server error") {
		t.Errorf("body = %q, want the generic error envelope", body)
	}
}

func TestRequestID_MintsWhenAbsent(t *testing.T) {
	var seen string
	ctx := runChain(requestID, "GET", func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	if seen == "" {
		t.Error("handler should observe a minted request_id user value")
	}
	if echoed := string(ctx.Response.Header.Peek("X-Request-ID")); echoed != seen {
		t.Errorf("X-Request-ID = %q, want the same id the handler saw (%q)", echoed, seen)
	}
}

func TestRequestID_KeepsClientSupplied(t *testing.T) {
	inner := func(ctx *fasthttp.RequestCtx) {
		if id, _ := ctx.UserValue("request_id").(string); id != "custom-id-123" {
			t.Errorf("request_id = %q, want the client-supplied id", id)
		}
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.Header.Set("X-Request-ID", "custom-id-123")
	requestID(inner)(ctx)

	if echoed := string(ctx.Response.Header.Peek("X-Request-ID")); echoed != "custom-id-123" {
		t.Errorf("X-Request-ID = %q, want it echoed back", echoed)
	}
}

func TestTiming_SetsResponseTimeHeader(t *testing.T) {
	ctx := runChain(timing, "GET", nil)
	if rt := string(ctx.Response.Header.Peek("X-Response-Time")); rt == "" {
		t.Error("X-Response-Time header should be set")
	}
}

func TestSecurityHeaders_Stamped(t *testing.T) {
	ctx := runChain(securityHeaders, "GET", nil)

	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
	}
	for header, value := range want {
		if got := string(ctx.Response.Header.Peek(header)); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if pp := string(ctx.Response.Header.Peek("Permissions-Policy")); pp == "" {
		t.Error("Permissions-Policy header should be set")
	}
}

func TestCORS_OriginResolution(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		want    string
	}{
		{"nil list stays open", nil, "*"},
		{"explicit wildcard stays open", []string{"*"}, "*"},
		{"single origin", []string{"https://app.apeiron.dev"}, "https://app.apeiron.dev"},
		{
			"allowlist is joined",
			[]string{"https://app.apeiron.dev", "https://dashboard.apeiron.dev"},
			"https://app.apeiron.dev, https://dashboard.apeiron.dev",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := runChain(corsHandler(tt.origins), "GET", nil)
			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	ctx := runChain(corsHandler(nil), "OPTIONS", func(ctx *fasthttp.RequestCtx) {
		t.Error("preflight must not reach the route table")
	})

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight response should carry no body")
	}
	// CORS headers still accompany the 204.
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestCORS_AllowHeadersAndMethods(t *testing.T) {
	ctx := runChain(corsHandler(nil), "GET", nil)

	allowHeaders := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, h := range []string{"Authorization", "Content-Type", "X-Request-ID"} {
		if !strings.Contains(allowHeaders, h) {
			t.Errorf("Allow-Headers %q missing %q", allowHeaders, h)
		}
	}
	methods := string(ctx.Response.Header.Peek("Access-Control-Allow-Methods"))
	for _, m := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
		if !strings.Contains(methods, m) {
			t.Errorf("Allow-Methods %q missing %q", methods, m)
		}
	}
}

func TestApplyMiddleware_OutermostFirst(t *testing.T) {
	var order []string
	mark := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-before")
				next(ctx)
				order = append(order, name+"-after")
			}
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mark("outer"), mark("inner"))
	handler(&fasthttp.RequestCtx{})

	want := []string{"outer-before", "inner-before", "handler", "inner-after", "outer-after"}
	if len(order) != len(want) {
		t.Fatalf("call order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestApplyMiddleware_EmptyChain(t *testing.T) {
	called := false
	applyMiddleware(func(ctx *fasthttp.RequestCtx) { called = true })(&fasthttp.RequestCtx{})
	if !called {
		t.Error("bare handler should still run")
	}
}
