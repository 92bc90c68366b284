// Package proxy is the multi-provider generation gateway core.
//
// Every request flows through the same pipeline: normalize the inbound
// payload, resolve the provider adapter, dispatch exactly one upstream call
// under a route-tier deadline, and translate the canonical result — or its
// typed error — into the wire envelope.
//
// Key design constraints:
//   - One upstream call per request. No retries, no failover, no fan-out;
//     retries are a caller concern.
//   - The gateway core is stateless: every entity is request-scoped. The
//     limiter, metrics and audit queue live in the server layer and never
//     influence request semantics.
//   - All upstream I/O runs under context.Context so a deadline expiry
//     cancels the in-flight connection, not just the wait.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/themalagasywizard/apeiron-gateway/internal/logger"
	"github.com/themalagasywizard/apeiron-gateway/internal/metrics"
	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	"github.com/themalagasywizard/apeiron-gateway/internal/ratelimit"
	"github.com/themalagasywizard/apeiron-gateway/pkg/apierr"
)

// Route-tier deadline defaults. Each budget plus DeadlineSlack must stay
// under the host platform's per-invocation ceiling: 25s for interactive
// chat, 15 minutes for the long-running code and video paths. Config
// validation warns when a tier is tuned past its ceiling.
const (
	DefaultChatTimeout  = 15 * time.Second
	DefaultCodeTimeout  = 50 * time.Second
	DefaultVideoTimeout = 120 * time.Second

	// DeadlineSlack is the headroom kept between a route budget and the host
	// ceiling, covering response serialization and transport teardown.
	DeadlineSlack = 2500 * time.Millisecond
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// ChatTimeout, CodeTimeout and VideoTimeout size the deadline for each
	// route tier. Zero values use the package defaults.
	ChatTimeout  time.Duration
	CodeTimeout  time.Duration
	VideoTimeout time.Duration

	// Version is reported by GET /health and the build-info metric.
	Version string
}

// Gateway dispatches canonical generation requests to provider adapters. All
// dependencies are injected so tests can substitute doubles; limiter and
// audit logger are optional and nil-safe.
type Gateway struct {
	providers map[string]providers.Provider
	log       *slog.Logger
	metrics   *metrics.Registry

	chatTimeout  time.Duration
	codeTimeout  time.Duration
	videoTimeout time.Duration

	// Optional dependencies — nil-safe when not configured.
	limiter ratelimit.Limiter
	audit   *logger.Logger

	// readyProbe reports whether optional backends (limiter state) are
	// reachable; nil means always ready.
	readyProbe func() bool

	corsOrigins []string
	version     string
	startTime   time.Time
}

// NewGateway creates a Gateway with default settings.
func NewGateway(provs map[string]providers.Provider) *Gateway {
	return NewGatewayWithOptions(provs, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway.
func NewGatewayWithOptions(provs map[string]providers.Provider, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		providers:    provs,
		log:          log,
		metrics:      opts.Metrics,
		chatTimeout:  opts.ChatTimeout,
		codeTimeout:  opts.CodeTimeout,
		videoTimeout: opts.VideoTimeout,
		version:      opts.Version,
		startTime:    time.Now(),
	}
	if g.chatTimeout <= 0 {
		g.chatTimeout = DefaultChatTimeout
	}
	if g.codeTimeout <= 0 {
		g.codeTimeout = DefaultCodeTimeout
	}
	if g.videoTimeout <= 0 {
		g.videoTimeout = DefaultVideoTimeout
	}
	if g.version == "" {
		g.version = "dev"
	}
	return g
}

// SetRateLimiter injects the per-client request limiter.
func (g *Gateway) SetRateLimiter(l ratelimit.Limiter) { g.limiter = l }

// SetAuditLogger injects the async generation audit logger.
func (g *Gateway) SetAuditLogger(l *logger.Logger) { g.audit = l }

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// SetReadyProbe installs the readiness probe used by GET /readiness.
func (g *Gateway) SetReadyProbe(probe func() bool) { g.readyProbe = probe }

// ── Wire envelopes ───────────────────────────────────────────────────────────

// outboundResponse is the success shape: the canonical text plus the wire
// model that actually served it.
type outboundResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

// ── Route handlers ───────────────────────────────────────────────────────────

// handleGenerate serves POST /v1/generate — plain chat. The UI names the
// provider explicitly; the chat deadline tier applies.
func (g *Gateway) handleGenerate(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "generate", g.chatTimeout, dispatchOpts{explicitProvider: true})
}

// handleCode serves POST /v1/code — code generation. The provider is
// inferred from the model id, the upstream call streams, and the stream is
// folded into one result under the code deadline tier.
func (g *Gateway) handleCode(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "code", g.codeTimeout, dispatchOpts{stream: true})
}

// handleVideo serves POST /v1/video — the image/video task family. Only
// veo2/runway models are accepted; the demo credential short-circuits inside
// the adapter.
func (g *Gateway) handleVideo(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "video", g.videoTimeout, dispatchOpts{videoOnly: true})
}

type dispatchOpts struct {
	explicitProvider bool
	stream           bool
	videoOnly        bool
}

// dispatch runs the full pipeline for one request. It owns the only
// suspension point — the adapter call under its deadline timer — and is the
// single place that translates errors to the wire shape.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, route string, budget time.Duration, opts dispatchOpts) {
	start := time.Now()
	servedProvider := "unknown"
	reqBytes := len(ctx.PostBody())
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, time.Since(start), reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Rate limit — keyed by client address, allow-on-error.
	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, ctx.RemoteIP().String())
		if g.metrics != nil {
			g.metrics.RecordRateLimit(limitResult(allowed, err))
		}
		if err == nil && !allowed {
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("client", ctx.RemoteIP().String()),
			)
			ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
			ctx.Response.Header.Set("Retry-After", "60")
			writeJSON(ctx, map[string]string{"error": "too many requests, please slow down"})
			return
		}
	}

	// 2. Normalize.
	req, aerr := normalize(ctx.PostBody(), reqID, opts.explicitProvider)
	if aerr != nil {
		g.writeError(ctx, route, servedProvider, reqID, start, aerr)
		return
	}
	req.Stream = opts.stream

	if opts.videoOnly && !providers.VideoFamily(req.Provider) {
		g.writeError(ctx, route, servedProvider, reqID, start,
			apierr.New(apierr.KindUnsupportedProvider, req.Provider,
				"model %q is not a video generation model", req.Model))
		return
	}
	servedProvider = req.Provider

	prov, ok := g.providers[req.Provider]
	if !ok {
		g.writeError(ctx, route, servedProvider, reqID, start, apierr.UnsupportedProvider(req.Provider))
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", req.Model),
		slog.String("provider", req.Provider),
		slog.Bool("stream", req.Stream),
	)

	// 3. Exactly one upstream call under one fresh deadline timer. Deadline
	// expiry cancels the in-flight connection via the context.
	provCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	upStart := time.Now()
	res, err := prov.Generate(provCtx, req)
	upDur := time.Since(upStart)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apierr.Timeout(req.Provider, upDur.Seconds())
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(req.Provider, route, string(apierr.AsError(err).Kind), upDur)
		}
		g.writeError(ctx, route, req.Provider, reqID, start, err)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(req.Provider, route, "success", upDur)
	}

	// 4. An empty canonical text is never a success, whatever the adapter
	// returned. Enforced here so no route can leak one.
	if res == nil || res.Text == "" {
		g.writeError(ctx, route, req.Provider, reqID, start, apierr.EmptyText(req.Provider))
		return
	}

	if g.metrics != nil {
		g.metrics.AddTokens(req.Provider, route, res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	g.auditLog(reqID, req.Provider, res.Model, route, "",
		res.Usage.InputTokens, res.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", req.Provider),
		slog.String("model", res.Model),
		slog.Int("input_tokens", res.Usage.InputTokens),
		slog.Int("output_tokens", res.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	writeJSON(ctx, outboundResponse{Response: res.Text, Model: res.Model})
	respBytes = len(ctx.Response.Body())
}

// writeError is the single place a failure becomes a wire response. Every
// error leaving here carries exactly one kind.
func (g *Gateway) writeError(
	ctx *fasthttp.RequestCtx,
	route, provider, reqID string,
	start time.Time,
	err error,
) {
	e := apierr.AsError(err)

	g.log.ErrorContext(ctx, "request_failed",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("provider", provider),
		slog.String("kind", string(e.Kind)),
		slog.String("error", e.Message),
		slog.String("detail", e.Detail),
		slog.Duration("elapsed", time.Since(start)),
	)
	if g.metrics != nil {
		g.metrics.RecordErrorKind(provider, string(e.Kind))
	}
	g.auditLog(reqID, provider, "", route, string(e.Kind), 0, 0, time.Since(start), e.HTTPStatus())

	apierr.Write(ctx, e)
}

// auditLog enqueues an audit row to the async logger. Never blocks.
func (g *Gateway) auditLog(
	requestID, provider, model, route, kind string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
) {
	if g.audit == nil {
		return
	}

	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}

	g.audit.Log(logger.GenerationLog{
		ID:           id,
		Provider:     provider,
		Model:        model,
		Route:        route,
		ErrorKind:    kind,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    clampLatencyMs(latency),
		Status:       uint16(status),
		CreatedAt:    time.Now(),
	})
}

func clampLatencyMs(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

func limitResult(allowed bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case allowed:
		return "allowed"
	default:
		return "blocked"
	}
}

// budgetFor exposes the per-route deadline for health reporting and config
// sanity checks.
func (g *Gateway) budgetFor(route string) time.Duration {
	switch route {
	case "code":
		return g.codeTimeout
	case "video":
		return g.videoTimeout
	default:
		return g.chatTimeout
	}
}
