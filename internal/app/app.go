// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra  — optional external connections (Redis, ClickHouse)
//  2. initProviders — provider adapters
//  3. initServices — metrics registry, rate limiter, audit logger
//  4. initGateway  — gateway + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/themalagasywizard/apeiron-gateway/internal/cache"
	"github.com/themalagasywizard/apeiron-gateway/internal/config"
	"github.com/themalagasywizard/apeiron-gateway/internal/logger"
	"github.com/themalagasywizard/apeiron-gateway/internal/metrics"
	"github.com/themalagasywizard/apeiron-gateway/internal/providers"
	claudeprov "github.com/themalagasywizard/apeiron-gateway/internal/providers/claude"
	geminiprov "github.com/themalagasywizard/apeiron-gateway/internal/providers/gemini"
	mistralprov "github.com/themalagasywizard/apeiron-gateway/internal/providers/mistral"
	openaiprov "github.com/themalagasywizard/apeiron-gateway/internal/providers/openai"
	openaicompatprov "github.com/themalagasywizard/apeiron-gateway/internal/providers/openaicompat"
	openrouterprov "github.com/themalagasywizard/apeiron-gateway/internal/providers/openrouter"
	videoprov "github.com/themalagasywizard/apeiron-gateway/internal/providers/video"
	"github.com/themalagasywizard/apeiron-gateway/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	auditLogger *logger.Logger
	memCache    *cache.MemoryCache

	prom *metrics.Registry

	provs map[string]providers.Provider
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.auditLogger != nil {
		if err := a.auditLogger.Close(); err != nil {
			a.log.Error("audit logger close error", slog.String("error", err.Error()))
		}
		a.auditLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// readiness endpoint. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders registers every adapter. Adapters hold no credentials —
// callers supply keys per request — so registration is unconditional; config
// only redirects base URLs.
func buildProviders(cfg *config.Config) map[string]providers.Provider {
	p := cfg.Providers

	var openaiOpts []openaiprov.Option
	if p.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(p.OpenAI.BaseURL))
	}
	var claudeOpts []claudeprov.Option
	if p.Claude.BaseURL != "" {
		claudeOpts = append(claudeOpts, claudeprov.WithBaseURL(p.Claude.BaseURL))
	}
	var geminiOpts []geminiprov.Option
	if p.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(p.Gemini.BaseURL))
	}
	var mistralOpts []mistralprov.Option
	if p.Mistral.BaseURL != "" {
		mistralOpts = append(mistralOpts, mistralprov.WithBaseURL(p.Mistral.BaseURL))
	}
	var deepseekOpts []openaicompatprov.Option
	if p.DeepSeek.BaseURL != "" {
		deepseekOpts = append(deepseekOpts, openaicompatprov.WithBaseURL(p.DeepSeek.BaseURL))
	}
	var grokOpts []openaicompatprov.Option
	if p.Grok.BaseURL != "" {
		grokOpts = append(grokOpts, openaicompatprov.WithBaseURL(p.Grok.BaseURL))
	}
	var orOpts []openrouterprov.Option
	if p.OpenRouter.BaseURL != "" {
		orOpts = append(orOpts, openrouterprov.WithBaseURL(p.OpenRouter.BaseURL))
	}
	if p.OpenRouter.Referer != "" || p.OpenRouter.Title != "" {
		orOpts = append(orOpts, openrouterprov.WithAttribution(p.OpenRouter.Referer, p.OpenRouter.Title))
	}
	var veo2Opts []videoprov.Option
	if p.Veo2.BaseURL != "" {
		veo2Opts = append(veo2Opts, videoprov.WithBaseURL(p.Veo2.BaseURL))
	}
	var runwayOpts []videoprov.Option
	if p.Runway.BaseURL != "" {
		runwayOpts = append(runwayOpts, videoprov.WithBaseURL(p.Runway.BaseURL))
	}

	return map[string]providers.Provider{
		providers.TagOpenAI:     openaiprov.New(openaiOpts...),
		providers.TagClaude:     claudeprov.New(claudeOpts...),
		providers.TagGemini:     geminiprov.New(geminiOpts...),
		providers.TagMistral:    mistralprov.New(mistralOpts...),
		providers.TagDeepSeek:   openaicompatprov.NewDeepSeek(deepseekOpts...),
		providers.TagGrok:       openaicompatprov.NewGrok(grokOpts...),
		providers.TagOpenRouter: openrouterprov.New(orOpts...),
		providers.TagVeo2:       videoprov.NewVeo2(veo2Opts...),
		providers.TagRunway:     videoprov.NewRunway(runwayOpts...),
	}
}
