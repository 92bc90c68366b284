package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/themalagasywizard/apeiron-gateway/internal/cache"
	"github.com/themalagasywizard/apeiron-gateway/internal/logger"
	"github.com/themalagasywizard/apeiron-gateway/internal/metrics"
	"github.com/themalagasywizard/apeiron-gateway/internal/proxy"
	"github.com/themalagasywizard/apeiron-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections. The gateway runs with
// zero external dependencies: Redis only upgrades the rate limiter.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders registers the full adapter set. No keys are checked here —
// credentials arrive with each request.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.cfg)

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers registered", slog.Any("providers", names))

	return nil
}

// initServices creates the metrics registry and the audit logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Audit.Sink {
	case "none":
		a.log.Info("audit log disabled")

	case "clickhouse":
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.Audit.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		al, err := logger.New(a.baseCtx, sink, a.log)
		if err != nil {
			sink.Close()
			return fmt.Errorf("audit logger: %w", err)
		}
		a.auditLogger = al
		a.log.Info("audit sink: clickhouse", slog.String("dsn", redactURL(a.cfg.Audit.ClickHouseDSN)))

	default: // "slog"
		al, err := logger.New(a.baseCtx, logger.NewSlogSink(a.log), a.log)
		if err != nil {
			return fmt.Errorf("audit logger: %w", err)
		}
		a.auditLogger = al
		a.log.Info("audit sink: slog")
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(ctx context.Context) error {
	gw := proxy.NewGatewayWithOptions(a.provs, proxy.GatewayOptions{
		Logger:       a.log,
		Metrics:      a.prom,
		ChatTimeout:  a.cfg.Timeouts.Chat,
		CodeTimeout:  a.cfg.Timeouts.Code,
		VideoTimeout: a.cfg.Timeouts.Video,
		Version:      a.version,
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — Redis sliding window when available, in-process fixed
	// window otherwise.
	if a.cfg.RateLimit.RPMLimit > 0 {
		if a.rdb != nil {
			gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
			gw.SetReadyProbe(redisPinger(a.baseCtx, a.rdb))
			a.log.Info("rate limiting enabled",
				slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
				slog.String("backend", "redis"),
			)
		} else {
			a.memCache = cache.NewMemoryCache(ctx, cache.DefaultMaxEntries)
			gw.SetRateLimiter(ratelimit.NewLocalLimiter(a.memCache, a.cfg.RateLimit.RPMLimit))
			a.log.Info("rate limiting enabled",
				slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
				slog.String("backend", "memory"),
			)
		}
	}

	if a.auditLogger != nil {
		gw.SetAuditLogger(a.auditLogger)
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{}
	if a.cfg.MetricsEnabled {
		a.mgmt.Metrics = a.prom.Handler()
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
