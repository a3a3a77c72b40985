package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"edge-gateway-go/internal/client"
	"edge-gateway-go/internal/config"
	"edge-gateway-go/internal/handler"
	"edge-gateway-go/internal/metrics"
	"edge-gateway-go/internal/middleware"
	"edge-gateway-go/internal/route"
	"edge-gateway-go/internal/service"
	"edge-gateway-go/internal/tunnel"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("edge-gateway"),
		kong.Description("Static-file and reverse-proxy gateway."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newRouteTable,
			newMetrics,
			newPathNormalizer,
			newEcho,
			newTunnelProxy,
			client.NewUpstreamClient,
			service.NewForwarder,
			handler.NewDispatchHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newRouteTable(cfg *config.Config) *route.Table {
	return route.NewTable(cfg.Routes)
}

func newMetrics() *metrics.Metrics {
	return metrics.New()
}

func newPathNormalizer(cfg *config.Config, table *route.Table) *metrics.PathNormalizer {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return metrics.NewPathNormalizer(table.Prefixes(), metricsPath)
}

func newTunnelProxy(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *tunnel.Proxy {
	connectTimeout := time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second
	return tunnel.NewProxy(connectTimeout, logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, n *metrics.PathNormalizer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// ReadTimeout and WriteTimeout stay 0: upgraded connections and
	// streamed responses are long-lived. Slow clients are bounded by
	// ReadHeaderTimeout and IdleTimeout instead.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = time.Duration(cfg.Server.ClientIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.ResponseHeaders(cfg.ResponseHeaders))
	e.Use(middleware.MaxInFlight(cfg.Server.MaxConnections))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, n))
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, table *route.Table, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"routes", table.Len(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
