package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"forward-proxy/internal/accesslog"
	"forward-proxy/internal/client"
	"forward-proxy/internal/config"
	"forward-proxy/internal/handler"
	"forward-proxy/internal/metrics"
	"forward-proxy/internal/middleware"
	"forward-proxy/internal/proxy"
	"forward-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// stopTimeout bounds all OnStop hooks. The proxy drain itself is bounded by
// server.shutdown_timeout_seconds.
const stopTimeout = 5 * time.Minute

func main() {
	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("forward-proxy"),
		kong.Description("Minimal forwarding HTTP proxy for GET requests."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.StopTimeout(stopTimeout),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newAccessLog,
			client.NewDialer,
			service.NewRelay,
			proxy.NewServer,
			func(s *proxy.Server) handler.StatusSource { return s },
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startProxy, startAdmin),
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

// newAccessLog opens the access log at startup; failure aborts the app.
func newAccessLog(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*accesslog.Log, error) {
	l, err := accesslog.Open(cfg.AccessLog.Path, cfg.AccessLog.Append)
	if err != nil {
		return nil, err
	}
	logger.Info("access log opened", "path", cfg.AccessLog.Path, "append", cfg.AccessLog.Append)

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			logger.Info("closing access log", "records", l.Count())
			return l.Close()
		},
	})
	return l, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger.With("component", "admin")))
	e.Use(middleware.AdminMetrics(m))
	e.Use(middleware.AdminHeaders())

	if cfg.Admin.RateLimit > 0 {
		e.Use(middleware.AdminRateLimit(cfg.Admin.RateLimit))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startProxy(lc fx.Lifecycle, srv *proxy.Server, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := srv.Listen()
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(context.Background(), ln); err != nil {
					logger.Error("proxy server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy", "timeout", cfg.Server.ShutdownTimeout())
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		if cfg.Metrics.Enabled {
			logger.Warn("metrics enabled but admin server disabled; metrics will not be exposed")
		}
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
