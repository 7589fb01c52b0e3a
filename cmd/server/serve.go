package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"automation-hub/backend/internal/api"
	"automation-hub/backend/internal/auth"
	"automation-hub/backend/internal/mcp"
	"automation-hub/backend/internal/tls"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var (
		migrate     bool
		noScheduler bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the admin API, run the scheduler and notifier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, flags.memory)
			if err != nil {
				return err
			}
			defer a.close()

			if migrate || flags.memory {
				if err := a.migrate(ctx); err != nil {
					return err
				}
			}
			defs, err := a.activations.Bootstrap(ctx)
			if err != nil {
				return err
			}
			logger.Info("pipelines registered", "count", len(defs))

			authz, err := auth.New(ctx, cfg, a.store, logger)
			if err != nil {
				return err
			}
			if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
				logger.Warn("swagger client id matches the backend client id; PKCE login from the docs page will fail")
			}

			e := newEcho(a, authz)

			return serve(ctx, a, e, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply schema migrations before serving")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the sweep and notify loops in this process")
	return cmd
}

// serve runs the HTTP server and, when loops is set, the sweep and notify
// loops. The loops stop with the server, whichever way it ends.
func serve(ctx context.Context, a *app, e *echo.Echo, loops bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if loops {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.sweeper.Run(ctx, a.cfg.Scheduler.Interval)
		}()
		go func() {
			defer wg.Done()
			a.sink.Run(ctx, a.cfg.Notifier.Interval)
		}()
	}

	err := listen(ctx, a, e)
	cancel()
	wg.Wait()
	return err
}

func newEcho(a *app, authz *auth.Auth) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler

	e.Use(otelecho.Middleware("automation-hub"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Path(), "/health")
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds())
			return nil
		},
	}))
	e.Use(middleware.Recover())

	api.NewHandler(a.store, version).Register(e)
	api.NewWebhooks(a.dispatcher, a.logger).Register(e)

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(a.activations))

	mcpServer := mcp.NewServer(a.activations, a.dispatcher, a.sweeper, a.sink)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers), echo.WrapMiddleware(authz.RequireAuth))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers), echo.WrapMiddleware(authz.RequireAuth))

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(a.cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(a.cfg.Auth.OktaDomain, a.cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))
	return e
}

// listen serves until ctx is cancelled, then shuts down gracefully.
func listen(ctx context.Context, a *app, e *echo.Echo) error {
	cfg := a.cfg
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		created, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			serverErrors <- err
			return
		}
		if created {
			a.logger.Warn("generated self-signed certificate", "cert_file", cfg.TLS.CertFile)
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			return server.Close()
		}
		a.logger.Info("server stopped gracefully")
		return nil
	}
}
