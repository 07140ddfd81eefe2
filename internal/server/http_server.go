// Package server exposes the broker's operational HTTP endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pilab-dev/shadow-vault/broker"
	"github.com/pilab-dev/shadow-vault/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker reports the broker's health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) broker.HealthStatus
}

// NewRouter builds the echo router serving /healthz and /metrics.
func NewRouter(appLogger log.Logger, checker HealthChecker, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger(appLogger))

	e.GET("/healthz", func(c echo.Context) error {
		status := checker.HealthCheck(c.Request().Context())
		code := http.StatusOK
		if status.Status != broker.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})))

	return e
}

// NewHTTPServer wraps the router in an http.Server listening on addr.
func NewHTTPServer(addr string, appLogger log.Logger, checker HealthChecker, gatherer prometheus.Gatherer) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(appLogger, checker, gatherer),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func requestLogger(appLogger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := map[string]interface{}{
				"method":  req.Method,
				"path":    req.URL.Path,
				"status":  c.Response().Status,
				"latency": time.Since(start).String(),
				"ip":      c.RealIP(),
			}
			if err != nil {
				appLogger.Error(req.Context(), "HTTP request failed", err, fields)
				return nil
			}
			appLogger.Debug(req.Context(), "HTTP request", fields)
			return nil
		}
	}
}
