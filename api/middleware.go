package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"shelfcheck/library"
)

const identityKey = "identity"

func registerMiddlewares(e *echo.Echo, log *slog.Logger) {
	e.Use(middleware.Recover())

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(accessLog(log))
}

func accessLog(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo write the response so the logged status is final.
				c.Error(err)
			}
			log.Info("http",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"req_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"ip", c.RealIP(),
			)
			return nil
		}
	}
}

// requireAuth resolves the bearer token into a library.Identity.
func (h *Handler) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := h.tokens.Parse(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			h.log.Debug("auth rejected", "err", err, "req_id", c.Response().Header().Get(echo.HeaderXRequestID))
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
		}
		c.Set(identityKey, id)
		return next(c)
	}
}

func identityFrom(c echo.Context) library.Identity {
	id, _ := c.Get(identityKey).(library.Identity)
	return id
}
