package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// EchoZerologLogger возвращает middleware для Echo, которое логирует запросы через zerolog.
// Апгрейд websocket логируется при закрытии соединения, поэтому latency у него - время жизни сессии.
func EchoZerologLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			res := c.Response()

			if req.URL.Path == "/health" || req.URL.Path == "/metrics" {
				return next(c)
			}

			err := next(c)

			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = res.Header().Get(echo.HeaderXRequestID)
			}
			status := res.Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			var ev *zerolog.Event
			switch {
			case err != nil || status >= http.StatusInternalServerError:
				ev = log.Error().Err(err)
			case status >= http.StatusBadRequest:
				ev = log.Warn()
			default:
				ev = log.Info()
			}
			ev.Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("remote_ip", c.RealIP()).
				Str("request_id", id).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Msg("HTTP request")
			return err
		}
	}
}
