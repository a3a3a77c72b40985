package middleware

import (
	"github.com/labstack/echo/v4"
)

// ResponseHeaders returns an Echo middleware that injects the configured
// fixed headers on every response, including error responses. Headers are
// set before the handler runs so they are present whenever the response
// is committed. Tunneled 101 handshakes bypass the header map entirely
// and are relayed from the upstream undecorated.
func ResponseHeaders(headers map[string]string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for name, value := range headers {
				h.Set(name, value)
			}
			return next(c)
		}
	}
}
