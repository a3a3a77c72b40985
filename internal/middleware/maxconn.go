package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/semaphore"
)

// MaxInFlight returns an Echo middleware that caps concurrent in-flight
// requests. When the cap is reached new requests are rejected immediately
// with 503 rather than queued: queueing would hold client connections
// open while adding nothing but latency under overload.
// A limit of 0 disables the cap.
func MaxInFlight(limit int64) echo.MiddlewareFunc {
	if limit <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	sem := semaphore.NewWeighted(limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !sem.TryAcquire(1) {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": "server is at capacity",
				})
			}
			defer sem.Release(1)
			return next(c)
		}
	}
}
