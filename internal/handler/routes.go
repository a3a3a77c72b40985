package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Reserved gateway endpoints are registered as literal paths, which Echo
// matches ahead of the catch-all; everything else goes through the
// ordered route table.
func RegisterRoutes(e *echo.Echo, dispatch *DispatchHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	e.Any("/*", dispatch.Handle)
}
