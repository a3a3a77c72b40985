package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-gateway-go/internal/config"
	"edge-gateway-go/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	table   *route.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, table *route.Table, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, table: table, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	upstreams := make([]string, 0)
	for _, rt := range h.table.Routes() {
		if rt.Kind == config.KindProxy {
			upstreams = append(upstreams, rt.UpstreamAddr)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   string(h.version),
		"routes":    h.table.Len(),
		"upstreams": upstreams,
	})
}
