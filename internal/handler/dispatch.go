package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-gateway-go/internal/config"
	"edge-gateway-go/internal/model"
	"edge-gateway-go/internal/route"
	"edge-gateway-go/internal/service"
	"edge-gateway-go/internal/static"
	"edge-gateway-go/internal/tunnel"
)

// DispatchHandler resolves each request against the route table and hands
// it to the static handler, the forwarder, or the upgrade tunnel.
type DispatchHandler struct {
	table     *route.Table
	forwarder *service.Forwarder
	tunnel    *tunnel.Proxy
	statics   map[string]*static.Handler // keyed by route prefix
	logger    *slog.Logger
}

// NewDispatchHandler creates a DispatchHandler. Static handlers are built
// once per static route; the table is immutable afterwards.
func NewDispatchHandler(cfg *config.Config, table *route.Table, fwd *service.Forwarder, tun *tunnel.Proxy, logger *slog.Logger) *DispatchHandler {
	statics := make(map[string]*static.Handler)
	for _, rt := range table.Routes() {
		if rt.Kind == config.KindStatic {
			statics[rt.Prefix] = static.NewHandler(rt.Root, rt.DirectoryListing, logger)
		}
	}
	return &DispatchHandler{
		table:     table,
		forwarder: fwd,
		tunnel:    tun,
		statics:   statics,
		logger:    logger.With("component", "dispatch"),
	}
}

// Handle is the catch-all entry point for all routed traffic.
func (h *DispatchHandler) Handle(c echo.Context) error {
	req := c.Request()

	rt, err := h.table.Match(req.URL.Path)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no route for path",
		})
	}

	switch rt.Kind {
	case config.KindStatic:
		return h.serveStatic(c, rt)
	case config.KindProxy:
		if rt.AllowUpgrade && service.IsUpgradeRequest(req.Header) {
			return h.serveTunnel(c, rt)
		}
		return h.serveProxy(c, rt)
	default:
		// Unreachable: kinds are validated at config load.
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "misconfigured route",
		})
	}
}

func (h *DispatchHandler) serveStatic(c echo.Context, rt *route.Route) error {
	sh := h.statics[rt.Prefix]
	rest := rt.RestPath(c.Request().URL.Path)

	if err := sh.Serve(c.Response(), c.Request(), rest); err != nil {
		return h.mapStaticError(c, err)
	}
	return nil
}

func (h *DispatchHandler) serveProxy(c echo.Context, rt *route.Route) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		Path:       req.URL.Path,
		Query:      req.URL.Query(),
		Header:     req.Header,
		Body:       req.Body,
		Host:       req.Host,
		RemoteAddr: req.RemoteAddr,
	}

	resp, err := h.forwarder.Forward(pr, rt)
	if err != nil {
		return h.mapProxyError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body chunk by chunk, flushing after every write
	// so live responses reach the client without buffering delay. Once the
	// status line is out a mid-stream failure can only truncate; we log it
	// and let the connection close signal the error.
	fw := &flushWriter{w: c.Response()}
	if _, err := io.Copy(fw, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
		return nil
	}

	return nil
}

func (h *DispatchHandler) serveTunnel(c echo.Context, rt *route.Route) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		Path:       req.URL.Path,
		Query:      req.URL.Query(),
		Header:     req.Header,
		Host:       req.Host,
		RemoteAddr: req.RemoteAddr,
	}
	header := h.forwarder.RewriteHeaders(pr, true)

	upstreamPath := req.URL.Path
	if rt.StripPrefix {
		upstreamPath = rt.RestPath(upstreamPath)
	}

	if err := h.tunnel.Serve(c.Response(), req, rt.UpstreamAddr, upstreamPath, header); err != nil {
		h.logger.Error("tunnel failed",
			"err", err,
			"path", req.URL.Path,
			"upstream", rt.UpstreamAddr,
		)
		// The tunnel writes its own wire-level 502 when the client
		// connection is still writable; after hijack Echo must not touch
		// the response again.
		if !c.Response().Committed {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "upstream connection failed",
			})
		}
	}
	return nil
}

func (h *DispatchHandler) mapStaticError(c echo.Context, err error) error {
	h.logger.Warn("static request rejected",
		"err", err,
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, static.ErrPathEscape), errors.Is(err, static.ErrForbidden):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "forbidden",
		})
	case errors.Is(err, static.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "not found",
		})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}
}

func (h *DispatchHandler) mapProxyError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		// Client went away; nobody is reading this body, but Echo wants a
		// terminal action.
		return c.NoContent(http.StatusBadGateway)
	}

	if errors.Is(err, service.ErrUpstreamUnavailable) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream unavailable",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// flushWriter flushes after every write so each upstream chunk reaches
// the client as soon as it arrives.
type flushWriter struct {
	w interface {
		io.Writer
		http.Flusher
	}
}

func (fw *flushWriter) Write(b []byte) (int, error) {
	n, err := fw.w.Write(b)
	if n > 0 {
		fw.w.Flush()
	}
	return n, err
}
