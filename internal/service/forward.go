// Package service implements the forwarding policy for proxy routes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"edge-gateway-go/internal/client"
	"edge-gateway-go/internal/config"
	"edge-gateway-go/internal/model"
	"edge-gateway-go/internal/route"
)

// ErrUpstreamUnavailable is returned when the upstream cannot be reached
// or resets the connection before answering. Requests are never retried:
// a retry could duplicate a non-idempotent request.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// hopByHopHeaders must not travel end-to-end through a proxy (RFC 9110 §7.6.1).
// Upgrade is handled separately: it is reinstated for tunnel handshakes.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder builds and sends upstream requests according to the gateway's
// fixed header rewrite policy.
type Forwarder struct {
	client     *client.UpstreamClient
	logger     *slog.Logger
	listenPort int
}

// NewForwarder creates a Forwarder.
func NewForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:     c,
		logger:     logger.With("component", "forwarder"),
		listenPort: cfg.Server.Port,
	}
}

// Forward sends a ProxyRequest to the route's upstream and returns the
// response. The caller is responsible for closing the response body.
func (f *Forwarder) Forward(pr *model.ProxyRequest, rt *route.Route) (*model.ProxyResponse, error) {
	upstreamURL := f.buildUpstreamURL(pr, rt)
	header := f.RewriteHeaders(pr, false)

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream", rt.UpstreamAddr,
	)

	resp, err := f.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		return nil, classify(err)
	}

	stripHopByHop(resp.Header)
	return resp, nil
}

// buildUpstreamURL maps the client path onto the upstream origin,
// stripping the route prefix when configured.
func (f *Forwarder) buildUpstreamURL(pr *model.ProxyRequest, rt *route.Route) string {
	path := pr.Path
	if rt.StripPrefix {
		path = rt.RestPath(path)
	}
	u := url.URL{
		Scheme:   "http",
		Host:     rt.UpstreamAddr,
		Path:     path,
		RawQuery: pr.Query.Encode(),
	}
	return u.String()
}

// RewriteHeaders applies the gateway's fixed outbound header policy:
//
//   - X-Forwarded-For: the client IP is appended comma-joined to any
//     value the request arrived with.
//   - Host: overridden to the host the client used to address the
//     gateway, with the gateway's listen port. A port supplied by the
//     client is replaced, never forwarded.
//   - Hop-by-hop headers are stripped. When upgrade is set, Upgrade is
//     passed through verbatim and Connection is pinned to "upgrade".
//
// Everything else passes through unchanged.
func (f *Forwarder) RewriteHeaders(pr *model.ProxyRequest, upgrade bool) http.Header {
	dst := make(http.Header, len(pr.Header))
	for key, vals := range pr.Header {
		dst[key] = append([]string(nil), vals...)
	}

	upgradeToken := dst.Get("Upgrade")
	stripHopByHop(dst)

	if ip := clientIP(pr.RemoteAddr); ip != "" {
		// Fold repeated header lines into one list before appending.
		if prior := dst.Values("X-Forwarded-For"); len(prior) > 0 {
			dst.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+ip)
		} else {
			dst.Set("X-Forwarded-For", ip)
		}
	}

	dst.Set("Host", f.gatewayHost(pr.Host))

	if upgrade && upgradeToken != "" {
		dst.Set("Upgrade", upgradeToken)
		dst.Set("Connection", "upgrade")
	}

	return dst
}

// gatewayHost normalizes the client-supplied Host to the gateway's own
// host:port. Any port the client put in the Host header is discarded;
// the upstream always sees the port the gateway actually listens on.
func (f *Forwarder) gatewayHost(host string) string {
	if host == "" {
		return fmt.Sprintf("localhost:%d", f.listenPort)
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return fmt.Sprintf("%s:%d", host, f.listenPort)
}

// IsUpgradeRequest reports whether the request asks for a protocol upgrade.
func IsUpgradeRequest(header http.Header) bool {
	connection := strings.ToLower(header.Get("Connection"))
	return strings.Contains(connection, "upgrade") && header.Get("Upgrade") != ""
}

func stripHopByHop(h http.Header) {
	// Headers named by the Connection header are hop-by-hop too.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// classify folds transport-level failures into ErrUpstreamUnavailable
// while keeping context errors distinguishable for status mapping.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, context.DeadlineExceeded)
		}
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("forward to upstream: %w", err)
}
