// Package route implements the ordered first-match-wins route table.
package route

import (
	"errors"
	"strings"

	"edge-gateway-go/internal/config"
)

// ErrNoRoute is returned when no configured prefix matches a request path.
var ErrNoRoute = errors.New("no route matches path")

// Route is one compiled routing rule.
type Route struct {
	Prefix string
	Kind   string

	// Static routes.
	Root             string
	DirectoryListing bool

	// Proxy routes.
	UpstreamHost string
	UpstreamPort int
	UpstreamAddr string
	AllowUpgrade bool
	StripPrefix  bool
}

// Table holds routes in declaration order. It is built once at startup and
// never mutated afterwards, so concurrent Match calls need no locking.
type Table struct {
	routes []Route
}

// NewTable compiles the configured routes, preserving declaration order.
// Trailing slashes on prefixes are normalized away so that "/app/" and
// "/app" declare the same rule; the bare "/" prefix stays as-is.
func NewTable(cfgs []config.RouteConfig) *Table {
	routes := make([]Route, 0, len(cfgs))
	for _, rc := range cfgs {
		prefix := rc.Prefix
		if prefix != "/" {
			prefix = strings.TrimRight(prefix, "/")
		}
		routes = append(routes, Route{
			Prefix:           prefix,
			Kind:             rc.Kind,
			Root:             rc.Root,
			DirectoryListing: rc.DirectoryListing,
			UpstreamHost:     rc.UpstreamHost,
			UpstreamPort:     rc.UpstreamPort,
			UpstreamAddr:     rc.UpstreamAddr(),
			AllowUpgrade:     rc.AllowUpgrade,
			StripPrefix:      rc.StripPrefix,
		})
	}
	return &Table{routes: routes}
}

// Match scans routes in declaration order and returns the first whose
// prefix matches the path on a segment boundary. "/api" matches "/api"
// and "/api/x" but never "/apix".
func (t *Table) Match(path string) (*Route, error) {
	for i := range t.routes {
		if matchPrefix(path, t.routes[i].Prefix) {
			return &t.routes[i], nil
		}
	}
	return nil, ErrNoRoute
}

// Len returns the number of configured routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Routes returns the routes in declaration order. The returned slice is
// shared; callers must not modify it.
func (t *Table) Routes() []Route {
	return t.routes
}

// Prefixes returns all route prefixes in declaration order.
func (t *Table) Prefixes() []string {
	out := make([]string, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.Prefix
	}
	return out
}

// matchPrefix reports whether path falls under prefix on segment boundaries.
func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	// Exact match, or the next byte starts a new segment.
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// RestPath returns the request path with the route prefix removed,
// normalized to start with "/". Used when a route strips its prefix.
func (r *Route) RestPath(path string) string {
	if r.Prefix == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, r.Prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}
