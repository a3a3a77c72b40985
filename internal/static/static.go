// Package static serves files from a route's root directory.
//
// All access is read-only. Paths are resolved strictly within the root:
// anything that would escape it is rejected before touching the filesystem.
package static

import (
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Sentinel errors mapped to HTTP statuses at the handler boundary.
var (
	ErrPathEscape = errors.New("path escapes root")
	ErrNotFound   = errors.New("file not found")
	ErrForbidden  = errors.New("access forbidden")
)

// Handler serves files under a fixed root directory.
type Handler struct {
	root    string
	listing bool
	logger  *slog.Logger
}

// NewHandler creates a Handler for the given root. When listing is true,
// directory requests render an HTML index instead of 403.
func NewHandler(root string, listing bool, logger *slog.Logger) *Handler {
	return &Handler{
		root:    filepath.Clean(root),
		listing: listing,
		logger:  logger.With("component", "static", "root", root),
	}
}

// Serve resolves reqPath under the root and writes the file (or listing)
// to w. Returned errors are the package sentinels; the caller maps them
// to HTTP responses.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, reqPath string) error {
	full, err := h.resolve(reqPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(full)
	if err != nil {
		return statError(err)
	}

	if info.IsDir() {
		if !h.listing {
			return fmt.Errorf("%w: directory listing disabled", ErrForbidden)
		}
		return h.serveListing(w, r, full, reqPath)
	}

	f, err := os.Open(full)
	if err != nil {
		return statError(err)
	}
	defer func() { _ = f.Close() }()

	// ServeContent handles Content-Type detection, Content-Length,
	// range requests and If-Modified-Since.
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return nil
}

// resolve maps a request path to an absolute path under the root,
// rejecting any traversal attempt. Dot-dot segments are rejected before
// cleaning: path.Clean on a rooted path silently swallows leading "..",
// which would turn an escape attempt into a lookup of the wrong file.
func (h *Handler) resolve(reqPath string) (string, error) {
	if containsDotDot(reqPath) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, reqPath)
	}

	cleaned := path.Clean("/" + reqPath)
	full := filepath.Join(h.root, filepath.FromSlash(cleaned))

	// Defense against platform path quirks that survive cleaning.
	if full != h.root && !strings.HasPrefix(full, h.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, reqPath)
	}
	return full, nil
}

// containsDotDot reports whether any slash- or backslash-delimited
// segment of p is "..".
func containsDotDot(p string) bool {
	if !strings.Contains(p, "..") {
		return false
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// serveListing writes an HTML index of the directory entries.
func (h *Handler) serveListing(w http.ResponseWriter, r *http.Request, dir, reqPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return statError(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	displayPath := path.Clean("/" + reqPath)
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><title>Index of %s</title></head><body>\n", html.EscapeString(displayPath))
	fmt.Fprintf(&b, "<h1>Index of %s</h1>\n<ul>\n", html.EscapeString(displayPath))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		escaped := html.EscapeString(name)
		fmt.Fprintf(&b, "<li><a href=%q>%s</a></li>\n", escaped, escaped)
	}
	b.WriteString("</ul>\n</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(b.String())); err != nil {
		h.logger.Debug("writing directory listing", "err", err, "path", r.URL.Path)
	}
	return nil
}

// statError maps filesystem errors to the package sentinels without
// leaking the underlying path details to the client.
func statError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	default:
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
}
