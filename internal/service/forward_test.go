package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"edge-gateway-go/internal/client"
	"edge-gateway-go/internal/config"
	"edge-gateway-go/internal/model"
	"edge-gateway-go/internal/route"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testForwarder(t *testing.T, listenPort int) *Forwarder {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Port: listenPort},
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds: 5,
			IdleTimeoutSeconds:    5,
			IdleConnections:       10,
		},
	}
	c := client.NewUpstreamClient(cfg, testLogger(), nil)
	return NewForwarder(c, cfg, testLogger())
}

// routeTo builds a proxy route pointing at an httptest server URL.
func routeTo(t *testing.T, serverURL string, stripPrefix bool, prefix string) *route.Route {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatal(err)
	}
	return &route.Route{
		Prefix:       prefix,
		Kind:         config.KindProxy,
		UpstreamAddr: u.Host,
		StripPrefix:  stripPrefix,
	}
}

func baseRequest(method, path string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:        context.Background(),
		Method:     method,
		Path:       path,
		Query:      url.Values{},
		Header:     make(http.Header),
		Body:       http.NoBody,
		Host:       "gw.example.com",
		RemoteAddr: "203.0.113.7:54321",
	}
}

func TestForward_HostOverride(t *testing.T) {
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/app/page")
	pr.Header.Set("Host", "attacker.example.org") // ignored; Host comes from pr.Host

	resp, err := f.Forward(pr, routeTo(t, upstream.URL, false, "/app"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotHost != "gw.example.com:8080" {
		t.Errorf("upstream Host = %q, want gw.example.com:8080", gotHost)
	}
}

func TestForward_HostReplacesClientPort(t *testing.T) {
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/")
	pr.Host = "gw.example.com:9443"

	resp, err := f.Forward(pr, routeTo(t, upstream.URL, false, "/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotHost != "gw.example.com:8080" {
		t.Errorf("upstream Host = %q, want gw.example.com:8080 (listen port, not client port)", gotHost)
	}
}

func TestForward_XForwardedForAccumulates(t *testing.T) {
	var gotXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/")
	pr.Header.Set("X-Forwarded-For", "198.51.100.1")

	resp, err := f.Forward(pr, routeTo(t, upstream.URL, false, "/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotXFF != "198.51.100.1, 203.0.113.7" {
		t.Errorf("X-Forwarded-For = %q, want %q", gotXFF, "198.51.100.1, 203.0.113.7")
	}
}

func TestForward_XForwardedForMultipleLines(t *testing.T) {
	var gotXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/")
	pr.Header.Add("X-Forwarded-For", "198.51.100.1")
	pr.Header.Add("X-Forwarded-For", "198.51.100.2")

	resp, err := f.Forward(pr, routeTo(t, upstream.URL, false, "/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	want := "198.51.100.1, 198.51.100.2, 203.0.113.7"
	if gotXFF != want {
		t.Errorf("X-Forwarded-For = %q, want %q", gotXFF, want)
	}
}

func TestForward_XForwardedForSetWhenAbsent(t *testing.T) {
	var gotXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/")

	resp, err := f.Forward(pr, routeTo(t, upstream.URL, false, "/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotXFF != "203.0.113.7" {
		t.Errorf("X-Forwarded-For = %q, want %q", gotXFF, "203.0.113.7")
	}
}

func TestForward_StripPrefix(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := testForwarder(t, 8080)

	pr := baseRequest(http.MethodGet, "/app/v1/data")
	resp, err := f.Forward(pr, routeTo(t, upstream.URL, true, "/app"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()
	if gotPath != "/v1/data" {
		t.Errorf("upstream path = %q, want /v1/data (prefix stripped)", gotPath)
	}

	pr = baseRequest(http.MethodGet, "/app/v1/data")
	resp, err = f.Forward(pr, routeTo(t, upstream.URL, false, "/app"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()
	if gotPath != "/app/v1/data" {
		t.Errorf("upstream path = %q, want /app/v1/data (prefix kept)", gotPath)
	}
}

func TestForward_HopByHopStripped(t *testing.T) {
	var gotHeader http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/")
	pr.Header.Set("Connection", "keep-alive, X-Droppable")
	pr.Header.Set("Keep-Alive", "timeout=5")
	pr.Header.Set("X-Droppable", "yes")
	pr.Header.Set("Upgrade", "websocket")
	pr.Header.Set("Accept", "text/html")

	resp, err := f.Forward(pr, routeTo(t, upstream.URL, false, "/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	for _, name := range []string{"Keep-Alive", "X-Droppable", "Upgrade"} {
		if gotHeader.Get(name) != "" {
			t.Errorf("header %s leaked upstream: %q", name, gotHeader.Get(name))
		}
	}
	if gotHeader.Get("Accept") != "text/html" {
		t.Errorf("Accept = %q, want passthrough", gotHeader.Get("Accept"))
	}
}

func TestForward_UpstreamDown(t *testing.T) {
	// Reserve an address, then close it so the dial is refused.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	addr := upstream.URL
	upstream.Close()

	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/")

	_, err := f.Forward(pr, routeTo(t, addr, false, "/"))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("Forward() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestForward_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr.Ctx = ctx

	_, err := f.Forward(pr, routeTo(t, upstream.URL, false, "/"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Forward() error = %v, want context.Canceled", err)
	}
}

func TestRewriteHeaders_UpgradePassthrough(t *testing.T) {
	f := testForwarder(t, 8080)
	pr := baseRequest(http.MethodGet, "/stream")
	pr.Header.Set("Connection", "Upgrade")
	pr.Header.Set("Upgrade", "websocket")
	pr.Header.Set("Sec-WebSocket-Key", "abc123")

	h := f.RewriteHeaders(pr, true)

	if h.Get("Upgrade") != "websocket" {
		t.Errorf("Upgrade = %q, want websocket", h.Get("Upgrade"))
	}
	if h.Get("Connection") != "upgrade" {
		t.Errorf("Connection = %q, want upgrade", h.Get("Connection"))
	}
	if h.Get("Sec-WebSocket-Key") != "abc123" {
		t.Errorf("Sec-WebSocket-Key = %q, want passthrough", h.Get("Sec-WebSocket-Key"))
	}
	if h.Get("Host") != "gw.example.com:8080" {
		t.Errorf("Host = %q, want gw.example.com:8080", h.Get("Host"))
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	tests := []struct {
		name       string
		connection string
		upgrade    string
		want       bool
	}{
		{"valid websocket", "Upgrade", "websocket", true},
		{"case insensitive", "upgrade", "WebSocket", true},
		{"keep-alive, upgrade", "keep-alive, Upgrade", "websocket", true},
		{"no connection header", "", "websocket", false},
		{"no upgrade header", "Upgrade", "", false},
		{"no headers", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := make(http.Header)
			if tt.connection != "" {
				h.Set("Connection", tt.connection)
			}
			if tt.upgrade != "" {
				h.Set("Upgrade", tt.upgrade)
			}
			if got := IsUpgradeRequest(h); got != tt.want {
				t.Errorf("IsUpgradeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGatewayHost(t *testing.T) {
	f := testForwarder(t, 8080)

	tests := []struct {
		host string
		want string
	}{
		{"gw.example.com", "gw.example.com:8080"},
		{"gw.example.com:9443", "gw.example.com:8080"},
		{"", "localhost:8080"},
	}

	for _, tt := range tests {
		if got := f.gatewayHost(tt.host); got != tt.want {
			t.Errorf("gatewayHost(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestClassify_WrapsTransportErrors(t *testing.T) {
	urlErr := &url.Error{Op: "Get", URL: "http://127.0.0.1:1/", Err: errors.New("connection refused")}
	if err := classify(urlErr); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("classify(url.Error) = %v, want ErrUpstreamUnavailable", err)
	}

	if err := classify(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("classify(Canceled) = %v, want context.Canceled", err)
	}

	plain := errors.New("boom")
	err := classify(plain)
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("classify(plain) = %v, want plain wrap", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("classify(plain) = %v, want original message preserved", err)
	}
}
