// Package tunnel turns an upgrade request into a transparent byte pipe
// between client and upstream via HTTP hijack.
package tunnel

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"edge-gateway-go/internal/metrics"
)

const drainDeadline = 1 * time.Second

// Proxy pipes upgraded connections. It is payload-agnostic: after the
// handshake is relayed, bytes flow in both directions untouched until
// either side closes.
type Proxy struct {
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewProxy creates a tunnel Proxy. The metrics parameter is optional.
func NewProxy(connectTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Proxy {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Proxy{
		connectTimeout: connectTimeout,
		logger:         logger.With("component", "tunnel"),
		metrics:        m,
	}
}

// Serve hijacks the client connection, replays the upgrade request to the
// upstream with the given rewritten headers, relays the upstream's answer
// (101 or a rejection), and then pipes bytes both ways. It owns both
// connections and closes them before returning.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, upstreamAddr, upstreamPath string, header http.Header) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return fmt.Errorf("response writer does not support hijacking")
	}

	upstreamConn, err := net.DialTimeout("tcp", upstreamAddr, p.connectTimeout)
	if err != nil {
		return fmt.Errorf("dial upstream %s: %w", upstreamAddr, err)
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		_ = upstreamConn.Close()
		return fmt.Errorf("hijack client connection: %w", err)
	}
	defer func() { _ = clientConn.Close() }()
	defer func() { _ = upstreamConn.Close() }()

	if err := writeUpgradeRequest(upstreamConn, r, upstreamPath, header); err != nil {
		writeBadGateway(clientConn)
		return fmt.Errorf("replay upgrade request: %w", err)
	}

	// Relay the upstream's handshake answer verbatim. A non-101 rejection
	// reaches the client the same way; the pipe below just drains the rest.
	buf := make([]byte, 8192)
	n, err := upstreamConn.Read(buf)
	if err != nil {
		writeBadGateway(clientConn)
		return fmt.Errorf("read upstream handshake: %w", err)
	}
	if _, err := clientConn.Write(buf[:n]); err != nil {
		return fmt.Errorf("relay handshake to client: %w", err)
	}

	if p.metrics != nil {
		p.metrics.TunnelsActive.Inc()
		defer p.metrics.TunnelsActive.Dec()
	}

	p.logger.Debug("tunnel established",
		"upstream", upstreamAddr,
		"path", upstreamPath,
	)

	p.pipe(clientConn, clientBuf.Reader, upstreamConn)
	return nil
}

// pipe copies bytes in both directions until either side closes, then
// gives the other direction a short drain deadline.
func (p *Proxy) pipe(clientConn net.Conn, clientRead io.Reader, upstreamConn net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		// clientRead may hold bytes the hijacked bufio reader already consumed.
		n, _ := io.Copy(upstreamConn, clientRead)
		p.countBytes("client_to_upstream", n)
		done <- struct{}{}
	}()

	go func() {
		n, _ := io.Copy(clientConn, upstreamConn)
		p.countBytes("upstream_to_client", n)
		done <- struct{}{}
	}()

	<-done
	_ = clientConn.SetDeadline(time.Now().Add(drainDeadline))
	_ = upstreamConn.SetDeadline(time.Now().Add(drainDeadline))
	<-done
}

func (p *Proxy) countBytes(direction string, n int64) {
	if p.metrics != nil && n > 0 {
		p.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// writeUpgradeRequest serializes the request line and rewritten headers
// to the upstream connection.
func writeUpgradeRequest(conn net.Conn, r *http.Request, path string, header http.Header) error {
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	if _, err := fmt.Fprintf(conn, "%s %s HTTP/1.1\r\n", r.Method, path); err != nil {
		return err
	}
	if host := header.Get("Host"); host != "" {
		if _, err := fmt.Fprintf(conn, "Host: %s\r\n", host); err != nil {
			return err
		}
	}
	for key, values := range header {
		if key == "Host" {
			continue
		}
		for _, v := range values {
			if _, err := fmt.Fprintf(conn, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(conn, "\r\n")
	return err
}

func writeBadGateway(conn net.Conn) {
	_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
}
