package marketplace

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
)

// newTransport builds an HTTP transport that presents a modern Chrome
// TLS fingerprint. When proxy is non-nil the TCP leg goes through an
// explicit CONNECT tunnel so the fingerprint survives the proxy hop
// (Transport's own proxy support would bypass our TLS dialer).
func newTransport(proxy *domain.Proxy) *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	return &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			raw, err := dialRaw(ctx, dialer, proxy, addr)
			if err != nil {
				return nil, err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				raw.Close()
				return nil, err
			}
			cfg := &utls.Config{
				ServerName: host,
				// The transport speaks HTTP/1.1; do not let ALPN
				// negotiate h2 underneath it.
				NextProtos: []string{"http/1.1"},
			}
			uconn := utls.UClient(raw, cfg, utls.HelloChrome_Auto)
			if err := uconn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
			}
			return uconn, nil
		},
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ForceAttemptHTTP2:     false,
	}
}

// dialRaw opens the TCP connection to addr, tunneling through the proxy
// via CONNECT when one is leased.
func dialRaw(ctx context.Context, dialer *net.Dialer, proxy *domain.Proxy, addr string) (net.Conn, error) {
	if proxy == nil {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(proxy.Host, fmt.Sprintf("%d", proxy.Port)))
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxy.Host, err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		req += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT write: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect, URL: &url.URL{}})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT read: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT refused: %s", resp.Status)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}
