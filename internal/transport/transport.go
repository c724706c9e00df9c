// Package transport builds the upstream HTTP clients. Direct
// connections speak HTTP/2 over a utls Chrome handshake; proxied
// connections tunnel through SOCKS5 or HTTP CONNECT before the same
// handshake. Clients are pooled per proxy descriptor so accounts
// sharing an egress share connections.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/yansir/cc-relay/internal/config"
)

const (
	dialTimeout           = 5 * time.Second
	tlsHandshakeTimeout   = 5 * time.Second
	responseHeaderTimeout = 30 * time.Second
	streamReadIdleTimeout = 60 * time.Second
)

type poolEntry struct {
	client   *http.Client
	lastUsed time.Time
}

// Manager pools upstream HTTP clients keyed by proxy descriptor.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*poolEntry)}
}

// ClientFor returns the pooled client for a proxy descriptor, building
// it on first use. A nil descriptor means a direct connection.
//
// No overall client timeout is set: streamed responses run for
// minutes. Stalls are caught per phase instead (dial, handshake,
// response headers, stream read-idle).
func (m *Manager) ClientFor(p *config.ProxyConfig) (*http.Client, error) {
	key := p.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.client, nil
	}

	client := &http.Client{Transport: buildRoundTripper(p)}
	m.entries[key] = &poolEntry{client: client, lastUsed: time.Now()}
	return client, nil
}

// RunCleanup drops clients idle for five minutes. Blocks until ctx is
// canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			entry.client.CloseIdleConnections()
			delete(m.entries, key)
		}
	}
}

// Close closes idle connections on every pooled client.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		entry.client.CloseIdleConnections()
		delete(m.entries, key)
	}
}

func buildRoundTripper(p *config.ProxyConfig) http.RoundTripper {
	if p != nil {
		return &http.Transport{
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       5 * time.Minute,
			ResponseHeaderTimeout: responseHeaderTimeout,
			DialTLSContext:        proxyDialer(p),
		}
	}
	// Direct connections use http2.Transport so the utls conn does not
	// hit net/http's *tls.Conn type assertion. http2.Transport has no
	// ResponseHeaderTimeout field, so the header phase is enforced by
	// the wrapper.
	return &headerTimeoutTransport{
		timeout: responseHeaderTimeout,
		rt: &http2.Transport{
			ReadIdleTimeout: streamReadIdleTimeout,
			PingTimeout:     15 * time.Second,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialUTLS(ctx, network, addr)
			},
		},
	}
}

// headerTimeoutTransport cancels a request whose response headers have
// not arrived within the timeout. Once headers are in, the timer stops
// and the cancel is held open until the body is closed, so streams run
// as long as they like.
type headerTimeoutTransport struct {
	rt      http.RoundTripper
	timeout time.Duration
}

func (t *headerTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(t.timeout, cancel)
	resp, err := t.rt.RoundTrip(req.WithContext(ctx))
	timer.Stop()
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

// --- TLS (utls Chrome fingerprint) ---

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	return uTLSHandshake(ctx, rawConn, host)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	hsCtx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// --- Proxy (SOCKS5 + HTTP CONNECT) ---

func proxyDialer(p *config.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	switch p.Type {
	case "socks5":
		return socks5Dialer(p)
	default:
		return httpConnectDialer(p)
	}
}

func socks5Dialer(p *config.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}

		forward := &net.Dialer{Timeout: dialTimeout}
		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, forward)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}

		var rawConn net.Conn
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			rawConn, err = cd.DialContext(ctx, network, addr)
		} else {
			rawConn, err = dialer.Dial(network, addr)
		}
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return uTLSHandshake(ctx, rawConn, host)
	}
}

func httpConnectDialer(p *config.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		dialer := &net.Dialer{Timeout: dialTimeout}
		rawConn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if p.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return uTLSHandshake(ctx, rawConn, host)
	}
}
