package transport

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/yansir/cc-relay/internal/config"
)

func TestClientPooledPerProxyDescriptor(t *testing.T) {
	m := NewManager()

	direct1, err := m.ClientFor(nil)
	if err != nil {
		t.Fatalf("ClientFor(nil): %v", err)
	}
	direct2, _ := m.ClientFor(nil)
	if direct1 != direct2 {
		t.Error("direct clients should be shared")
	}

	proxied, err := m.ClientFor(&config.ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080})
	if err != nil {
		t.Fatalf("ClientFor(proxy): %v", err)
	}
	if proxied == direct1 {
		t.Error("proxied client must not share the direct client")
	}

	same, _ := m.ClientFor(&config.ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080})
	if same != proxied {
		t.Error("identical proxy descriptors should share a client")
	}

	other, _ := m.ClientFor(&config.ProxyConfig{Type: "socks5", Host: "10.0.0.2", Port: 1080})
	if other == proxied {
		t.Error("distinct proxy hosts must get distinct clients")
	}
}

func TestCleanupDropsIdleClients(t *testing.T) {
	m := NewManager()
	m.ClientFor(nil)
	m.ClientFor(&config.ProxyConfig{Type: "http", Host: "p", Port: 8080})

	m.cleanup(0)

	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("entries after cleanup = %d, want 0", n)
	}
}

func TestNoOverallClientTimeout(t *testing.T) {
	m := NewManager()
	c, _ := m.ClientFor(nil)
	if c.Timeout != 0 {
		t.Errorf("client timeout = %v, want none for streaming", c.Timeout)
	}
}

func TestDirectClientEnforcesHeaderTimeout(t *testing.T) {
	m := NewManager()
	c, _ := m.ClientFor(nil)
	if _, ok := c.Transport.(*headerTimeoutTransport); !ok {
		t.Fatalf("direct transport = %T, want header timeout wrapper", c.Transport)
	}
}

// rtFunc adapts a function to http.RoundTripper.
type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestHeaderTimeoutCancelsStalledRequest(t *testing.T) {
	stalled := rtFunc(func(req *http.Request) (*http.Response, error) {
		// Headers never arrive; block until the wrapper gives up.
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	tr := &headerTimeoutTransport{rt: stalled, timeout: 20 * time.Millisecond}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)

	start := time.Now()
	_, err := tr.RoundTrip(req)
	if err == nil {
		t.Fatal("stalled request should error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v, timeout not enforced", elapsed)
	}
}

func TestHeaderTimeoutLeavesStreamingBodyAlone(t *testing.T) {
	ok := rtFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("slow body")),
		}, nil
	})

	tr := &headerTimeoutTransport{rt: ok, timeout: 10 * time.Millisecond}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)

	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	// Read well past the header timeout: only the header phase is
	// bounded, the body phase is not.
	time.Sleep(30 * time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	if err != nil || string(body) != "slow body" {
		t.Errorf("body = %q, %v", body, err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
