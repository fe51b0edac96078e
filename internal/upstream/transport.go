package upstream

import (
	"net/http"
	"strings"
	"sync"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/util"
)

// fingerprintRoundTripper implements http.RoundTripper over utls with a
// Firefox ClientHello, so edge TLS fingerprinting on the upstream sees a
// browser handshake instead of the Go default.
type fingerprintRoundTripper struct {
	// mu guards connections and pending.
	mu sync.Mutex
	// connections caches one HTTP/2 client connection per host.
	connections map[string]*http2.ClientConn
	// pending marks hosts with a dial in progress so concurrent requests
	// wait instead of racing to open duplicate connections.
	pending map[string]*sync.Cond
	// dialer opens the raw TCP connection, through a proxy when configured.
	dialer proxy.Dialer
}

func newFingerprintRoundTripper(proxyURL string) *fingerprintRoundTripper {
	return &fingerprintRoundTripper{
		connections: make(map[string]*http2.ClientConn),
		pending:     make(map[string]*sync.Cond),
		dialer:      util.ProxyDialer(proxyURL),
	}
}

// connFor returns a usable HTTP/2 connection to host, dialing one if needed.
// Only one goroutine dials per host; the rest wait on the host's condition
// variable and re-check the cache when woken.
func (t *fingerprintRoundTripper) connFor(host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()

	if conn, ok := t.connections[host]; ok && conn.CanTakeNewRequest() {
		t.mu.Unlock()
		return conn, nil
	}

	if cond, ok := t.pending[host]; ok {
		cond.Wait()
		if conn, ok := t.connections[host]; ok && conn.CanTakeNewRequest() {
			t.mu.Unlock()
			return conn, nil
		}
		// The dial we waited on failed or the connection is already
		// saturated; fall through and dial our own.
	}

	cond := sync.NewCond(&t.mu)
	t.pending[host] = cond
	t.mu.Unlock()

	conn, err := t.dial(host, addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, host)
	cond.Broadcast()

	if err != nil {
		return nil, err
	}
	t.connections[host] = conn
	return conn, nil
}

// dial opens a TCP connection, completes a utls handshake presenting the
// Firefox fingerprint, and wraps it in an HTTP/2 client connection.
func (t *fingerprintRoundTripper) dial(host, addr string) (*http2.ClientConn, error) {
	conn, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloFirefox_Auto)
	if err = tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	tr := &http2.Transport{}
	h2Conn, err := tr.NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return h2Conn, nil
}

// RoundTrip implements http.RoundTripper.
func (t *fingerprintRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	addr := req.URL.Host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}
	hostname := req.URL.Hostname()

	conn, err := t.connFor(hostname, addr)
	if err != nil {
		return nil, err
	}

	resp, err := conn.RoundTrip(req)
	if err != nil {
		// Drop the broken connection so the next request redials.
		t.mu.Lock()
		if cached, ok := t.connections[hostname]; ok && cached == conn {
			delete(t.connections, hostname)
		}
		t.mu.Unlock()
		return nil, err
	}
	return resp, nil
}

// NewHTTPClient builds the client used for upstream traffic. With
// tls-fingerprint enabled it speaks utls HTTP/2 with a browser ClientHello;
// otherwise it is a stock client with optional proxy routing. Timeouts come
// from the per-attempt request context, never from the client.
func NewHTTPClient(cfg *config.Config) *http.Client {
	if cfg.TLSFingerprint {
		return &http.Client{Transport: newFingerprintRoundTripper(cfg.ProxyURL)}
	}
	return util.SetProxy(cfg.ProxyURL, &http.Client{})
}
