package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/yansir/grok-relay/internal/session"
)

// Anti-bot traversal needs more than the right headers: the TLS ClientHello
// must look like a browser too, and a session pinned to an egress proxy must
// keep leaving through that exit or its cookie gets flagged for IP hopping.
// EgressPool ties both together: one fingerprinted round-tripper per egress
// path, shared by every lease that uses that path.
type EgressPool struct {
	mu      sync.Mutex
	entries map[string]*egressEntry
	timeout time.Duration
}

type egressEntry struct {
	rt       http.RoundTripper
	lastUsed time.Time
}

// egressIdleTimeout bounds how long an unused egress path keeps its
// connections; stale entries are reaped on the next lookup.
const egressIdleTimeout = 5 * time.Minute

func NewEgressPool(attemptTimeout time.Duration) *EgressPool {
	return &EgressPool{
		entries: make(map[string]*egressEntry),
		timeout: attemptTimeout,
	}
}

// GetClient returns an http.Client bound to the lease's egress path with
// the per-attempt timeout applied.
func (p *EgressPool) GetClient(lease *session.Lease) *http.Client {
	return &http.Client{
		Transport: p.roundTripper(lease.Proxy),
		Timeout:   p.timeout,
	}
}

// Close drops every cached transport and its idle connections.
func (p *EgressPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		closeIdle(e.rt)
		delete(p.entries, key)
	}
}

func (p *EgressPool) roundTripper(pcfg *session.ProxyConfig) http.RoundTripper {
	key := egressKey(pcfg)
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reap lazily instead of running a background ticker: lookups are the
	// only thing that can grow the map, so they pay for the cleanup.
	cutoff := now.Add(-egressIdleTimeout)
	for k, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			closeIdle(e.rt)
			delete(p.entries, k)
		}
	}

	if e, ok := p.entries[key]; ok {
		e.lastUsed = now
		return e.rt
	}

	rt := newEgressTransport(pcfg)
	p.entries[key] = &egressEntry{rt: rt, lastUsed: now}
	return rt
}

func egressKey(pcfg *session.ProxyConfig) string {
	if pcfg == nil {
		return "direct"
	}
	// Username distinguishes per-user exit IPs on shared proxy hosts.
	return fmt.Sprintf("%s://%s@%s", pcfg.Type, pcfg.Username, net.JoinHostPort(pcfg.Host, strconv.Itoa(pcfg.Port)))
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// newEgressTransport picks the transport shape for one egress path. Direct
// paths speak HTTP/2 over the fingerprinted handshake; proxied paths stay
// on HTTP/1.1 so the CONNECT tunnel and the inner TLS remain separable.
func newEgressTransport(pcfg *session.ProxyConfig) http.RoundTripper {
	if pcfg == nil {
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialFingerprinted(ctx, addr, nil)
			},
		}
	}
	return &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     egressIdleTimeout,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialFingerprinted(ctx, addr, pcfg)
		},
	}
}

// dialFingerprinted opens the TCP path — direct or through the session's
// egress proxy — then completes a Chrome-shaped uTLS handshake on it.
func dialFingerprinted(ctx context.Context, addr string, pcfg *session.ProxyConfig) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	raw, err := dialRaw(ctx, addr, pcfg)
	if err != nil {
		return nil, err
	}

	uconn := utls.UClient(raw, &utls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("fingerprint handshake: %w", err)
	}
	return uconn, nil
}

// dialRaw yields a plain connection to addr, routed per the proxy config:
// nil dials direct, socks5 tunnels via x/net/proxy, http/https tunnel via
// CONNECT (https wraps the proxy hop itself in TLS first).
func dialRaw(ctx context.Context, addr string, pcfg *session.ProxyConfig) (net.Conn, error) {
	d := &net.Dialer{}
	if pcfg == nil {
		return d.DialContext(ctx, "tcp", addr)
	}

	proxyAddr := net.JoinHostPort(pcfg.Host, strconv.Itoa(pcfg.Port))

	if pcfg.Type == "socks5" {
		var auth *proxy.Auth
		if pcfg.Username != "" {
			auth = &proxy.Auth{User: pcfg.Username, Password: pcfg.Password}
		}
		sd, err := proxy.SOCKS5("tcp", proxyAddr, auth, d)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		if cd, ok := sd.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return sd.Dial("tcp", addr)
	}

	raw, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy dial: %w", err)
	}

	if pcfg.Type == "https" {
		tlsConn := tls.Client(raw, &tls.Config{ServerName: pcfg.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("proxy tls: %w", err)
		}
		raw = tlsConn
	}

	return connectTunnel(raw, addr, pcfg)
}

// connectTunnel issues the CONNECT handshake over an established proxy
// connection and hands back the tunneled stream.
func connectTunnel(raw net.Conn, addr string, pcfg *session.ProxyConfig) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if pcfg.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(pcfg.Username + ":" + pcfg.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if err := req.Write(raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("proxy CONNECT write: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(raw), req)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("proxy CONNECT read: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw.Close()
		return nil, fmt.Errorf("proxy CONNECT refused: %s", resp.Status)
	}
	return raw, nil
}
