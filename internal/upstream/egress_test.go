package upstream

import (
	"bufio"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/yansir/grok-relay/internal/session"
)

func TestEgressKeyDistinguishesExits(t *testing.T) {
	direct := egressKey(nil)
	if direct != "direct" {
		t.Fatalf("direct key = %q", direct)
	}

	a := egressKey(&session.ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080, Username: "u1"})
	b := egressKey(&session.ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080, Username: "u2"})
	if a == b {
		t.Fatal("per-user proxy credentials must map to distinct egress keys")
	}
	c := egressKey(&session.ProxyConfig{Type: "http", Host: "10.0.0.1", Port: 1080, Username: "u1"})
	if a == c {
		t.Fatal("proxy scheme must be part of the egress key")
	}
}

func TestEgressPoolReusesTransport(t *testing.T) {
	p := NewEgressPool(time.Second)
	t.Cleanup(p.Close)

	rt1 := p.roundTripper(nil)
	rt2 := p.roundTripper(nil)
	if rt1 != rt2 {
		t.Fatal("same egress path must reuse one transport")
	}

	pcfg := &session.ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080}
	if p.roundTripper(pcfg) == rt1 {
		t.Fatal("proxied egress must not share the direct transport")
	}
}

func TestEgressPoolReapsIdleEntries(t *testing.T) {
	p := NewEgressPool(time.Second)
	t.Cleanup(p.Close)

	p.roundTripper(nil)
	p.mu.Lock()
	p.entries["direct"].lastUsed = time.Now().Add(-2 * egressIdleTimeout)
	p.mu.Unlock()

	// The next lookup, for another path, pays for cleanup and drops the
	// stale entry.
	p.roundTripper(&session.ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080})
	p.mu.Lock()
	_, ok := p.entries["direct"]
	p.mu.Unlock()
	if ok {
		t.Fatal("idle egress entry must be reaped on the next lookup")
	}
}

func TestConnectTunnelHandshake(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	done := make(chan string, 1)
	go func() {
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			done <- err.Error()
			return
		}
		if req.Method != http.MethodConnect || req.Host != "grok.com:443" {
			done <- "unexpected request: " + req.Method + " " + req.Host
			return
		}
		done <- req.Header.Get("Proxy-Authorization")
		server.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	}()

	pcfg := &session.ProxyConfig{Type: "http", Host: "proxy", Port: 8080, Username: "u", Password: "p"}
	conn, err := connectTunnel(client, "grok.com:443", pcfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn == nil {
		t.Fatal("tunneled connection must be returned")
	}

	auth := <-done
	if auth == "" {
		t.Fatal("proxy credentials must be forwarded")
	}
}

func TestConnectTunnelRefused(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	go func() {
		if _, err := http.ReadRequest(bufio.NewReader(server)); err != nil {
			return
		}
		server.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	}()

	pcfg := &session.ProxyConfig{Type: "http", Host: "proxy", Port: 8080}
	if _, err := connectTunnel(client, "grok.com:443", pcfg); err == nil {
		t.Fatal("non-200 CONNECT must fail")
	}
}
