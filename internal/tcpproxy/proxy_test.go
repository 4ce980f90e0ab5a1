package tcpproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"agentbox/internal/config"
	"agentbox/internal/metrics"
)

// startEcho starts a TCP server that echoes everything it reads and
// half-closes when the client does.
func startEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func startProxy(t *testing.T, cfg Config) *Proxy {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestProxy_ForwardsBytes(t *testing.T) {
	echo := startEcho(t)
	m := metrics.New()
	p := startProxy(t, Config{TargetAddr: echo.Addr().String(), Metrics: m})

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	payload := []byte("GET /json/version HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n\x00\xff binary")
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	_ = conn.(*net.TCPConn).CloseWrite()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}

	_ = p.Stop()
	if n := testutil.ToFloat64(m.ProxyConnectionsTotal); n != 1 {
		t.Errorf("connections total: got %v, want 1", n)
	}
	if n := testutil.ToFloat64(m.ProxyBytes.WithLabelValues(metrics.Upstream)); n != float64(len(payload)) {
		t.Errorf("upstream bytes: got %v, want %d", n, len(payload))
	}
}

func TestProxy_RejectsOutsideRange(t *testing.T) {
	echo := startEcho(t)
	m := metrics.New()
	p := startProxy(t, Config{
		TargetAddr: echo.Addr().String(),
		AllowCIDR:  "10.0.0.0/8",
		Metrics:    m,
	})

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	_, _ = conn.Write([]byte("hello"))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err == nil {
		t.Fatalf("expected closed connection, read %q", buf[:n])
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("connection was not closed by the proxy")
	}

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.ProxyConnectionsDenied) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := testutil.ToFloat64(m.ProxyConnectionsDenied); n != 1 {
		t.Errorf("denied: got %v, want 1", n)
	}
}

func TestProxy_AdmitsInsideRange(t *testing.T) {
	echo := startEcho(t)
	p := startProxy(t, Config{TargetAddr: echo.Addr().String(), AllowCIDR: "127.0.0.0/8"})

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q, want ping", buf)
	}
}

func TestProxy_TargetDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	_ = ln.Close()

	p := startProxy(t, Config{TargetAddr: target, DialTimeout: time.Second})

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the proxy to close the connection")
	}
}

func TestProxy_ServeStopsOnCancel(t *testing.T) {
	echo := startEcho(t)
	addr := freeAddr(t)
	p, err := New(Config{ListenAddr: addr, TargetAddr: echo.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	// Hold a connection open across shutdown.
	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err = net.Dial("tcp", addr)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, make([]byte, 1)); err != nil {
		t.Fatalf("echo through proxy failed: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{ListenAddr: ":0"}); err == nil {
		t.Error("expected error without target")
	}
	_, err := New(Config{ListenAddr: ":0", TargetAddr: "127.0.0.1:1", AllowCIDR: "10.0.0.0/40"})
	if !errors.Is(err, config.ErrInvalidCIDR) {
		t.Errorf("expected ErrInvalidCIDR, got %v", err)
	}
}

func TestProxy_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	p, err := New(Config{ListenAddr: ln.Addr().String(), TargetAddr: "127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Serve(context.Background()); err == nil {
		t.Error("expected listen error on a busy port")
	}
}

// freeAddr returns a loopback address with a port that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
