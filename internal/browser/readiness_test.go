package browser

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"agentbox/internal/metrics"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestWaitForDebugEndpoint_BecomesReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/130"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	err := WaitForDebugEndpoint(serverPort(t, srv), ReadinessConfig{Attempts: 10, Interval: 5 * time.Millisecond, Metrics: m})
	if err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("probes: got %d, want 3", got)
	}
	if n := testutil.ToFloat64(m.ReadinessAttempts); n != 3 {
		t.Errorf("attempt metric: got %v, want 3", n)
	}
	if n := testutil.ToFloat64(m.BrowserReady); n != 1 {
		t.Errorf("ready gauge: got %v, want 1", n)
	}
}

func TestWaitForDebugEndpoint_BudgetExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	m := metrics.New()
	start := time.Now()
	err = WaitForDebugEndpoint(port, ReadinessConfig{Attempts: 4, Interval: 10 * time.Millisecond, Metrics: m})
	if err == nil {
		t.Fatal("expected an error when nothing listens")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("poll not bounded: took %v", elapsed)
	}
	if n := testutil.ToFloat64(m.ReadinessAttempts); n != 4 {
		t.Errorf("attempt metric: got %v, want 4", n)
	}
	if n := testutil.ToFloat64(m.BrowserReady); n != 0 {
		t.Errorf("ready gauge: got %v, want 0", n)
	}
}

func TestWaitForDebugEndpoint_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := WaitForDebugEndpoint(serverPort(t, srv), ReadinessConfig{Attempts: 2, Interval: time.Millisecond}); err == nil {
		t.Error("expected an error for a failing endpoint")
	}
}

func TestWaitForDebugEndpoint_Host(t *testing.T) {
	var gotHost atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.Host)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := serverPort(t, srv)

	if err := WaitForDebugEndpoint(port, ReadinessConfig{Host: "127.0.0.1", Attempts: 2, Interval: time.Millisecond}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := net.JoinHostPort("127.0.0.1", strconv.Itoa(port)); gotHost.Load() != want {
		t.Errorf("Host = %v, want %s", gotHost.Load(), want)
	}

	// The server only listens on 127.0.0.1.
	if err := WaitForDebugEndpoint(port, ReadinessConfig{Host: "127.0.0.2", Attempts: 2, Interval: time.Millisecond}); err == nil {
		t.Error("expected an error when probing a host nothing listens on")
	}
}
