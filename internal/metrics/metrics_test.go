package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ProxyConnOpened()
	m.ProxyConnClosed()
	m.ProxyDenied()
	m.AddProxyBytes(Upstream, 10)
	m.BridgeSessionOpened()
	m.BridgeSessionClosed()
	m.AddBridgeBytes(Downstream, 10)
	m.ComponentStarted("xvfb")
	m.ComponentExited("xvfb", nil)
	m.ReadinessAttempt()
	m.SetBrowserReady(true)
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.ProxyConnOpened()
	m.ProxyConnOpened()
	m.ProxyConnClosed()
	m.ProxyDenied()
	m.AddProxyBytes(Upstream, 100)
	m.AddProxyBytes(Downstream, 50)
	m.AddProxyBytes(Downstream, 0)
	m.ComponentExited("chromium", errors.New("killed"))
	m.ComponentExited("cdp-proxy", nil)

	if got := testutil.ToFloat64(m.ProxyConnectionsActive); got != 1 {
		t.Errorf("active connections: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProxyConnectionsTotal); got != 2 {
		t.Errorf("total connections: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ProxyConnectionsDenied); got != 1 {
		t.Errorf("denied: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProxyBytes.WithLabelValues(Downstream)); got != 50 {
		t.Errorf("downstream bytes: got %v, want 50", got)
	}
	if got := testutil.ToFloat64(m.ComponentExits.WithLabelValues("chromium", "error")); got != 1 {
		t.Errorf("chromium error exits: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ComponentExits.WithLabelValues("cdp-proxy", "clean")); got != 1 {
		t.Errorf("cdp-proxy clean exits: got %v, want 1", got)
	}
}

func TestMetricsIndependentRegistries(t *testing.T) {
	// Two instances in one process must not collide on registration.
	a, b := New(), New()
	a.ReadinessAttempt()
	if got := testutil.ToFloat64(b.ReadinessAttempts); got != 0 {
		t.Errorf("registries should be independent, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetBrowserReady(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "agentbox_browser_ready 1") {
		t.Errorf("expected gauge in exposition, got:\n%s", body)
	}
}
