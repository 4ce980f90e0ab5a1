// Package metrics holds the Prometheus collectors for a browser sandbox
// instance. All methods are nil-safe so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction labels for byte counters.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

// Metrics holds all collectors of one instance.
type Metrics struct {
	registry *prometheus.Registry

	// Debug-protocol proxy
	ProxyConnectionsActive prometheus.Gauge
	ProxyConnectionsTotal  prometheus.Counter
	ProxyConnectionsDenied prometheus.Counter
	ProxyBytes             *prometheus.CounterVec

	// Web viewer bridge
	BridgeSessionsActive prometheus.Gauge
	BridgeSessionsTotal  prometheus.Counter
	BridgeBytes          *prometheus.CounterVec

	// Supervisor
	ComponentStarts *prometheus.CounterVec
	ComponentExits  *prometheus.CounterVec

	// Readiness
	ReadinessAttempts prometheus.Counter
	BrowserReady      prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ProxyConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentbox_cdp_proxy_connections_active",
			Help: "Number of open debug-protocol proxy connections",
		}),
		ProxyConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "agentbox_cdp_proxy_connections_total",
			Help: "Total number of accepted debug-protocol proxy connections",
		}),
		ProxyConnectionsDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "agentbox_cdp_proxy_connections_denied_total",
			Help: "Connections rejected by the source address allow-list",
		}),
		ProxyBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbox_cdp_proxy_bytes_total",
			Help: "Bytes forwarded by the debug-protocol proxy",
		}, []string{"direction"}),

		BridgeSessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentbox_vnc_bridge_sessions_active",
			Help: "Number of open web viewer sessions",
		}),
		BridgeSessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "agentbox_vnc_bridge_sessions_total",
			Help: "Total number of web viewer sessions",
		}),
		BridgeBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbox_vnc_bridge_bytes_total",
			Help: "Bytes relayed by the web viewer bridge",
		}, []string{"direction"}),

		ComponentStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbox_component_starts_total",
			Help: "Supervised components started, by name",
		}, []string{"component"}),
		ComponentExits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbox_component_exits_total",
			Help: "Supervised component exits, by name and outcome",
		}, []string{"component", "outcome"}),

		ReadinessAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "agentbox_readiness_probe_attempts_total",
			Help: "Browser debug endpoint probe attempts",
		}),
		BrowserReady: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentbox_browser_ready",
			Help: "1 when the browser debug endpoint answered the readiness probe",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ProxyConnOpened() {
	if m == nil {
		return
	}
	m.ProxyConnectionsTotal.Inc()
	m.ProxyConnectionsActive.Inc()
}

func (m *Metrics) ProxyConnClosed() {
	if m == nil {
		return
	}
	m.ProxyConnectionsActive.Dec()
}

func (m *Metrics) ProxyDenied() {
	if m == nil {
		return
	}
	m.ProxyConnectionsDenied.Inc()
}

func (m *Metrics) AddProxyBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ProxyBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) BridgeSessionOpened() {
	if m == nil {
		return
	}
	m.BridgeSessionsTotal.Inc()
	m.BridgeSessionsActive.Inc()
}

func (m *Metrics) BridgeSessionClosed() {
	if m == nil {
		return
	}
	m.BridgeSessionsActive.Dec()
}

func (m *Metrics) AddBridgeBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BridgeBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) ComponentStarted(name string) {
	if m == nil {
		return
	}
	m.ComponentStarts.WithLabelValues(name).Inc()
}

// ComponentExited records an exit. A nil err counts as "clean".
func (m *Metrics) ComponentExited(name string, err error) {
	if m == nil {
		return
	}
	outcome := "clean"
	if err != nil {
		outcome = "error"
	}
	m.ComponentExits.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) ReadinessAttempt() {
	if m == nil {
		return
	}
	m.ReadinessAttempts.Inc()
}

func (m *Metrics) SetBrowserReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.BrowserReady.Set(1)
	} else {
		m.BrowserReady.Set(0)
	}
}
