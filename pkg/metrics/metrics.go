// Package metrics exposes Prometheus instruments for the flow store, plugin
// registry, scan orchestrator, proxy lifecycle and web API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fidiego/proxylite/pkg/scan"
)

// Metrics implements flow.Metrics, plugin.Metrics, scan.Metrics and
// proxy.Metrics.
type Metrics struct {
	// Flow store
	FlowsTotal             prometheus.Counter
	DuplicateFlowsTotal    prometheus.Counter
	OrphanedResponsesTotal prometheus.Counter

	// Plugins
	LoadedPlugins           prometheus.Gauge
	PluginLoadFailuresTotal *prometheus.CounterVec

	// Scans
	ScansTotal   *prometheus.CounterVec
	ScanDuration *prometheus.HistogramVec

	// Proxy
	ProxyRunning prometheus.Gauge

	// Web API
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the instruments and registers them with registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		FlowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxylite_flows_total",
			Help: "Total number of flows recorded",
		}),
		DuplicateFlowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxylite_duplicate_flows_total",
			Help: "Request deliveries ignored because the identity was already recorded",
		}),
		OrphanedResponsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxylite_orphaned_responses_total",
			Help: "Responses discarded because no request was recorded for the identity",
		}),
		LoadedPlugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxylite_plugins_loaded",
			Help: "Number of plugin units currently registered",
		}),
		PluginLoadFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxylite_plugin_load_failures_total",
				Help: "Total number of plugin load failures",
			},
			[]string{"plugin"},
		),
		ScansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxylite_scans_total",
				Help: "Total number of plugin invocations",
			},
			[]string{"plugin", "status"},
		),
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxylite_scan_duration_seconds",
				Help:    "Plugin invocation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
			},
			[]string{"plugin"},
		),
		ProxyRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxylite_proxy_running",
			Help: "1 while an interception session is active",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxylite_http_requests_total",
				Help: "Total number of web API requests",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxylite_http_request_duration_seconds",
				Help:    "Web API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.FlowsTotal,
		m.DuplicateFlowsTotal,
		m.OrphanedResponsesTotal,
		m.LoadedPlugins,
		m.PluginLoadFailuresTotal,
		m.ScansTotal,
		m.ScanDuration,
		m.ProxyRunning,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

func (m *Metrics) FlowRecorded()     { m.FlowsTotal.Inc() }
func (m *Metrics) DuplicateFlow()    { m.DuplicateFlowsTotal.Inc() }
func (m *Metrics) OrphanedResponse() { m.OrphanedResponsesTotal.Inc() }

func (m *Metrics) PluginsLoaded(n int) { m.LoadedPlugins.Set(float64(n)) }

func (m *Metrics) PluginLoadFailed(unit string) {
	m.PluginLoadFailuresTotal.WithLabelValues(unit).Inc()
}

func (m *Metrics) ScanCompleted(unit string, status scan.Status, d time.Duration) {
	m.ScansTotal.WithLabelValues(unit, string(status)).Inc()
	m.ScanDuration.WithLabelValues(unit).Observe(d.Seconds())
}

func (m *Metrics) SessionRunning(running bool) {
	if running {
		m.ProxyRunning.Set(1)
	} else {
		m.ProxyRunning.Set(0)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware instruments web API requests. Paths are not used as labels
// because flow sequences would make them unbounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
