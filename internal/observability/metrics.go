package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	logins       *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	swept        prometheus.Counter
	datasetLoads *prometheus.CounterVec
	requests     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_session_resolutions_total",
			Help: "Per-request session resolutions by result.",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_sessions_swept_total",
			Help: "Expired sessions removed by the sweep.",
		}),
		datasetLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_dataset_loads_total",
			Help: "Dataset loads by result (loaded, cached, error).",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_http_requests_total",
			Help: "HTTP requests by method and status class.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.logins,
		m.resolutions,
		m.swept,
		m.datasetLoads,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) LoginAttempt(outcome string)   { m.logins.WithLabelValues(outcome).Inc() }
func (m *Metrics) SessionResolved(result string) { m.resolutions.WithLabelValues(result).Inc() }

func (m *Metrics) SessionsSwept(n int) {
	if n > 0 {
		m.swept.Add(float64(n))
	}
}

func (m *Metrics) DatasetLoad(result string) { m.datasetLoads.WithLabelValues(result).Inc() }

func (m *Metrics) Request(method, code string) { m.requests.WithLabelValues(method, code).Inc() }

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
