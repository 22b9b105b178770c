package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "rpcgate"

// Label values for handshake and cache outcomes.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"

	ResultRegistered = "registered"
	ResultSkipped    = "skipped"

	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics contains every gateway collector.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	DiscoveryHandshakes *prometheus.CounterVec
	BindingCache        *prometheus.CounterVec
	RoutesRegistered    *prometheus.CounterVec
	ServicesActive      prometheus.Gauge
	SweepDeactivated    prometheus.Counter
	BackendCalls        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh prometheus.Registry that also carries the Go and process collectors.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Gateway requests by route template and HTTP status.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Gateway request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		DiscoveryHandshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "handshakes_total",
				Help:      "Reflection handshakes by result.",
			},
			[]string{"result"},
		),
		BindingCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "binding_cache_total",
				Help:      "Method binding cache lookups by result.",
			},
			[]string{"result"},
		),
		RoutesRegistered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routes_registered_total",
				Help:      "Routes processed by registration, split into written and skipped.",
			},
			[]string{"result"},
		),
		ServicesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_active",
			Help:      "Active services in the route mirror.",
		}),
		SweepDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deactivated_total",
			Help:      "Services deactivated by the staleness sweep.",
		}),
		BackendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "calls_total",
				Help:      "Unary calls issued to backends by service and outcome.",
			},
			[]string{"service", "outcome"},
		),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.DiscoveryHandshakes,
		m.BindingCache,
		m.RoutesRegistered,
		m.ServicesActive,
		m.SweepDeactivated,
		m.BackendCalls,
	)
	return m
}

// Handler returns the exposition handler for the registry the metrics were
// registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest records one gateway request against its route template.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handshake records a discovery handshake outcome.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.DiscoveryHandshakes.WithLabelValues(result).Inc()
}

// BindingLookup records a method binding cache hit or miss.
func (m *Metrics) BindingLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.BindingCache.WithLabelValues(ResultHit).Inc()
		return
	}
	m.BindingCache.WithLabelValues(ResultMiss).Inc()
}

// Registration records the route counts of one registration call.
func (m *Metrics) Registration(registered, skipped int) {
	if m == nil {
		return
	}
	m.RoutesRegistered.WithLabelValues(ResultRegistered).Add(float64(registered))
	m.RoutesRegistered.WithLabelValues(ResultSkipped).Add(float64(skipped))
}

// SetServicesActive sets the active service gauge.
func (m *Metrics) SetServicesActive(n int) {
	if m == nil {
		return
	}
	m.ServicesActive.Set(float64(n))
}

// Deactivated records services deactivated by one sweep.
func (m *Metrics) Deactivated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepDeactivated.Add(float64(n))
}

// BackendCall records one unary call to a backend service.
func (m *Metrics) BackendCall(service string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.BackendCalls.WithLabelValues(service, outcome).Inc()
}

// BackendCallCounts returns the recorded ok and error call counts for service.
func (m *Metrics) BackendCallCounts(service string) (ok, failed uint64) {
	if m == nil {
		return 0, 0
	}
	return counterValue(m.BackendCalls, service, OutcomeOK), counterValue(m.BackendCalls, service, OutcomeError)
}

func counterValue(vec *prometheus.CounterVec, labels ...string) uint64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}
