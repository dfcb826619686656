package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/getbananas/getbananas-web/internal/httpmw"
	"github.com/getbananas/getbananas-web/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// rate limiter
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	// security events and their delivery
	securityEventsTotal *prometheus.CounterVec
	sinkEnqueuedTotal   prometheus.Counter
	sinkDroppedTotal    prometheus.Counter
	sinkRetriesTotal    prometheus.Counter
	sinkEventsTotal     *prometheus.CounterVec
	sinkBatchDuration   *prometheus.HistogramVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		securityEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Security events recorded by outcome",
		}, []string{"outcome"}),
		sinkEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_event_sink_enqueued_total",
			Help: "Events accepted into the delivery queue",
		}),
		sinkDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_event_sink_dropped_total",
			Help: "Events discarded because the queue was full or closed",
		}),
		sinkRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_event_sink_retries_total",
			Help: "Ingest request retries",
		}),
		sinkEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_event_sink_events_total",
			Help: "Events leaving the delivery worker by result (delivered, failed)",
		}, []string{"result"}),
		sinkBatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "security_event_sink_batch_duration_seconds",
			Help:    "Time to deliver or give up on a batch, including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.securityEventsTotal,
		m.sinkEnqueuedTotal,
		m.sinkDroppedTotal,
		m.sinkRetriesTotal,
		m.sinkEventsTotal,
		m.sinkBatchDuration,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// RegisterActiveBuckets exposes the limiter's tracked client count.
func (m *ServerMetrics) RegisterActiveBuckets(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ratelimit_active_buckets",
		Help: "Number of client identities currently tracked by the rate limiter",
	}, func() float64 { return float64(fn()) }))
}

// RegisterQueueDepth exposes the number of events waiting for delivery.
func (m *ServerMetrics) RegisterQueueDepth(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "security_event_sink_queue_depth",
		Help: "Events waiting in the delivery queue",
	}, func() float64 { return float64(fn()) }))
}

// ObserveSecurityEvent counts one recorded event.
func (m *ServerMetrics) ObserveSecurityEvent(o httpmw.Outcome) {
	m.securityEventsTotal.WithLabelValues(string(o)).Inc()
}

func (m *ServerMetrics) IncEnqueued() { m.sinkEnqueuedTotal.Inc() }
func (m *ServerMetrics) IncDropped()  { m.sinkDroppedTotal.Inc() }
func (m *ServerMetrics) IncRetries()  { m.sinkRetriesTotal.Inc() }

// ObserveBatch records a batch leaving the delivery worker.
func (m *ServerMetrics) ObserveBatch(result string, events int, d time.Duration) {
	m.sinkEventsTotal.WithLabelValues(result).Add(float64(events))
	m.sinkBatchDuration.WithLabelValues(result).Observe(d.Seconds())
}
