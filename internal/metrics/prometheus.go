// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// metergate_inflight_requests
	inFlight prometheus.Gauge

	// metergate_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// metergate_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// metergate_requests_total{source,status}
	requestsTotal *prometheus.CounterVec

	// metergate_upstream_duration_seconds{source,mode}
	upstreamDuration *prometheus.HistogramVec

	// metergate_rejections_total{reason}
	rejections *prometheus.CounterVec

	// metergate_tokens_total{source,direction}
	tokensTotal *prometheus.CounterVec

	// metergate_billed_usd_total{model}
	billedUSD *prometheus.CounterVec

	// metergate_key_cache_operations_total{result}
	keyCacheOps *prometheus.CounterVec

	// metergate_dropped_logs
	droppedLogs prometheus.Gauge

	// metergate_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metergate_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metergate_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metergate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metergate_requests_total",
				Help: "Total proxied completion requests by upstream source and status",
			},
			[]string{"source", "status"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metergate_upstream_duration_seconds",
				Help:    "Upstream exchange duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"source", "mode"},
		),

		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metergate_rejections_total",
				Help: "Requests rejected before reaching an upstream, by reason",
			},
			[]string{"reason"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metergate_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"source", "direction"},
		),

		billedUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metergate_billed_usd_total",
				Help: "Total billed cost in USD by model",
			},
			[]string{"model"},
		),

		keyCacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metergate_key_cache_operations_total",
				Help: "Credential cache lookups by result",
			},
			[]string{"result"},
		),

		droppedLogs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metergate_dropped_logs",
			Help: "Request log entries dropped because the log buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metergate_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamDuration,
		r.rejections,
		r.tokensTotal,
		r.billedUSD,
		r.keyCacheOps,
		r.droppedLogs,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one proxied completion request.
func (r *Registry) RecordRequest(source string, statusCode int) {
	r.requestsTotal.WithLabelValues(source, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstream records an upstream exchange. mode is "stream" or "sync".
func (r *Registry) ObserveUpstream(source, mode string, dur time.Duration) {
	r.upstreamDuration.WithLabelValues(source, mode).Observe(dur.Seconds())
}

// RecordRejection counts an admission rejection. Reasons: auth, model, quota,
// rate, no_source, bad_request.
func (r *Registry) RecordRejection(reason string) {
	r.rejections.WithLabelValues(reason).Inc()
}

func (r *Registry) AddTokens(source string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(source, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(source, "output").Add(float64(completionTokens))
	}
}

func (r *Registry) AddBilledUSD(model string, cost float64) {
	if cost > 0 {
		r.billedUSD.WithLabelValues(model).Add(cost)
	}
}

func (r *Registry) KeyCacheHit()  { r.keyCacheOps.WithLabelValues("hit").Inc() }
func (r *Registry) KeyCacheMiss() { r.keyCacheOps.WithLabelValues("miss").Inc() }

func (r *Registry) SetDroppedLogs(n int64) {
	r.droppedLogs.Set(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
