package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the harness meters on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	InvokeDuration  *prometheus.HistogramVec
	InvokeTotal     *prometheus.CounterVec
	TransportCalls  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlight        prometheus.Gauge
}

// NewMetrics creates the registry and registers every meter.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	invokeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provharness_invoke_duration_seconds",
		Help:    "Duration of module operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op", "outcome"})

	invokeTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provharness_invoke_total",
		Help: "Total number of module operations.",
	}, []string{"provider", "op", "outcome"})

	transportCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provharness_transport_calls_total",
		Help: "Outbound transport calls issued by modules.",
	}, []string{"provider", "mode"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provharness_listener_request_duration_seconds",
		Help:    "Duration of listener requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provharness_listener_requests_total",
		Help: "Listener requests by outcome.",
	}, []string{"outcome"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "provharness_listener_in_flight",
		Help: "Listener requests currently being dispatched.",
	})

	reg.MustRegister(invokeDuration, invokeTotal, transportCalls, requestDuration, requestsTotal, inFlight)

	return &Metrics{
		Registry:        reg,
		InvokeDuration:  invokeDuration,
		InvokeTotal:     invokeTotal,
		TransportCalls:  transportCalls,
		RequestDuration: requestDuration,
		RequestsTotal:   requestsTotal,
		InFlight:        inFlight,
	}
}

// ObserveInvoke records one module operation.
func (m *Metrics) ObserveInvoke(provider, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.InvokeDuration.WithLabelValues(provider, op, outcome).Observe(d.Seconds())
	m.InvokeTotal.WithLabelValues(provider, op, outcome).Inc()
}

// AddTransportCalls counts calls recorded by a session's transport.
func (m *Metrics) AddTransportCalls(provider, mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransportCalls.WithLabelValues(provider, mode).Add(float64(n))
}

// ObserveRequest records one listener request.
func (m *Metrics) ObserveRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}
