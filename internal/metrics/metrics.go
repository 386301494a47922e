// Package metrics holds the Prometheus collectors shared by both adapters.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roads"

// Fallback stages, in the order the error chain reaches them.
const (
	StageErrorHandler = "error_handler"
	StageDefault      = "default"
	StageLastResort   = "last_resort"
)

// Metrics records per-request outcomes. A nil *Metrics records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
	fallbacks *prometheus.CounterVec
	tooLarge  *prometheus.CounterVec
}

// New registers the collectors on reg. Registering twice on the same
// registry reuses the existing collectors, so an HTTP/1.1 and an HTTP/2
// adapter can share one registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered, by protocol and response status.",
		}, []string{"protocol", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request start until the response was ended.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently being served.",
		}, []string{"protocol"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_fallbacks_total",
			Help:      "Times a request entered each stage of the error fallback chain.",
		}, []string{"protocol", "stage"}),
		tooLarge: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_body_too_large_total",
			Help:      "Requests rejected for exceeding the maximum body size.",
		}, []string{"protocol"}),
	}

	var err error
	if m.requests, err = register(reg, m.requests); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(reg, m.inFlight); err != nil {
		return nil, err
	}
	if m.fallbacks, err = register(reg, m.fallbacks); err != nil {
		return nil, err
	}
	if m.tooLarge, err = register(reg, m.tooLarge); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Start marks a request as in flight and returns the function that ends it.
func (m *Metrics) Start(protocol string) func(status int) {
	if m == nil {
		return func(int) {}
	}
	start := time.Now()
	gauge := m.inFlight.WithLabelValues(protocol)
	gauge.Inc()
	return func(status int) {
		gauge.Dec()
		m.requests.WithLabelValues(protocol, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Fallback(protocol, stage string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(protocol, stage).Inc()
}

func (m *Metrics) BodyTooLarge(protocol string) {
	if m == nil {
		return
	}
	m.tooLarge.WithLabelValues(protocol).Inc()
}
