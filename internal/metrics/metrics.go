package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storefront"

// Session records signal traffic and calls to the network collaborator.
type Session struct {
	signals  *prometheus.CounterVec
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	stale    *prometheus.CounterVec
}

// NewSession registers the session metrics on the provided registerer.
// A nil registerer yields a Session that records nothing.
func NewSession(reg prometheus.Registerer) *Session {
	if reg == nil {
		return &Session{}
	}
	signals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_emitted_total",
		Help:      "Signals emitted by the storefront core.",
	}, []string{"signal"})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_requests_total",
		Help:      "Calls to the lot provider by resource and outcome.",
	}, []string{"resource", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_request_duration_seconds",
		Help:      "Duration of calls to the lot provider.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"resource"})
	stale := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_responses_total",
		Help:      "Provider responses discarded because a newer request superseded them.",
	}, []string{"resource"})
	reg.MustRegister(signals, requests, duration, stale)
	return &Session{
		signals:  signals,
		requests: requests,
		duration: duration,
		stale:    stale,
	}
}

func (s *Session) IncSignal(name string) {
	if s == nil || s.signals == nil {
		return
	}
	s.signals.WithLabelValues(normalizeLabel(name)).Inc()
}

// ObserveRequest records one finished provider call.
func (s *Session) ObserveRequest(resource string, err error, took time.Duration) {
	if s == nil || s.requests == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	resource = normalizeLabel(resource)
	s.requests.WithLabelValues(resource, outcome).Inc()
	s.duration.WithLabelValues(resource).Observe(took.Seconds())
}

func (s *Session) IncStale(resource string) {
	if s == nil || s.stale == nil {
		return
	}
	s.stale.WithLabelValues(normalizeLabel(resource)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
