package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSession(reg)

	m.IncSignal("lot:changed")
	m.IncSignal("lot:changed")
	m.IncSignal("")
	m.ObserveRequest("catalog", nil, 10*time.Millisecond)
	m.ObserveRequest("catalog", errors.New("boom"), time.Millisecond)
	m.IncStale("detail")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.signals.WithLabelValues("lot:changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("catalog", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("catalog", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stale.WithLabelValues("detail")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestNilSafe(t *testing.T) {
	var m *Session
	assert.NotPanics(t, func() {
		m.IncSignal("x")
		m.ObserveRequest("x", nil, time.Second)
		m.IncStale("x")
	})

	empty := NewSession(nil)
	assert.NotPanics(t, func() {
		empty.IncSignal("x")
		empty.ObserveRequest("x", nil, time.Second)
		empty.IncStale("x")
	})
}
