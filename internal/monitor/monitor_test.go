package monitor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	msgs []string
	err  error
}

func (c *captureSink) Send(msg string) error {
	c.msgs = append(c.msgs, msg)
	return c.err
}

func TestMonitorCountsEventsAndAlerts(t *testing.T) {
	router := events.NewRouter(events.RouterOptions{})
	sink := &captureSink{}
	m := &Monitor{
		Metrics: NewMetrics(),
		Sink:    sink,
		Sample:  func() Gauges { return Gauges{Pending: 2, Tracked: 5, Positions: 1, Published: 42} },
		Log:     zerolog.Nop(),
	}
	require.NoError(t, m.Start(router))

	o := domain.Order{ClientOrderID: "o1", InstrumentID: "BTCUSDT"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, router.Publish(events.OrderTopic(events.OrderPending), events.OrderEvent{Kind: events.OrderPending, Order: o}))
	require.NoError(t, router.Publish(events.OrderTopic(events.OrderRejected), events.OrderEvent{Kind: events.OrderRejected, Order: o, Reason: "not found on exchange", Time: at}))
	require.NoError(t, router.Publish(events.TopicSystemTick, events.Tick{Time: at}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics.OrderEvents.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics.OrderEvents.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics.Alerts))
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "[2024-05-01T12:00:00Z] order o1 on BTCUSDT rejected: not found on exchange", sink.msgs[0])

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Metrics.PendingOrders))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Metrics.TrackedOrders))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.Metrics.RouterMessages))

	m.Stop(router)
	require.NoError(t, router.Publish(events.OrderTopic(events.OrderPending), events.OrderEvent{Kind: events.OrderPending, Order: o}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics.OrderEvents.WithLabelValues("pending")))
}

func TestMonitorAlertsOnFlaggedOpenOrder(t *testing.T) {
	router := events.NewRouter(events.RouterOptions{})
	sink := &captureSink{}
	m := &Monitor{Metrics: NewMetrics(), Sink: sink, Log: zerolog.Nop()}
	require.NoError(t, m.Start(router))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stalled := domain.Order{ClientOrderID: "o2", InstrumentID: "ETHUSDT", Status: domain.StatusSubmitting}
	require.NoError(t, router.Publish(events.OrderTopic(events.OrderUpdated),
		events.OrderEvent{Kind: events.OrderUpdated, Order: stalled, Reason: "reconciliation stalled: exchange unreachable", Time: at}))
	expired := domain.Order{ClientOrderID: "o3", InstrumentID: "ETHUSDT", Status: domain.StatusExpired}
	require.NoError(t, router.Publish(events.OrderTopic(events.OrderUpdated),
		events.OrderEvent{Kind: events.OrderUpdated, Order: expired, Reason: "gtd", Time: at}))

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "[2024-05-01T12:00:00Z] order o2 on ETHUSDT needs attention: reconciliation stalled: exchange unreachable", sink.msgs[0])
}

func TestMonitorSinkFailureIsNotFatal(t *testing.T) {
	router := events.NewRouter(events.RouterOptions{})
	m := &Monitor{Metrics: NewMetrics(), Sink: &captureSink{err: errors.New("webhook down")}, Log: zerolog.Nop()}
	require.NoError(t, m.Start(router))
	assert.NoError(t, router.Publish(events.OrderTopic(events.OrderRejected), events.OrderEvent{Kind: events.OrderRejected}))
	assert.NoError(t, router.Publish(events.TopicSystemTick, events.Tick{}), "no sampler configured")
}

func TestMonitorRequiresMetrics(t *testing.T) {
	assert.Error(t, (&Monitor{}).Start(events.NewRouter(events.RouterOptions{})))
}

func TestObserverMetrics(t *testing.T) {
	m := NewMetrics()
	m.SubmitCompleted("ok", 20*time.Millisecond)
	m.SubmitCompleted("ok", 40*time.Millisecond)
	m.SubmitCompleted("risk_rejected", 0)
	m.ReconcileCompleted("confirmed_push")
	m.CancelCompleted("transport_error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubmitOutcomes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubmitOutcomes.WithLabelValues("risk_rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileOutcomes.WithLabelValues("confirmed_push")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CancelOutcomes.WithLabelValues("transport_error")))

	stats := m.GetSnapshot().SubmitLatency
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 30.0, stats.Avg, 0.001)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `exec_submit_total{outcome="ok"} 2`))
	assert.True(t, strings.Contains(body, "exec_submit_duration_seconds_count 2"))
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	assert.Equal(t, LatencyStats{}, h.Stats())
	for _, v := range []float64{10, 20, 30, 40} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 20.0, s.Min)
	assert.Equal(t, 40.0, s.Max)
	assert.Equal(t, 30.0, s.P50)
	assert.Equal(t, s, h.Stats())
}
