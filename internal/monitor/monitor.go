package monitor

import (
	"fmt"
	"time"

	"execution-core/internal/events"

	"github.com/rs/zerolog"
)

// Subscriber is the part of the router the monitor listens on.
type Subscriber interface {
	Subscribe(pattern string, h events.Handler) (events.SubscriptionHandle, error)
	Unsubscribe(h events.SubscriptionHandle)
}

// Monitor counts order events, samples gauges on every system tick and
// alerts on rejections and on open orders flagged with a reason. Its handlers run on the event loop, so Sample may
// read loop-owned state directly.
type Monitor struct {
	Metrics *Metrics
	Sink    AlertSink
	Sample  func() Gauges
	Log     zerolog.Logger

	subs []events.SubscriptionHandle
}

func (m *Monitor) Start(sub Subscriber) error {
	if m.Metrics == nil {
		return fmt.Errorf("monitor: metrics not configured")
	}
	for pattern, h := range map[string]events.Handler{
		events.TopicOrderAll:   m.onOrder,
		events.TopicSystemTick: m.onTick,
	} {
		handle, err := sub.Subscribe(pattern, h)
		if err != nil {
			m.Stop(sub)
			return fmt.Errorf("monitor: subscribe %s: %w", pattern, err)
		}
		m.subs = append(m.subs, handle)
	}
	return nil
}

func (m *Monitor) Stop(sub Subscriber) {
	for _, h := range m.subs {
		sub.Unsubscribe(h)
	}
	m.subs = nil
}

func (m *Monitor) onOrder(_ string, ev events.Event) error {
	oe, ok := ev.(events.OrderEvent)
	if !ok {
		return nil
	}
	m.Metrics.OrderEvents.WithLabelValues(string(oe.Kind)).Inc()
	switch {
	case oe.Kind == events.OrderRejected:
		m.alert(formatAlert(oe.Time, fmt.Sprintf("order %s on %s rejected: %s", oe.Order.ClientOrderID, oe.Order.InstrumentID, oe.Reason)))
	case oe.Kind == events.OrderUpdated && oe.Reason != "" && !oe.Order.Status.IsTerminal():
		// An open order flagged by the executor, e.g. a stalled reconciliation.
		m.alert(formatAlert(oe.Time, fmt.Sprintf("order %s on %s needs attention: %s", oe.Order.ClientOrderID, oe.Order.InstrumentID, oe.Reason)))
	}
	return nil
}

func (m *Monitor) onTick(_ string, ev events.Event) error {
	if _, ok := ev.(events.Tick); !ok || m.Sample == nil {
		return nil
	}
	m.Metrics.SetGauges(m.Sample())
	return nil
}

func (m *Monitor) alert(msg string) {
	m.Metrics.Alerts.Inc()
	if m.Sink == nil {
		return
	}
	if err := m.Sink.Send(msg); err != nil {
		m.Log.Warn().Err(err).Msg("monitor: alert delivery failed")
	}
}

func formatAlert(at time.Time, msg string) string {
	if at.IsZero() {
		at = time.Now()
	}
	return "[" + at.UTC().Format(time.RFC3339) + "] " + msg
}
