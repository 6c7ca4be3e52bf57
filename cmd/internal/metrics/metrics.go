// Package metrics exposes Prometheus collectors for the sync layer.
//
// A nil *Metrics is valid and records nothing, so engines can run without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketsync"

// Metrics groups every collector used by the conversation engine and the notification store.
type Metrics struct {
	SnapshotsApplied   prometheus.Counter
	SnapshotsStale     prometheus.Counter
	SubscriptionErrors prometheus.Counter
	ReadReceipts       *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec

	NotificationsReceived  prometheus.Counter
	NotificationsDuplicate prometheus.Counter
	UnreadCount            prometheus.Gauge
	RESTFailures           *prometheus.CounterVec

	ChannelEvents *prometheus.CounterVec
	ChannelState  prometheus.Gauge
}

// New builds and registers all collectors on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SnapshotsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "snapshots_applied_total",
			Help: "Message snapshots materialized into the local view.",
		}),
		SnapshotsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "snapshots_stale_total",
			Help: "Message snapshots discarded because they were older than the materialized view.",
		}),
		SubscriptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "subscription_errors_total",
			Help: "Terminal errors reported by message subscriptions.",
		}),
		ReadReceipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "read_receipts_total",
			Help: "Read receipts issued, by result.",
		}, []string{"result"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "messages_sent_total",
			Help: "Send attempts, by result.",
		}, []string{"result"}),

		NotificationsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "pushed_total",
			Help: "new_notification events applied to the local store.",
		}),
		NotificationsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "pushed_duplicate_total",
			Help: "new_notification events dropped because the id was already known.",
		}),
		UnreadCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "notify", Name: "unread",
			Help: "Current local unread counter.",
		}),
		RESTFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "rest_failures_total",
			Help: "Failed REST calls, by operation.",
		}, []string{"op"}),

		ChannelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "events_total",
			Help: "Push channel lifecycle events, by kind.",
		}, []string{"kind"}),
		ChannelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "state",
			Help: "Push channel session state (0=disconnected, 1=connecting, 2=connected).",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.SnapshotsApplied, m.SnapshotsStale, m.SubscriptionErrors, m.ReadReceipts, m.MessagesSent,
		m.NotificationsReceived, m.NotificationsDuplicate, m.UnreadCount, m.RESTFailures,
		m.ChannelEvents, m.ChannelState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SnapshotApplied() {
	if m != nil {
		m.SnapshotsApplied.Inc()
	}
}

func (m *Metrics) SnapshotStale() {
	if m != nil {
		m.SnapshotsStale.Inc()
	}
}

func (m *Metrics) SubscriptionError() {
	if m != nil {
		m.SubscriptionErrors.Inc()
	}
}

// ReadReceipt records a read-mark outcome ("ok" or "error").
func (m *Metrics) ReadReceipt(result string) {
	if m != nil {
		m.ReadReceipts.WithLabelValues(result).Inc()
	}
}

// MessageSent records a send outcome ("ok", "rejected" or "error").
func (m *Metrics) MessageSent(result string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) NotificationReceived(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.NotificationsDuplicate.Inc()
		return
	}
	m.NotificationsReceived.Inc()
}

func (m *Metrics) SetUnread(n int) {
	if m != nil {
		m.UnreadCount.Set(float64(n))
	}
}

func (m *Metrics) RESTFailure(op string) {
	if m != nil {
		m.RESTFailures.WithLabelValues(op).Inc()
	}
}

// ChannelEvent records a lifecycle event ("connect", "connect_error", "disconnect").
func (m *Metrics) ChannelEvent(kind string) {
	if m != nil {
		m.ChannelEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetChannelState(state int) {
	if m != nil {
		m.ChannelState.Set(float64(state))
	}
}
