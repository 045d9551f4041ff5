package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arenalink"

// Refresh results.
const (
	RefreshSuccess  = "success"
	RefreshFailure  = "failure"
	RefreshRejected = "rejected"
	RefreshCooldown = "cooldown"
)

// Request outcomes besides the error kind names.
const (
	OutcomeSuccess  = "success"
	OutcomeCanceled = "canceled"
)

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds every collector exported by the transport core.
type Metrics struct {
	RefreshTotal          *prometheus.CounterVec
	RefreshJoinedTotal    prometheus.Counter
	LogoutsTotal          prometheus.Counter
	RequestsTotal         *prometheus.CounterVec
	RequestRetriesTotal   prometheus.Counter
	AuthReplaysTotal      prometheus.Counter
	ConnectionState       *prometheus.GaugeVec
	ReconnectsTotal       prometheus.Counter
	FramesTotal           *prometheus.CounterVec
	FramesDroppedTotal    prometheus.Counter
	QueueDepth            prometheus.Gauge
	SubscriberPanicsTotal prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_total",
			Help:      "Token refresh outcomes by result",
		}, []string{"result"}),
		RefreshJoinedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_joined_total",
			Help:      "Callers that shared an already running refresh",
		}),
		LogoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "forced_logouts_total",
			Help:      "Auth failure teardowns dispatched",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Dispatched requests by final outcome",
		}, []string{"outcome"}),
		RequestRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "retries_total",
			Help:      "Request re-issues caused by retryable outcomes",
		}),
		AuthReplaysTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "auth_replays_total",
			Help:      "Requests replayed after a successful refresh",
		}),
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connection_state",
			Help:      "1 for the current connection state",
		}, []string{"state"}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after abnormal closes",
		}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "frames_total",
			Help:      "Frames sent and received",
		}, []string{"direction"}),
		FramesDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "frames_dropped_total",
			Help:      "Malformed inbound frames dropped",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "outbound_queue_depth",
			Help:      "Frames waiting for a connection",
		}),
		SubscriberPanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscriber_panics_total",
			Help:      "Subscriber panics recovered during emit",
		}),
	}
}

// ObserveRefresh counts a refresh outcome.
func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
}

// ObserveRefreshJoined counts a caller that joined a running refresh.
func (m *Metrics) ObserveRefreshJoined() {
	if m == nil {
		return
	}
	m.RefreshJoinedTotal.Inc()
}

// ObserveLogout counts a dispatched auth failure teardown.
func (m *Metrics) ObserveLogout() {
	if m == nil {
		return
	}
	m.LogoutsTotal.Inc()
}

// ObserveRequest counts a request by its final outcome.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry counts a retry re-issue.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.RequestRetriesTotal.Inc()
}

// ObserveAuthReplay counts a replay after refresh.
func (m *Metrics) ObserveAuthReplay() {
	if m == nil {
		return
	}
	m.AuthReplaysTotal.Inc()
}

// SetConnectionState marks state as the only current state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	m.ConnectionState.Reset()
	m.ConnectionState.WithLabelValues(state).Set(1)
}

// ObserveReconnect counts a scheduled reconnect.
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// ObserveFrame counts a frame in the given direction.
func (m *Metrics) ObserveFrame(direction string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction).Inc()
}

// ObserveDroppedFrame counts a malformed inbound frame.
func (m *Metrics) ObserveDroppedFrame() {
	if m == nil {
		return
	}
	m.FramesDroppedTotal.Inc()
}

// SetQueueDepth records the outbound queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveSubscriberPanic counts a recovered subscriber panic.
func (m *Metrics) ObserveSubscriberPanic() {
	if m == nil {
		return
	}
	m.SubscriberPanicsTotal.Inc()
}
