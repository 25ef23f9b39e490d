/*
package metrics exposes what the realtime client does as Prometheus collectors: connection state
transitions, transport attempts, acknowledgements, channel state transitions and presence syncs. A nil
*Metrics is valid and records nothing, so components call it unconditionally.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subsystem = "realtime"

type Metrics struct {
	connectionStates  *prometheus.CounterVec
	transportAttempts *prometheus.CounterVec
	acknowledgements  *prometheus.CounterVec
	channelStates     *prometheus.CounterVec
	presenceSyncs     prometheus.Counter
	messagesReceived  prometheus.Counter
	queuedMessages    prometheus.Gauge
}

// New registers the client's collectors with registerer. A nil registerer
// yields a nil *Metrics.
func New(namespace string, registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}
	factory := promauto.With(registerer)

	return &Metrics{
		connectionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions by previous and current state",
		}, []string{"previous", "current"}),

		transportAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_attempts_total",
			Help:      "Transport connection attempts by transport kind and outcome",
		}, []string{"transport", "outcome"}),

		acknowledgements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acknowledgements_total",
			Help:      "Messages acknowledged or rejected by the service",
		}, []string{"result"}),

		channelStates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "channel_state_transitions_total",
			Help:      "Channel state transitions by current state",
		}, []string{"current"}),

		presenceSyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "presence_syncs_total",
			Help:      "Completed presence synchronizations",
		}),

		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Channel messages delivered to subscribers",
		}),

		queuedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queued_messages",
			Help:      "Messages waiting for a transport",
		}),
	}
}

func (m *Metrics) ConnectionState(previous string, current string) {
	if m == nil {
		return
	}
	m.connectionStates.WithLabelValues(previous, current).Inc()
}

func (m *Metrics) TransportAttempt(transport string, outcome string) {
	if m == nil {
		return
	}
	m.transportAttempts.WithLabelValues(transport, outcome).Inc()
}

func (m *Metrics) Acknowledged(count int, rejected bool) {
	if m == nil || count <= 0 {
		return
	}
	result := "ack"
	if rejected {
		result = "nack"
	}
	m.acknowledgements.WithLabelValues(result).Add(float64(count))
}

func (m *Metrics) ChannelState(current string) {
	if m == nil {
		return
	}
	m.channelStates.WithLabelValues(current).Inc()
}

func (m *Metrics) PresenceSync() {
	if m == nil {
		return
	}
	m.presenceSyncs.Inc()
}

func (m *Metrics) MessagesReceived(count int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(float64(count))
}

func (m *Metrics) QueuedMessages(count int) {
	if m == nil {
		return
	}
	m.queuedMessages.Set(float64(count))
}
