// ABOUTME: Prometheus collectors for message sync, streaming, read receipts and negotiation
// ABOUTME: Registered once on the default registry and updated through small helper functions

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used with MessagesDropped.
const (
	DropInvalid    = "invalid"
	DropUnrouted   = "unrouted"
	DropUnobserved = "unobserved"
	DropDuplicate  = "duplicate"
)

var (
	// MessagesAppended counts store mutations by outcome.
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_appended_total",
			Help: "Messages written to the local conversation store by outcome",
		},
		[]string{"outcome"},
	)

	// MessagesDropped counts incoming messages that never reached the store.
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_dropped_total",
			Help: "Incoming messages dropped before reaching the store",
		},
		[]string{"reason"},
	)

	// SendsTotal counts outgoing message sends by result.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outgoing message sends by result",
		},
		[]string{"result"},
	)

	// StreamReconnects counts reconnect attempts of the push stream.
	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stream_reconnects_total",
			Help: "Reconnect attempts made by the push stream",
		},
	)

	// StreamUp is 1 while the push stream is connected.
	StreamUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_stream_up",
			Help: "Whether the push stream is currently connected",
		},
	)

	// PollsTotal counts poll fetches by result.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_polls_total",
			Help: "Poll fetches by result",
		},
		[]string{"result"},
	)

	// ReadReceiptsTotal counts read receipt flushes by result.
	ReadReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_read_receipts_total",
			Help: "Read receipt flushes by result",
		},
		[]string{"result"},
	)

	// NegotiationTransitions counts negotiation token state transitions.
	NegotiationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_negotiation_transitions_total",
			Help: "Negotiation token transitions by resulting state",
		},
		[]string{"state"},
	)
)

// RecordAppend records the outcome of a store append.
func RecordAppend(outcome string) {
	MessagesAppended.WithLabelValues(outcome).Inc()
}

// RecordDrop records a dropped incoming message.
func RecordDrop(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordSend records the result of an outgoing send.
func RecordSend(ok bool) {
	SendsTotal.WithLabelValues(result(ok)).Inc()
}

// RecordPoll records the result of a poll fetch.
func RecordPoll(ok bool) {
	PollsTotal.WithLabelValues(result(ok)).Inc()
}

// RecordReadReceipt records the result of a read receipt flush.
func RecordReadReceipt(ok bool) {
	ReadReceiptsTotal.WithLabelValues(result(ok)).Inc()
}

// RecordNegotiation records a negotiation token transition.
func RecordNegotiation(state string) {
	NegotiationTransitions.WithLabelValues(state).Inc()
}

// SetStreamUp updates the stream connectivity gauge.
func SetStreamUp(up bool) {
	if up {
		StreamUp.Set(1)
		return
	}
	StreamUp.Set(0)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
