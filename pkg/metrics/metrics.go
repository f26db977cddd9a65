// Package metrics holds the Prometheus collectors for extensions, parties and feeds.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zentalk"

var (
	registerOnce sync.Once

	extensionMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "messages_total",
			Help:      "Extension envelopes sent and received.",
		},
		[]string{"extension", "direction"},
	)
	extensionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "errors_total",
			Help:      "Extension errors by code.",
		},
		[]string{"extension", "code"},
	)
	sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "sessions",
			Help:      "Protocol sessions by state.",
		},
		[]string{"state"},
	)
	partyPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "peers",
			Help:      "Connected peers per party.",
		},
		[]string{"party"},
	)
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "transactions_total",
			Help:      "Party transactions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	replications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "replications_total",
			Help:      "Feed replication attempts by outcome.",
		},
		[]string{"outcome"},
	)
	blocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "blocks_total",
			Help:      "Feed blocks transferred.",
		},
		[]string{"direction"},
	)
	swarmStreams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "streams_total",
			Help:      "Party streams opened over libp2p by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(extensionMessages, extensionErrors, sessions,
			partyPeers, transactions, replications, blocks, swarmStreams)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordExtensionMessage(extension, direction string) {
	RegisterMetrics()
	extensionMessages.WithLabelValues(extension, direction).Inc()
}

func RecordExtensionError(extension string, code int) {
	RegisterMetrics()
	extensionErrors.WithLabelValues(extension, strconv.Itoa(code)).Inc()
}

func RecordSessionState(from, to string) {
	RegisterMetrics()
	if from != "" {
		sessions.WithLabelValues(from).Dec()
	}
	sessions.WithLabelValues(to).Inc()
}

func SetPartyPeers(party string, n int) {
	RegisterMetrics()
	partyPeers.WithLabelValues(party).Set(float64(n))
}

func RecordTransaction(kind string, err error) {
	RegisterMetrics()
	transactions.WithLabelValues(kind, outcome(err)).Inc()
}

func RecordReplication(err error) {
	RegisterMetrics()
	replications.WithLabelValues(outcome(err)).Inc()
}

func RecordBlock(direction string) {
	RegisterMetrics()
	blocks.WithLabelValues(direction).Inc()
}

func RecordSwarmStream(direction string, err error) {
	RegisterMetrics()
	swarmStreams.WithLabelValues(direction, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
