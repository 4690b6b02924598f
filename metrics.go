package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for a running Node. Grounded
// on the teacher's Prometheus struct. Setup is idempotent for one
// Metrics value only: every Node builds its own Metrics and registers the
// same collector names in the default registry, so a second Node with
// Configuration.EnablePrometheus set makes prometheus.MustRegister panic.
type Metrics struct {
	Sessions   prometheus.Gauge
	Incoming   prometheus.Gauge
	Outgoing   prometheus.Gauge
	Connecting prometheus.Gauge

	BlocksCached       prometheus.Gauge
	TransactionsCached prometheus.Gauge
	PrunedTransactions prometheus.Counter

	BlocksSent           prometheus.Counter
	BlocksReceived       prometheus.Counter
	TransactionsSent     prometheus.Counter
	TransactionsReceived prometheus.Counter

	ConnectionErrors prometheus.Counter

	once sync.Once
}

// Setup registers every collector. Safe to call more than once; only
// the first call has effect.
func (m *Metrics) Setup() {
	m.once.Do(func() {
		gauge := func(name, help string) prometheus.Gauge {
			g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
			prometheus.MustRegister(g)
			return g
		}
		counter := func(name, help string) prometheus.Counter {
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
			prometheus.MustRegister(c)
			return c
		}

		m.Sessions = gauge("p2p_sessions", "Number of sessions currently tracked, incoming and outgoing")
		m.Incoming = gauge("p2p_sessions_incoming", "Number of sessions that originated from the listener")
		m.Outgoing = gauge("p2p_sessions_outgoing", "Number of sessions that originated from a local dial")
		m.Connecting = gauge("p2p_sessions_connecting", "Number of sessions still dialing or handshaking")

		m.BlocksCached = gauge("p2p_blocks_cached", "Number of blocks currently held in the block cache")
		m.TransactionsCached = gauge("p2p_transactions_cached", "Number of transactions currently held in the transaction cache")
		m.PrunedTransactions = counter("p2p_transactions_pruned_total", "Total number of transactions evicted from the cache for having expired")

		m.BlocksSent = counter("p2p_blocks_sent_total", "Total number of blocks enqueued for a peer")
		m.BlocksReceived = counter("p2p_blocks_received_total", "Total number of blocks received from a peer")
		m.TransactionsSent = counter("p2p_transactions_sent_total", "Total number of transactions enqueued for a peer")
		m.TransactionsReceived = counter("p2p_transactions_received_total", "Total number of transactions received from a peer")

		m.ConnectionErrors = counter("p2p_connection_errors_total", "Total number of on_error signals fired by any connection")
	})
}
