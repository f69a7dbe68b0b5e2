// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Socket metrics
	SocketConnects    prometheus.Counter
	SocketDisconnects prometheus.Counter

	// Sync metrics
	ConfirmedActivitiesIngested prometheus.Counter
	PendingSetSize              *prometheus.GaugeVec
	PollRuns                    prometheus.Counter
	BalanceUpdates              prometheus.Counter

	// Cache metrics
	ChangeNotifications prometheus.Counter
	IncomingTransfers   prometheus.Counter

	// Health metrics
	LastSuccessfulPoll prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "walletsync"
	}

	return &Metrics{
		SocketConnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "connects_total",
			Help:      "Total number of watcher connections established",
		}),
		SocketDisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "disconnects_total",
			Help:      "Total number of watcher connections lost",
		}),

		ConfirmedActivitiesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "confirmed_activities_ingested_total",
			Help:      "Total number of confirmed activities ingested",
		}),
		PendingSetSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pending_set_size",
			Help:      "Current number of pending activities per wallet",
		}, []string{"wallet"}),
		PollRuns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "poll_runs_total",
			Help:      "Total number of fallback poll cycles started",
		}),
		BalanceUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "balance_updates_total",
			Help:      "Total number of balance updates received",
		}),

		ChangeNotifications: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "change_notifications_total",
			Help:      "Total number of cache change notifications delivered",
		}),
		IncomingTransfers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "incoming_transfers_total",
			Help:      "Total number of fresh incoming transfers observed",
		}),

		LastSuccessfulPoll: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_poll_timestamp",
			Help:      "Unix timestamp of the last completed poll cycle",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSocketConnect increments the watcher connection counter.
func RecordSocketConnect() {
	DefaultMetrics.SocketConnects.Inc()
}

// RecordSocketDisconnect increments the watcher disconnection counter.
func RecordSocketDisconnect() {
	DefaultMetrics.SocketDisconnects.Inc()
}

// RecordActivitiesIngested counts a batch of ingested confirmed activities
// and updates the wallet's pending gauge.
func RecordActivitiesIngested(wallet string, confirmed, pending int) {
	DefaultMetrics.ConfirmedActivitiesIngested.Add(float64(confirmed))
	DefaultMetrics.PendingSetSize.WithLabelValues(wallet).Set(float64(pending))
}

// RecordPollRun increments the poll cycle counter.
func RecordPollRun() {
	DefaultMetrics.PollRuns.Inc()
}

// RecordBalanceUpdate increments the balance update counter.
func RecordBalanceUpdate() {
	DefaultMetrics.BalanceUpdates.Inc()
}

// RecordChangeNotification increments the cache notification counter.
func RecordChangeNotification() {
	DefaultMetrics.ChangeNotifications.Inc()
}

// RecordIncomingTransfer increments the incoming transfer counter.
func RecordIncomingTransfer() {
	DefaultMetrics.IncomingTransfers.Inc()
}
