// Package metrics contains the prometheus collectors of the DNS path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the prefix of every metric family in this package.
const namespace = "entdns"

// Values of the status label of [QueriesTotal], matching the query log
// status enum plus the aggregate.
const (
	StatusTotal   = "total"
	StatusAllowed = "allowed"
	StatusBlocked = "blocked"
	StatusCached  = "cached"
)

// QueriesTotal counts handled queries by terminal status.  Every query
// increments both the total series and exactly one of the other three.
var QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "queries_total",
	Help:      "Total number of DNS queries by processing status.",
}, []string{"status"})

// QueryDuration observes per-query handling time in seconds.
var QueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "query_duration_seconds",
	Help:      "Time spent handling a single DNS query.",
	Buckets:   prometheus.ExponentialBuckets(0.00025, 2, 16),
})

// QueryLogDropped counts query log entries dropped because the writer
// channel was full.
var QueryLogDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "querylog_dropped_total",
	Help:      "Total number of query log entries dropped on enqueue.",
})

// QueriesRefused counts queries rejected by the access control list.
var QueriesRefused = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "queries_refused_total",
	Help:      "Total number of DNS queries refused by access control.",
})

// Register registers all collectors of this package with registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(QueriesTotal, QueryDuration, QueryLogDropped, QueriesRefused)
}

// IncQuery increments the total counter and the counter for status.
func IncQuery(status string) {
	QueriesTotal.WithLabelValues(StatusTotal).Inc()
	QueriesTotal.WithLabelValues(status).Inc()
}
