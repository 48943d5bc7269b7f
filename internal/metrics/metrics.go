// Package metrics exposes Prometheus instrumentation for the mail server core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve starts a blocking HTTP server exposing /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}

var (
	// IMAPCommands counts dispatched IMAP commands by name.
	IMAPCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_imap_commands_total",
		Help: "Total IMAP commands dispatched by the session engine",
	}, []string{"command"})

	// IMAPCommandErrors counts commands rejected with a parse error or a
	// protocol-state error, by kind.
	IMAPCommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_imap_command_errors_total",
		Help: "Total IMAP commands that failed, by error kind",
	}, []string{"kind"})

	// AuthAttempts counts authentication attempts by protocol and result.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_auth_attempts_total",
		Help: "Total authentication attempts",
	}, []string{"protocol", "result"})

	// AuthCacheHits counts CredentialVault cache hits/misses.
	AuthCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_auth_cache_total",
		Help: "CredentialVault cache lookups",
	}, []string{"outcome"})

	// ActiveConnections tracks live connections by protocol.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailcore_active_connections",
		Help: "Number of live protocol connections",
	}, []string{"protocol"})

	// ConnectionsRejected counts connections refused due to the per-user cap.
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_connections_rejected_total",
		Help: "Connections rejected by the connection registry cap",
	}, []string{"protocol"})

	// StoreErrors counts MailboxStore failures by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_store_errors_total",
		Help: "MailboxStore operation failures",
	}, []string{"operation"})

	// FetchDuration tracks how long FETCH assembly takes.
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailcore_fetch_duration_seconds",
		Help:    "Time taken to assemble a FETCH response",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// ExpungedMessages counts messages removed via EXPUNGE/CLOSE/LOGOUT.
	ExpungedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_expunged_messages_total",
		Help: "Total messages removed by pending-deletion application",
	})
)

// RecordAuth records an authentication attempt outcome.
func RecordAuth(protocol string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(protocol, result).Inc()
}

// RecordCommand records a parsed command by name before it is dispatched,
// whether or not it then succeeds.
func RecordCommand(name string) {
	IMAPCommands.WithLabelValues(name).Inc()
}

// RecordCommandError records a command that failed with the given error kind.
func RecordCommandError(kind string) {
	IMAPCommandErrors.WithLabelValues(kind).Inc()
}

// RecordConnection records a new live connection for a protocol.
func RecordConnection(protocol string) {
	ActiveConnections.WithLabelValues(protocol).Inc()
}

// ReleaseConnection records a connection closing.
func ReleaseConnection(protocol string) {
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// RecordRejectedConnection records a connection refused by the registry cap.
func RecordRejectedConnection(protocol string) {
	ConnectionsRejected.WithLabelValues(protocol).Inc()
}

// RecordStoreError records a MailboxStore failure.
func RecordStoreError(operation string) {
	StoreErrors.WithLabelValues(operation).Inc()
}
