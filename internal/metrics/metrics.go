// Package metrics declares the Prometheus collectors chatdesk exports on
// /metrics. Collectors register with the default registry at init.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatdesk"

var (
	// HTTPRequestsTotal counts handled requests.
	// Labels: method, route (chi route pattern), status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// CompletionRequestsTotal counts calls to the chat-completion API.
	// Labels: result (success, error)
	CompletionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "requests_total",
			Help:      "Total number of chat-completion calls by result",
		},
		[]string{"result"},
	)

	// CompletionRetriesTotal counts retried attempts after transient failures.
	CompletionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "retries_total",
			Help:      "Total number of chat-completion attempts retried after a transient failure",
		},
	)

	// CompletionDuration covers a whole call, retries included.
	CompletionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "duration_seconds",
			Help:      "Duration of chat-completion calls in seconds, including retries",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		},
	)

	// AuthEventsTotal counts signups and logins.
	// Labels: method (password, external, oauth), event (signup, login), result (success, exists, failure)
	AuthEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "events_total",
			Help:      "Total number of signup and login attempts by method and result",
		},
		[]string{"method", "event", "result"},
	)

	// StoresProvisionedTotal counts conversation stores actually created.
	StoresProvisionedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "provisioned_total",
			Help:      "Total number of per-user conversation stores created",
		},
	)

	// StoreConflictsTotal counts users skipped at startup because their
	// store name belongs to someone else.
	StoreConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "conflicts_total",
			Help:      "Total number of users whose conversation store name is owned by another user",
		},
	)

	// ConversationTurnsTotal counts persisted chat turns.
	ConversationTurnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Total number of chat turns persisted",
		},
	)
)

// ObserveHTTP records one finished request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveCompletion records one finished completion call.
func ObserveCompletion(err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CompletionRequestsTotal.WithLabelValues(result).Inc()
	CompletionDuration.Observe(elapsed.Seconds())
}
