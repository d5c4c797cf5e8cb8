package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	schemaCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_schema_cache_requests_total",
			Help: "Schema description lookups by cache result.",
		},
		[]string{"result"},
	)
	sqlValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_sql_validations_total",
			Help: "SQL validation verdicts by outcome.",
		},
		[]string{"outcome"},
	)
	sqlRewritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydesk_sql_rewrites_total",
			Help: "Total number of queries changed by column disambiguation.",
		},
	)
	sqlIntrospectionWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydesk_sql_introspection_warnings_total",
			Help: "Column lookups skipped during disambiguation because introspection failed.",
		},
	)
	askRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_ask_requests_total",
			Help: "Natural language questions by pipeline outcome.",
		},
		[]string{"outcome"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querydesk_query_duration_seconds",
			Help:    "Execution latency of validated queries against the target database.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(
		schemaCacheRequestsTotal,
		sqlValidationsTotal,
		sqlRewritesTotal,
		sqlIntrospectionWarningsTotal,
		askRequestsTotal,
		queryDurationSeconds,
	)
}

func ObserveSchemaCache(hit bool) {
	if hit {
		schemaCacheRequestsTotal.WithLabelValues("hit").Inc()
		return
	}
	schemaCacheRequestsTotal.WithLabelValues("miss").Inc()
}

func ObserveValidation(valid bool) {
	if valid {
		sqlValidationsTotal.WithLabelValues("valid").Inc()
		return
	}
	sqlValidationsTotal.WithLabelValues("invalid").Inc()
}

func IncrementRewrite() {
	sqlRewritesTotal.Inc()
}

func IncrementIntrospectionWarning() {
	sqlIntrospectionWarningsTotal.Inc()
}

// ObserveAsk records one question outcome: succeeded, rejected, failed or unavailable.
func ObserveAsk(outcome string) {
	askRequestsTotal.WithLabelValues(outcome).Inc()
}

func ObserveQueryDuration(elapsed time.Duration) {
	queryDurationSeconds.Observe(elapsed.Seconds())
}
