package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ledger RPC Metrics
	ledgerCallsTotal   *prometheus.CounterVec
	ledgerCallDuration *prometheus.HistogramVec
	ledgerRetries      *prometheus.CounterVec
	ledgerPageSize     *prometheus.HistogramVec

	// Oracle Metrics
	oracleChecksTotal   *prometheus.CounterVec
	oracleCheckDuration *prometheus.HistogramVec

	// Ingestion Metrics
	transactionsFetchedTotal   *prometheus.CounterVec
	transactionsWrittenTotal   *prometheus.CounterVec
	transactionsSkippedTotal   *prometheus.CounterVec
	transactionsDuplicateRatio *prometheus.GaugeVec

	// Settlement Metrics
	pairsTotal         *prometheus.CounterVec
	legsSubmittedTotal *prometheus.CounterVec
	cycleDuration      *prometheus.HistogramVec
	cyclesTotal        *prometheus.CounterVec
	activityDuration   *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Ledger RPC Metrics
		ledgerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method and status",
			},
			[]string{"method", "status", "network"},
		),
		ledgerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "network"},
		),
		ledgerRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_retries_total",
				Help: "Total number of ledger RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		ledgerPageSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_account_transactions_per_page",
				Help:    "Number of transactions returned per account history page",
				Buckets: []float64{0, 1, 10, 50, 100, 200, 400, 1000},
			},
			[]string{"network"},
		),

		// Oracle Metrics
		oracleChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_checks_total",
				Help: "Total number of trust oracle checks by kind and outcome",
			},
			[]string{"check", "outcome"},
		),
		oracleCheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oracle_check_duration_seconds",
				Help:    "Duration of trust oracle checks in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"check"},
		),

		// Ingestion Metrics
		transactionsFetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transactions_fetched_total",
				Help: "Total number of ledger transactions fetched for an escrow account",
			},
			[]string{"escrow_account"},
		),
		transactionsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transactions_written_total",
				Help: "Total number of transaction records written to the store",
			},
			[]string{"escrow_account"},
		),
		transactionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transactions_skipped_total",
				Help: "Total number of ledger transactions skipped during ingestion",
			},
			[]string{"escrow_account", "reason"},
		),
		transactionsDuplicateRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "escrow_transactions_duplicate_ratio",
				Help: "Ratio of already-stored records to records offered in the last batch (0.0-1.0)",
			},
			[]string{"escrow_account"},
		),

		// Settlement Metrics
		pairsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_pairs_total",
				Help: "Total number of settlement pairs by outcome (matched, approved, rejected, settled, failed)",
			},
			[]string{"escrow_account", "outcome"},
		),
		legsSubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_legs_submitted_total",
				Help: "Total number of settlement legs submitted to the ledger",
			},
			[]string{"leg", "status"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciliation_cycle_duration_seconds",
				Help:    "Duration of reconciliation cycles in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"escrow_account", "status"},
		),
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_cycles_total",
				Help: "Total number of reconciliation cycles",
			},
			[]string{"escrow_account", "status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciliation_activity_duration_seconds",
				Help:    "Duration of reconciliation workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "escrow_account"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"escrow_account"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"escrow_account", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"stream", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"stream"},
		),
	}
}

// Ledger RPC metric helpers

// RecordLedgerCall records a ledger RPC call with duration.
func (m *Metrics) RecordLedgerCall(method, status, network string, duration float64) {
	m.ledgerCallsTotal.WithLabelValues(method, status, network).Inc()
	m.ledgerCallDuration.WithLabelValues(method, network).Observe(duration)
}

// RecordLedgerRetry records a retry attempt.
func (m *Metrics) RecordLedgerRetry(method, reason string) {
	m.ledgerRetries.WithLabelValues(method, reason).Inc()
}

// RecordLedgerPageSize records the number of transactions in one history page.
func (m *Metrics) RecordLedgerPageSize(network string, count int) {
	m.ledgerPageSize.WithLabelValues(network).Observe(float64(count))
}

// Oracle metric helpers

// RecordOracleCheck records one oracle check call.
func (m *Metrics) RecordOracleCheck(check, outcome string, duration float64) {
	m.oracleChecksTotal.WithLabelValues(check, outcome).Inc()
	m.oracleCheckDuration.WithLabelValues(check).Observe(duration)
}

// Ingestion metric helpers

// RecordTransactionsFetched records transactions fetched from the ledger.
func (m *Metrics) RecordTransactionsFetched(escrowAccount string, count int) {
	m.transactionsFetchedTotal.WithLabelValues(escrowAccount).Add(float64(count))
}

// RecordTransactionsWritten records transactions written to the store.
func (m *Metrics) RecordTransactionsWritten(escrowAccount string, count int) {
	m.transactionsWrittenTotal.WithLabelValues(escrowAccount).Add(float64(count))
}

// RecordTransactionsSkipped records transactions skipped.
func (m *Metrics) RecordTransactionsSkipped(escrowAccount, reason string, count int) {
	m.transactionsSkippedTotal.WithLabelValues(escrowAccount, reason).Add(float64(count))
}

// RecordDuplicateRatio records the share of already-stored records in a batch.
func (m *Metrics) RecordDuplicateRatio(escrowAccount string, ratio float64) {
	m.transactionsDuplicateRatio.WithLabelValues(escrowAccount).Set(ratio)
}

// Settlement metric helpers

// RecordPairs records pair outcomes for an escrow account.
func (m *Metrics) RecordPairs(escrowAccount, outcome string, count int) {
	m.pairsTotal.WithLabelValues(escrowAccount, outcome).Add(float64(count))
}

// RecordLegSubmitted records a settlement leg submission.
func (m *Metrics) RecordLegSubmitted(leg, status string) {
	m.legsSubmittedTotal.WithLabelValues(leg, status).Inc()
}

// RecordCycle records a reconciliation cycle with its duration.
func (m *Metrics) RecordCycle(escrowAccount, status string, duration float64) {
	m.cycleDuration.WithLabelValues(escrowAccount, status).Observe(duration)
	m.cyclesTotal.WithLabelValues(escrowAccount, status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, escrowAccount string, duration float64) {
	m.activityDuration.WithLabelValues(activity, escrowAccount).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(escrowAccount string, delta float64) {
	m.sseActiveConnections.WithLabelValues(escrowAccount).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(escrowAccount, eventType string) {
	m.sseEventsSent.WithLabelValues(escrowAccount, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(stream, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(stream, status).Inc()
	m.natsPublishDuration.WithLabelValues(stream).Observe(duration)
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
