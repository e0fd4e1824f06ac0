package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// AdmissionBuckets for time spent behind earlier tickets
	AdmissionBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120}

	// RegistrationBuckets for one round trip to the query service
	RegistrationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// PipelineBuckets for decode + normalize + cache transaction + handler
	PipelineBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Admission / registration metrics
var (
	// TicketsIssuedTotal counts tickets handed out by the sequencer
	TicketsIssuedTotal Counter = NoopStat{}

	// TicketsPending tracks issued tickets that have not completed yet
	TicketsPending Gauge = NoopStat{}

	// AdmissionWaitSeconds measures how long a watcher waited for its predecessors
	AdmissionWaitSeconds Histogram = NoopStat{}

	// RegistrationsTotal counts registrations by result (success, transport_error, parse_error, bind_error, cancelled, admission_timeout)
	RegistrationsTotal CounterVec = noopCounterVec{}

	// RegistrationDurationSeconds measures registration round trips
	RegistrationDurationSeconds Histogram = NoopStat{}
)

// Watcher / delivery metrics
var (
	// WatchersByState tracks live watchers by state
	WatchersByState GaugeVec = noopGaugeVec{}

	// MessagesTotal counts inbound messages by outcome (delivered, decode_error, parse_error, cache_error, dropped)
	MessagesTotal CounterVec = noopCounterVec{}

	// PipelineDurationSeconds measures normalization pipeline latency
	PipelineDurationSeconds Histogram = NoopStat{}

	// DisconnectsTotal counts disconnect notifications delivered to watchers
	DisconnectsTotal Counter = NoopStat{}
)

// Cache metrics
var (
	// CacheTransactionsTotal counts read-write transactions by result (committed, aborted)
	CacheTransactionsTotal CounterVec = noopCounterVec{}

	// CachePublishTotal counts record publications by result (success, failed)
	CachePublishTotal CounterVec = noopCounterVec{}

	// CacheRecordsWritten counts records merged into the cache
	CacheRecordsWritten Counter = NoopStat{}

	// CacheObservers tracks active cache observers
	CacheObservers Gauge = NoopStat{}

	// MirrorPublishTotal counts mirrored records by sink and result (success, dropped, rejected)
	MirrorPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	TicketsIssuedTotal = NewCounter(
		"tickets_issued_total",
		"Total admission tickets issued",
	)
	TicketsPending = NewGauge(
		"tickets_pending",
		"Issued tickets whose registration has not completed",
	)
	AdmissionWaitSeconds = NewHistogramWithBuckets(
		"admission_wait_seconds",
		"Time a watcher waited behind earlier tickets",
		AdmissionBuckets,
	)
	RegistrationsTotal = NewCounterVec(
		"registrations_total",
		"Registrations by result",
		[]string{"result"},
	)
	RegistrationDurationSeconds = NewHistogramWithBuckets(
		"registration_duration_seconds",
		"Registration round trip in seconds",
		RegistrationBuckets,
	)

	WatchersByState = NewGaugeVec(
		"watchers",
		"Live watchers by state",
		[]string{"state"},
	)
	MessagesTotal = NewCounterVec(
		"messages_total",
		"Inbound messages by outcome",
		[]string{"outcome"},
	)
	PipelineDurationSeconds = NewHistogramWithBuckets(
		"pipeline_duration_seconds",
		"Normalization pipeline duration in seconds",
		PipelineBuckets,
	)
	DisconnectsTotal = NewCounter(
		"disconnects_total",
		"Disconnect notifications delivered to watchers",
	)

	CacheTransactionsTotal = NewCounterVec(
		"cache_transactions_total",
		"Read-write cache transactions by result",
		[]string{"result"},
	)
	CachePublishTotal = NewCounterVec(
		"cache_publish_total",
		"Record publications by result",
		[]string{"result"},
	)
	CacheRecordsWritten = NewCounter(
		"cache_records_written_total",
		"Records merged into the cache",
	)
	CacheObservers = NewGauge(
		"cache_observers",
		"Active cache observers",
	)
	MirrorPublishTotal = NewCounterVec(
		"mirror_publish_total",
		"Mirrored records by sink and result",
		[]string{"sink", "result"},
	)
}
