// Package metrics declares the Prometheus instrumentation surface for the
// ingestion/streaming engine: one promauto-registered vector per concern,
// namespaced by subsystem and labeled by chain/network.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestor (internal/ingestor)
	IngestorBlocksIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "ingestor",
		Name:      "blocks_ingested_total",
		Help:      "Total blocks appended to the canonical chain",
	}, []string{"chain", "network"})

	IngestorReorgsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "ingestor",
		Name:      "reorgs_detected_total",
		Help:      "Total chain reorganizations detected",
	}, []string{"chain", "network"})

	IngestorReorgDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dna",
		Subsystem: "ingestor",
		Name:      "reorg_depth_blocks",
		Help:      "Depth of detected reorgs in blocks",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 89},
	}, []string{"chain", "network"})

	IngestorFinalizedHead = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Subsystem: "ingestor",
		Name:      "finalized_head",
		Help:      "Latest finalized block number",
	}, []string{"chain", "network"})

	IngestorCanonicalHead = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Subsystem: "ingestor",
		Name:      "canonical_head",
		Help:      "Latest canonical block number",
	}, []string{"chain", "network"})

	IngestorStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "ingestor",
		Name:      "state_transitions_total",
		Help:      "Total ingestion state machine transitions",
	}, []string{"chain", "network", "state"})

	IngestorTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dna",
		Subsystem: "ingestor",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one ingestion state machine step",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"chain", "network", "state"})

	// BlockStore (internal/blockstore)
	BlockStorePutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "blockstore",
		Name:      "put_total",
		Help:      "Total blocks written to BlockStore",
	}, []string{"chain", "network"})

	BlockStoreScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dna",
		Subsystem: "blockstore",
		Name:      "scan_duration_seconds",
		Help:      "Duration of a filtered BlockStore scan",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"chain", "network"})

	BlockStoreScanCandidates = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dna",
		Subsystem: "blockstore",
		Name:      "scan_candidates",
		Help:      "Candidate block numbers produced by bitmap intersection before canonical filtering",
		Buckets:   []float64{1, 10, 100, 1000, 10000},
	}, []string{"chain", "network"})

	BlockStoreSegmentsLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Subsystem: "blockstore",
		Name:      "segments_loaded",
		Help:      "Segments currently resident in memory",
	}, []string{"chain", "network"})

	BlockStoreRebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "blockstore",
		Name:      "rebuilds_total",
		Help:      "Total segment rebuilds from the primary index after corruption",
	}, []string{"chain", "network"})

	BlockStoreCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "blockstore",
		Name:      "cache_hits_total",
		Help:      "Total hot-block LRU cache hits",
	}, []string{"chain", "network"})

	BlockStoreCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "blockstore",
		Name:      "cache_misses_total",
		Help:      "Total hot-block LRU cache misses",
	}, []string{"chain", "network"})

	// IngestionBus (internal/bus)
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Total events published on the ingestion bus",
	}, []string{"chain", "network", "kind"})

	BusSubscribersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Subsystem: "bus",
		Name:      "subscribers",
		Help:      "Current number of attached bus subscribers",
	}, []string{"chain", "network"})

	BusLaggedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "bus",
		Name:      "lagged_total",
		Help:      "Total subscribers detached for falling behind",
	}, []string{"chain", "network"})

	// StreamEngine (internal/streamengine, internal/server)
	StreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Subsystem: "streamengine",
		Name:      "active_streams",
		Help:      "Current number of active client streams",
	}, []string{"chain", "network"})

	StreamsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "streamengine",
		Name:      "started_total",
		Help:      "Total streams started",
	}, []string{"chain", "network"})

	StreamsTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "streamengine",
		Name:      "terminated_total",
		Help:      "Total streams terminated, by reason",
	}, []string{"chain", "network", "reason"})

	StreamDataMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "streamengine",
		Name:      "data_messages_total",
		Help:      "Total Data messages emitted across all streams",
	}, []string{"chain", "network"})

	StreamBytesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "streamengine",
		Name:      "bytes_sent_total",
		Help:      "Total component payload bytes sent across all streams",
	}, []string{"chain", "network"})

	StreamLagBlocks = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dna",
		Subsystem: "streamengine",
		Name:      "lag_blocks",
		Help:      "Observed client lag in blocks at catch-up re-entry",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"chain", "network"})

	// Quota (internal/quota)
	QuotaChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "quota",
		Name:      "checks_total",
		Help:      "Total Quota capability checks, by outcome",
	}, []string{"team", "network", "outcome"})

	QuotaCircuitOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "quota",
		Name:      "circuit_open_total",
		Help:      "Total Quota checks rejected locally due to an open circuit breaker",
	}, []string{"team", "network"})

	// ChainRpc (internal/chainrpc)
	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times a ChainRpc call waited for the rate limiter",
	}, []string{"chain"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total ChainRpc calls, classified by outcome",
	}, []string{"chain", "method", "status"})

	RPCCircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"chain"})

	// Alerting (internal/alert)
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts successfully sent, by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by the dedup cooldown, by channel and type",
	}, []string{"channel", "type"})
)
