// Package bmetrics exposes Prometheus instrumentation for the storage
// engine, the lock manager, the transaction manager, and the Raft node.
package bmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage engine metrics
	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockdb_wal_append_duration_seconds",
			Help:    "Time taken to append a record to the write-ahead log",
			Buckets: prometheus.DefBuckets,
		},
	)

	MemTableSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdb_memtable_size_bytes",
			Help: "Current size of the active memtable in bytes",
		},
	)

	SSTablesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockdb_sstables_total",
			Help: "Number of SSTables resident per compaction level",
		},
		[]string{"level"},
	)

	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockdb_compaction_duration_seconds",
			Help:    "Time taken to compact a level",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"level"},
	)

	PutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockdb_put_duration_seconds",
			Help:    "End-to-end latency of Put",
			Buckets: prometheus.DefBuckets,
		},
	)

	GetDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockdb_get_duration_seconds",
			Help:    "End-to-end latency of Get",
			Buckets: prometheus.DefBuckets,
		},
	)

	DuplicateKeyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockdb_duplicate_key_rejections_total",
			Help: "Total number of Put calls rejected by the append-only guard",
		},
	)

	// Ledger metrics
	ChainLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdb_chain_length",
			Help: "Number of sealed blocks in the ledger",
		},
	)

	PendingRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdb_ledger_pending_records",
			Help: "Records buffered but not yet sealed into a block",
		},
	)

	BlockSealDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockdb_block_seal_duration_seconds",
			Help:    "Time taken to seal a block",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lock manager metrics
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockdb_lock_wait_duration_seconds",
			Help:    "Time a transaction waited to acquire a lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	DeadlocksDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockdb_deadlocks_detected_total",
			Help: "Total number of deadlock cycles detected",
		},
	)

	// Transaction manager metrics
	ActiveTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdb_active_transactions",
			Help: "Number of currently active transactions",
		},
	)

	TxCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockdb_tx_commit_duration_seconds",
			Help:    "Time taken to commit a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockdb_tx_outcomes_total",
			Help: "Transaction outcomes by result",
		},
		[]string{"result"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdb_raft_is_leader",
			Help: "Whether this node believes itself to be the Raft leader",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdb_raft_term",
			Help: "Current Raft term observed by this node",
		},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdb_raft_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockdb_raft_apply_duration_seconds",
			Help:    "Time taken to apply a committed log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockdb_raft_elections_total",
			Help: "Total number of elections this node has started",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WALAppendDuration,
		MemTableSizeBytes,
		SSTablesTotal,
		CompactionDuration,
		PutDuration,
		GetDuration,
		DuplicateKeyTotal,
		ChainLength,
		PendingRecords,
		BlockSealDuration,
		LockWaitDuration,
		DeadlocksDetectedTotal,
		ActiveTransactions,
		TxCommitDuration,
		TxOutcomesTotal,
		RaftLeader,
		RaftTerm,
		RaftCommitIndex,
		RaftApplyDuration,
		RaftElectionsTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
