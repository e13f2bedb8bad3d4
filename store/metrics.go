package store

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Database's prometheus instrumentation, wired the way
// wal.WalMetrics is: one struct built once by NewMetrics and threaded
// through the Database and its compactor.
type Metrics struct {
	segmentRolls        prometheus.Counter
	compactionsRun      prometheus.Counter
	compactionsFailed   prometheus.Counter
	compactionDuration  prometheus.Histogram
	bytesReclaimed      prometheus.Counter
	recoveredMismatches prometheus.Counter
	recoveredKeys       prometheus.Counter
}

// NewMetrics builds a Metrics and registers its collectors with
// registerer. A nil registerer is tolerated: collectors are still built
// and usable, just never exposed.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		segmentRolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_segment_rolls_total",
			Help: "Total number of times the active segment was sealed and replaced.",
		}),
		compactionsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_compactions_run_total",
			Help: "Total number of compaction passes that ran to completion.",
		}),
		compactionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_compactions_failed_total",
			Help: "Total number of compaction passes abandoned due to an I/O error.",
		}),
		compactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvstore_compaction_duration_seconds",
			Help:    "Duration of a completed compaction pass.",
			Buckets: prometheus.DefBuckets,
		}),
		bytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_compaction_bytes_reclaimed_total",
			Help: "Approximate bytes freed by compaction (input size minus output size).",
		}),
		recoveredMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_recovery_crc_mismatches_total",
			Help: "Total number of failed record decodes (CRC mismatch or short read) during recovery, one per byte resynced.",
		}),
		recoveredKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_recovery_keys_total",
			Help: "Total number of keys recovered into segment indexes at startup.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.segmentRolls,
			m.compactionsRun,
			m.compactionsFailed,
			m.compactionDuration,
			m.bytesReclaimed,
			m.recoveredMismatches,
			m.recoveredKeys,
		)
	}

	return m
}
