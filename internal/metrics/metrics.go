// Package metrics defines the Prometheus collectors exported by the reader,
// query engine, compactor and format checker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rangescan"

// Metrics groups every collector. A nil *Metrics is not valid; use Discard
// when no registry is wanted.
type Metrics struct {
	ManifestItems       prometheus.Counter
	ManifestRanks       prometheus.Counter
	ManifestReadSeconds prometheus.Histogram

	Queries          *prometheus.CounterVec
	QuerySeconds     *prometheus.HistogramVec
	QueryMatchedSSTs prometheus.Histogram
	QueryKeys        prometheus.Counter
	QuerySelectivity *prometheus.HistogramVec

	BytesRead  *prometheus.CounterVec
	ReadErrors *prometheus.CounterVec

	CompactionRuns         prometheus.Counter
	CompactionPairs        prometheus.Counter
	CompactionEpochSeconds prometheus.Histogram

	CheckBlocks     prometheus.Counter
	CheckViolations prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ManifestItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_items_total",
			Help:      "Blocks decoded from rank footers",
		}),
		ManifestRanks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_ranks_total",
			Help:      "Rank footers decoded",
		}),
		ManifestReadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "manifest_read_duration_seconds",
			Help:      "Time to read and decode every footer of a directory",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Range queries executed, by strategy",
		}, []string{"strategy"}),
		QuerySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end range query latency, by strategy",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}, []string{"strategy"}),
		QueryMatchedSSTs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_matched_ssts",
			Help:      "Blocks matched per query",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		QueryKeys: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_keys_total",
			Help:      "Keys decoded by range queries",
		}),
		QuerySelectivity: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_selectivity_ratio",
			Help:      "Query selectivity at block and key granularity",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"granularity"}),
		BytesRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes read from rank files, by handle mode",
		}, []string{"mode"}),
		ReadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Failed reads, by error code",
		}, []string{"code"}),
		CompactionRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_runs_total",
			Help:      "Partitioned runs merged",
		}),
		CompactionPairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_pairs_total",
			Help:      "Key/value pairs appended to the output backend",
		}),
		CompactionEpochSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_epoch_duration_seconds",
			Help:      "Time to merge one epoch",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		CheckBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_blocks_total",
			Help:      "Blocks validated by the format checker",
		}),
		CheckViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_violations_total",
			Help:      "Keys found outside their block's observed range",
		}),
	}
}

// Discard returns collectors bound to a private registry that nobody scrapes.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
