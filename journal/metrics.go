package journal

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a handful of counters and a latency histogram registered
// under a component-prefixed sub-registerer.
type Metrics struct {
	committed   prometheus.Counter
	canceled    prometheus.Counter
	batchFlush  prometheus.Histogram
	replayed    prometheus.Counter
}

// NewMetrics registers the journal's metrics under registerer, prefixed
// "journal_" the way NewJournalMetrics prefixes "storage_journal_".
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	r := prometheus.WrapRegistererWithPrefix("journal_", registerer)

	m := &Metrics{}
	m.committed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transactions_committed_total",
		Help: "Total number of transactions committed.",
	})
	m.canceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transactions_canceled_total",
		Help: "Total number of transactions canceled (user cancel, write failure, or shutdown).",
	})
	m.batchFlush = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_flush_duration_seconds",
		Help:    "Duration of one writer batch, from staging through the durability flush.",
		Buckets: prometheus.DefBuckets,
	})
	m.replayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transactions_replayed_total",
		Help: "Total number of committed transactions re-applied during Load's replay.",
	})

	r.MustRegister(m.committed, m.canceled, m.batchFlush, m.replayed)
	return m
}
