package volume

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors journal.Metrics's shape, scoped to chunk operations.
type Metrics struct {
	chunksCreated   prometheus.Counter
	chunksDeleted   prometheus.Counter
	chunkOpFailures *prometheus.CounterVec
	bytesWritten    prometheus.Counter
	bytesRead       prometheus.Counter
}

// NewMetrics registers the volume's metrics under registerer, prefixed
// "volume_".
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	r := prometheus.WrapRegistererWithPrefix("volume_", registerer)

	m := &Metrics{
		chunksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunks_created_total",
			Help: "Total number of chunks created.",
		}),
		chunksDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunks_deleted_total",
			Help: "Total number of chunks deleted.",
		}),
		chunkOpFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunk_op_failures_total",
			Help: "Total number of failed chunk operations, by operation.",
		}, []string{"op"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bytes_written_total",
			Help: "Total bytes written to chunk home regions.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bytes_read_total",
			Help: "Total bytes read from chunk home regions.",
		}),
	}

	r.MustRegister(m.chunksCreated, m.chunksDeleted, m.chunkOpFailures, m.bytesWritten, m.bytesRead)
	return m
}
