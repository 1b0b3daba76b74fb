package worker

import (
	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the ingestion workers.
type Metrics struct {
	jobsClaimed   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	rowsCommitted prometheus.Counter
	rowErrors     prometheus.Counter
	receiveErrors prometheus.Counter
	chunkDuration prometheus.Histogram
	jobDuration   prometheus.Histogram
}

// NewMetrics registers the worker collectors on reg. A nil reg leaves them
// unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surveyingest", Subsystem: "worker", Name: "jobs_claimed_total",
			Help: "Upload jobs moved to PROCESSING.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "surveyingest", Subsystem: "worker", Name: "jobs_finished_total",
			Help: "Upload jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		rowsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surveyingest", Subsystem: "worker", Name: "rows_committed_total",
			Help: "Survey entries written by chunk upserts.",
		}),
		rowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surveyingest", Subsystem: "worker", Name: "row_errors_total",
			Help: "Rows skipped because of validation or resolution errors.",
		}),
		receiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surveyingest", Subsystem: "worker", Name: "receive_errors_total",
			Help: "Failed queue receive calls.",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "surveyingest", Subsystem: "worker", Name: "chunk_write_seconds",
			Help:    "Latency of one atomic chunk upsert.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "surveyingest", Subsystem: "worker", Name: "job_seconds",
			Help:    "Time from claim to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.jobsClaimed,
			m.jobsFinished,
			m.rowsCommitted,
			m.rowErrors,
			m.receiveErrors,
			m.chunkDuration,
			m.jobDuration,
		)
	}
	return m
}

func (m *Metrics) finished(status domain.JobStatus) {
	m.jobsFinished.WithLabelValues(string(status)).Inc()
}
