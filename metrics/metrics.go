// Package metrics holds the Prometheus collectors shared by pipeline
// stages and table commits. A nil *Metrics is valid and records nothing,
// so components never need to check whether metrics are enabled.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iceflow"

// Metrics groups every collector the engine exports.
type Metrics struct {
	// StageRecords counts records crossing a stage boundary, by stage and direction.
	StageRecords *prometheus.CounterVec

	// StageBatches counts batches emitted per stage.
	StageBatches *prometheus.CounterVec

	// DegradedRecords counts records written with a conflicting value replaced.
	DegradedRecords *prometheus.CounterVec

	// Commits counts commit outcomes by table and result.
	Commits *prometheus.CounterVec

	// CommitAttempts counts every try of the commit protocol, retries included.
	CommitAttempts *prometheus.CounterVec

	// CommitConflicts counts lost races on the version pointer.
	CommitConflicts *prometheus.CounterVec

	// CommitDuration observes commit latency in seconds.
	CommitDuration *prometheus.HistogramVec

	// DataFiles and DataBytes count what flushes wrote.
	DataFiles *prometheus.CounterVec
	DataBytes *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		StageRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_records_total",
			Help: "Records received or emitted by a pipeline stage.",
		}, []string{"stage", "direction"}),
		StageBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_batches_total",
			Help: "Batches emitted by a pipeline stage.",
		}, []string{"stage"}),
		DegradedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "degraded_records_total",
			Help: "Records written after a schema conflict was repaired.",
		}, []string{"table"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_total",
			Help: "Snapshot commits by result.",
		}, []string{"table", "result"}),
		CommitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commit_attempts_total",
			Help: "Attempts of the snapshot commit protocol.",
		}, []string{"table"}),
		CommitConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commit_conflicts_total",
			Help: "Commit attempts that lost the version pointer race.",
		}, []string{"table"}),
		CommitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "commit_duration_seconds",
			Help:    "Time from first commit attempt to the pointer advance.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"table"}),
		DataFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "data_files_total",
			Help: "Data files written.",
		}, []string{"table"}),
		DataBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "data_bytes_total",
			Help: "Bytes of data files written.",
		}, []string{"table"}),
	}

	for _, c := range []prometheus.Collector{
		m.StageRecords, m.StageBatches, m.DegradedRecords, m.Commits,
		m.CommitAttempts, m.CommitConflicts, m.CommitDuration, m.DataFiles, m.DataBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordsIn(stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.StageRecords.WithLabelValues(stage, "in").Add(float64(n))
}

func (m *Metrics) RecordsOut(stage string, n int) {
	if m == nil {
		return
	}
	m.StageBatches.WithLabelValues(stage).Inc()
	if n > 0 {
		m.StageRecords.WithLabelValues(stage, "out").Add(float64(n))
	}
}

func (m *Metrics) Degraded(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DegradedRecords.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) CommitAttempt(table string, conflict bool) {
	if m == nil {
		return
	}
	m.CommitAttempts.WithLabelValues(table).Inc()
	if conflict {
		m.CommitConflicts.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) CommitDone(table string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commits.WithLabelValues(table, result).Inc()
	m.CommitDuration.WithLabelValues(table).Observe(time.Since(started).Seconds())
}

func (m *Metrics) FilesWritten(table string, files int, bytes int64) {
	if m == nil {
		return
	}
	m.DataFiles.WithLabelValues(table).Add(float64(files))
	m.DataBytes.WithLabelValues(table).Add(float64(bytes))
}

// Serve exposes the registry on srv.Addr until the server fails or is shut
// down. ErrServerClosed is not reported.
func (m *Metrics) Serve(srv *http.Server) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv.Handler = mux
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
