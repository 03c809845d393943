// Package metrics exposes backup pipeline metrics for Prometheus, either
// scraped from the API server or written as a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vitalred/vrbackup/internal/manifest"
	"github.com/vitalred/vrbackup/internal/retention"
)

const namespace = "vitalred_backup"

const (
	labelOperation = "operation"
	labelType      = "type"
	labelStatus    = "status"
	labelStage     = "stage"
	labelLocation  = "location"
	labelOutcome   = "outcome"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const (
	OperationBackup  = "backup"
	OperationRestore = "restore"
	OperationVerify  = "verify"
	OperationPrune   = "prune"
)

// Recorder owns a private registry so CLI runs can dump exactly the
// pipeline metrics to a textfile.
type Recorder struct {
	reg *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	lastSuccess     *prometheus.GaugeVec
	lastSize        *prometheus.GaugeVec
	sweepTotal      *prometheus.CounterVec
	verifyFindings  *prometheus.CounterVec
	artifactsStored prometheus.Gauge
}

// New builds a Recorder. withRuntime adds the Go and process collectors,
// which only make sense for the long-running server.
func New(withRuntime bool) *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by operation, backup type and status.",
		}, []string{labelOperation, labelType, labelStatus}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{labelOperation, labelType}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual backup stages.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{labelStage}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful backup per type.",
		}, []string{labelType}),
		lastSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_size_bytes",
			Help:      "Artifact size of the last successful backup per type.",
		}, []string{labelType}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_items_total",
			Help:      "Retention sweep decisions by location and outcome.",
		}, []string{labelLocation, labelOutcome}),
		verifyFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_problems_total",
			Help:      "Integrity problems found by verification, by outcome.",
		}, []string{labelOutcome}),
		artifactsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifacts",
			Help:      "Number of completed backups under the backup root.",
		}),
	}
	r.reg.MustRegister(r.runsTotal, r.runDuration, r.stageDuration, r.lastSuccess, r.lastSize,
		r.sweepTotal, r.verifyFindings, r.artifactsStored)
	if withRuntime {
		r.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) ObserveRun(operation, backupType string, err error, d time.Duration) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	r.runsTotal.WithLabelValues(operation, backupType, status).Inc()
	r.runDuration.WithLabelValues(operation, backupType).Observe(d.Seconds())
}

func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (r *Recorder) BackupSucceeded(backupType string, size int64, at time.Time) {
	r.lastSuccess.WithLabelValues(backupType).Set(float64(at.Unix()))
	r.lastSize.WithLabelValues(backupType).Set(float64(size))
}

func (r *Recorder) ObserveSweep(location string, items []retention.Item) {
	for _, it := range items {
		r.sweepTotal.WithLabelValues(location, string(it.Outcome)).Inc()
	}
}

func (r *Recorder) ObserveVerify(report *manifest.Report) {
	if report == nil {
		return
	}
	for _, p := range report.Problems() {
		r.verifyFindings.WithLabelValues(string(p.Outcome)).Inc()
	}
}

func (r *Recorder) SetArtifacts(n int) {
	r.artifactsStored.Set(float64(n))
}

// WriteTextfile writes the registry in the text exposition format for the
// node-exporter textfile collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
