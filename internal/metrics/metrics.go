// Package metrics provides Prometheus metrics for the healthdata ETL.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ETL.
//
// All methods are safe to call on a nil *Metrics, so components can record
// unconditionally with metrics.Get() whether or not Init was called.
type Metrics struct {
	// Run metrics
	RunsTotal         *prometheus.CounterVec
	LastSuccessfulRun prometheus.Gauge
	LastRunDuration   prometheus.Gauge
	LatestReportDate  prometheus.Gauge
	RunInProgress     prometheus.Gauge

	// Stage metrics
	StageDuration *prometheus.HistogramVec
	StageAttempts *prometheus.CounterVec
	StageRetries  *prometheus.CounterVec
	StageFailures *prometheus.CounterVec

	// Data volume
	RecordsExtracted prometheus.Counter
	RecordsLoaded    prometheus.Counter
	PagesFetched     prometheus.Counter

	// Error metrics
	HTTPErrors    *prometheus.CounterVec
	ArchiveErrors *prometheus.CounterVec
	NotifyErrors  prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "healthdata_etl"
	}

	m := &Metrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by final status",
			},
			[]string{"status"},
		),
		LastSuccessfulRun: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run",
			},
		),
		LastRunDuration: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_duration_seconds",
				Help:      "Wall time of the most recent run",
			},
		),
		LatestReportDate: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "latest_report_date_seconds",
				Help:      "Unix time of the newest report date loaded",
			},
		),
		RunInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_in_progress",
				Help:      "1 while a run is executing",
			},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in a stage attempt",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
			},
			[]string{"stage", "outcome"},
		),
		StageAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_attempts_total",
				Help:      "Total number of stage attempts",
			},
			[]string{"stage"},
		),
		StageRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Total number of stage retries scheduled",
			},
			[]string{"stage"},
		),
		StageFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of stages that failed after all retries",
			},
			[]string{"stage"},
		),
		RecordsExtracted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_extracted_total",
				Help:      "Total number of records fetched from the source API",
			},
		),
		RecordsLoaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_loaded_total",
				Help:      "Total number of records written to the fact table",
			},
		),
		PagesFetched: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_fetched_total",
				Help:      "Total number of API pages fetched",
			},
		),
		HTTPErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_errors_total",
				Help:      "Source API errors by class",
			},
			[]string{"class"}, // network | 4xx | 5xx | 429 | decode
		),
		ArchiveErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_errors_total",
				Help:      "Total number of handoff archive write errors",
			},
			[]string{"backend"},
		),
		NotifyErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_errors_total",
				Help:      "Total number of completion notifications that failed",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer serves /metrics and /health on address until ctx is done.
func StartServer(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// IncRuns increments the run counter for a final status.
func (m *Metrics) IncRuns(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

// SetLastSuccess records the completion time of a successful run.
func (m *Metrics) SetLastSuccess(t time.Time) {
	if m == nil {
		return
	}
	m.LastSuccessfulRun.Set(float64(t.Unix()))
}

// SetLastRunDuration records the wall time of the latest run.
func (m *Metrics) SetLastRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.LastRunDuration.Set(d.Seconds())
}

// SetLatestReportDate records the newest report date in the warehouse.
func (m *Metrics) SetLatestReportDate(t time.Time) {
	if m == nil {
		return
	}
	m.LatestReportDate.Set(float64(t.Unix()))
}

// SetRunInProgress flags whether a run is executing.
func (m *Metrics) SetRunInProgress(running bool) {
	if m == nil {
		return
	}
	if running {
		m.RunInProgress.Set(1)
		return
	}
	m.RunInProgress.Set(0)
}

// ObserveStage records one stage attempt and its duration.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stage).Inc()
	m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// IncStageRetries increments the retry counter for a stage.
func (m *Metrics) IncStageRetries(stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(stage).Inc()
}

// IncStageFailures increments the terminal failure counter for a stage.
func (m *Metrics) IncStageFailures(stage string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(stage).Inc()
}

// AddRecordsExtracted adds to the extracted records counter.
func (m *Metrics) AddRecordsExtracted(n int) {
	if m == nil {
		return
	}
	m.RecordsExtracted.Add(float64(n))
}

// AddRecordsLoaded adds to the loaded records counter.
func (m *Metrics) AddRecordsLoaded(n int) {
	if m == nil {
		return
	}
	m.RecordsLoaded.Add(float64(n))
}

// IncPagesFetched increments the pages fetched counter.
func (m *Metrics) IncPagesFetched() {
	if m == nil {
		return
	}
	m.PagesFetched.Inc()
}

// IncHTTPErrors increments the source API error counter.
func (m *Metrics) IncHTTPErrors(class string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(class).Inc()
}

// IncArchiveErrors increments the archive error counter.
func (m *Metrics) IncArchiveErrors(backend string) {
	if m == nil {
		return
	}
	m.ArchiveErrors.WithLabelValues(backend).Inc()
}

// IncNotifyErrors increments the notification error counter.
func (m *Metrics) IncNotifyErrors() {
	if m == nil {
		return
	}
	m.NotifyErrors.Inc()
}
