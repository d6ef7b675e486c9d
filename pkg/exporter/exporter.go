package exporter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/metrics"
)

// Exporter serves the current run's metrics in Prometheus exposition
// format. It runs inside the supervisor, independent of worker lifecycles.
type Exporter struct {
	aggregator *metrics.Aggregator
	log        *logging.Logger
	server     *http.Server

	registry     *prometheus.Registry
	gpuUsage     *prometheus.GaugeVec
	numJobs      prometheus.Gauge
	successJobs  prometheus.Gauge
	failedJobs   prometheus.Gauge
	jobsInFlight prometheus.Gauge
	avgLatency   prometheus.Gauge
}

// New creates an exporter listening on addr.
func New(addr string, aggregator *metrics.Aggregator, log *logging.Logger) *Exporter {
	e := &Exporter{
		aggregator: aggregator,
		log:        log,
		registry:   prometheus.NewRegistry(),
		gpuUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sdfleet_gpu_usage_percent",
			Help: "GPU utilization per device (0-100)",
		}, []string{"device"}),
		numJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdfleet_jobs_total",
			Help: "Jobs accepted since the current run marker",
		}),
		successJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdfleet_jobs_success_total",
			Help: "Jobs completed since the current run marker",
		}),
		failedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdfleet_jobs_failed_total",
			Help: "Warning-severity log entries since the current run marker",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdfleet_jobs_in_flight",
			Help: "Jobs currently being processed",
		}),
		avgLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdfleet_avg_latency_seconds",
			Help: "Mean total job time for the current run",
		}),
	}

	e.registry.MustRegister(e.gpuUsage, e.numJobs, e.successJobs,
		e.failedJobs, e.jobsInFlight, e.avgLatency)

	router := mux.NewRouter()
	router.HandleFunc("/metrics", e.handleMetrics).Methods(http.MethodGet)
	router.HandleFunc("/health", e.handleHealth).Methods(http.MethodGet)

	e.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return e
}

// Start serves until Shutdown. Blocking.
func (e *Exporter) Start() error {
	e.log.Infof("Metrics exporter listening on %s", e.server.Addr)
	if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("exporter server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

func (e *Exporter) handleMetrics(w http.ResponseWriter, r *http.Request) {
	run, err := e.aggregator.Aggregate()
	if err != nil {
		// A missing run marker is a distinct condition, not zero
		// activity; refuse the scrape instead of serving zeros.
		e.log.Warningf("Metrics scrape failed: %v", err)
		http.Error(w, fmt.Sprintf("aggregation failed: %v", err), http.StatusServiceUnavailable)
		return
	}

	e.gpuUsage.Reset()
	for i, usage := range run.GPUUsage {
		e.gpuUsage.WithLabelValues(strconv.Itoa(i)).Set(usage)
	}
	e.numJobs.Set(float64(run.NumJobs))
	e.successJobs.Set(float64(run.SuccessJobs))
	e.failedJobs.Set(float64(run.FailedJobs))
	e.jobsInFlight.Set(float64(run.JobsInFlight))
	e.avgLatency.Set(run.AvgLatency)

	families, err := e.registry.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("gather failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			e.log.Warningf("Failed to encode metric family: %v", err)
			return
		}
	}
}

func (e *Exporter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
