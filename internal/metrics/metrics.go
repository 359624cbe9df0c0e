// Package metrics provides Prometheus metrics collection for monotonicity sweeps.
// It defines the training and sweep metrics exposed via the Prometheus
// metrics endpoint while a sweep is running.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sweep driver.
type Metrics struct {
	// Run metrics
	RunsTotal    prometheus.Counter   // Training runs completed
	RunFailures  prometheus.Counter   // Training runs that failed or panicked
	RunsReused   prometheus.Counter   // Records copied from the unconstrained run
	RunDuration  prometheus.Histogram // Wall time of a training run
	EarlyStops   prometheus.Counter   // Runs stopped by early stopping
	LRReductions prometheus.Counter   // Learning-rate reductions on plateau
	Epochs       prometheus.Histogram // Epochs or backfit rounds per run

	// Adjustment metrics
	AdjusterWeights prometheus.Histogram // Effective weights after each adjuster step

	// Evaluation metrics
	TestMSE *prometheus.GaugeVec // Test error per subset and lambda

	// Data metrics
	DatasetRows prometheus.Gauge // Usable rows after cleaning
	RowsDropped prometheus.Gauge // Rows dropped during cleaning
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Total number of completed training runs",
		}),
		RunFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sweep_run_failures_total",
			Help: "Total number of failed training runs",
		}),
		RunsReused: factory.NewCounter(prometheus.CounterOpts{
			Name: "sweep_runs_reused_total",
			Help: "Total number of records reused from the unconstrained run",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweep_run_duration_seconds",
			Help:    "Duration of a training run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		EarlyStops: factory.NewCounter(prometheus.CounterOpts{
			Name: "training_early_stops_total",
			Help: "Total number of runs stopped early",
		}),
		LRReductions: factory.NewCounter(prometheus.CounterOpts{
			Name: "training_lr_reductions_total",
			Help: "Total number of learning rate reductions on plateau",
		}),
		Epochs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "training_epochs",
			Help:    "Epochs or backfit rounds run before stopping",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
		AdjusterWeights: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adjuster_weights",
			Help:    "Effective monotonic adjustment weights after each update",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		TestMSE: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sweep_test_mse",
			Help: "Test mean squared error of the latest run per subset and lambda",
		}, []string{"subset", "lambda"}),
		DatasetRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataset_rows",
			Help: "Number of usable rows after cleaning",
		}),
		RowsDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataset_rows_dropped",
			Help: "Number of rows dropped during cleaning",
		}),
	}
}

// SetDataset records the size of the cleaned dataset.
func (m *Metrics) SetDataset(rows, dropped int) {
	m.DatasetRows.Set(float64(rows))
	m.RowsDropped.Set(float64(dropped))
}

func lambdaLabel(lambda float64) string {
	return strconv.FormatFloat(lambda, 'g', -1, 64)
}
