package metrics

// MetricsWrapper exposes Metrics through the narrow method set the trainer
// and sweeper depend on.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) RunsInc() {
	w.m.RunsTotal.Inc()
}

func (w *MetricsWrapper) RunFailuresInc() {
	w.m.RunFailures.Inc()
}

func (w *MetricsWrapper) RunsReusedInc() {
	w.m.RunsReused.Inc()
}

func (w *MetricsWrapper) EarlyStopsInc() {
	w.m.EarlyStops.Inc()
}

func (w *MetricsWrapper) LRReductionsInc() {
	w.m.LRReductions.Inc()
}

func (w *MetricsWrapper) EpochsObserve(v float64) {
	w.m.Epochs.Observe(v)
}

func (w *MetricsWrapper) RunDurationObserve(v float64) {
	w.m.RunDuration.Observe(v)
}

func (w *MetricsWrapper) TestMSESet(subset string, lambda float64, v float64) {
	w.m.TestMSE.WithLabelValues(subset, lambdaLabel(lambda)).Set(v)
}

func (w *MetricsWrapper) AdjusterWeightsObserve(weights []float64) {
	for _, v := range weights {
		w.m.AdjusterWeights.Observe(v)
	}
}
