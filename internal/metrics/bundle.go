package metrics

import "time"

// ObserveBundleProcess satisfies bundle.Metrics.
func (m *ServerMetrics) ObserveBundleProcess(result string, d time.Duration) {
	m.bundlesProcessed.WithLabelValues(result).Inc()
	m.bundleDuration.Observe(d.Seconds())
}

func (m *ServerMetrics) AddHashed(files int, bytes int64) {
	m.filesHashed.Add(float64(files))
	m.bytesHashed.Add(float64(bytes))
}

func (m *ServerMetrics) SetInstancesPublished(n int) {
	m.instancesPublished.Set(float64(n))
}

// SetStartupPhase leaves exactly one phase label at 1.
func (m *ServerMetrics) SetStartupPhase(phase string) {
	m.startupPhase.Reset()
	m.startupPhase.WithLabelValues(phase).Set(1)
}

// IncSourceSyncObject satisfies source.Metrics.
func (m *ServerMetrics) IncSourceSyncObject(result string) {
	m.sourceSyncObjects.WithLabelValues(result).Inc()
}
