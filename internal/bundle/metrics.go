package bundle

import "time"

// Metrics receives bundle processing observations. internal/metrics
// implements it.
type Metrics interface {
	ObserveBundleProcess(result string, d time.Duration)
	AddHashed(files int, bytes int64)
	SetInstancesPublished(n int)
	SetStartupPhase(phase string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveBundleProcess(string, time.Duration) {}
func (nopMetrics) AddHashed(int, int64)                       {}
func (nopMetrics) SetInstancesPublished(int)                  {}
func (nopMetrics) SetStartupPhase(string)                     {}
