package tlscontext

import "sync"

// ResetMetricsForTest clears the cached collector so tests can reinitialize
// its instruments against a fresh MeterProvider. This is intended for use in
// test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	ctxMetricsInst = nil
}
