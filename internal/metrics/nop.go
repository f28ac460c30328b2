package metrics

import "time"

// NopMetrics discards everything. Useful for tests.
type NopMetrics struct{}

var _ Recorder = (*NopMetrics)(nil)

func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (n *NopMetrics) RecordOutcome(string) {}

func (n *NopMetrics) RecordPage(int, time.Duration) {}

func (n *NopMetrics) RecordScanFailure() {}

func (n *NopMetrics) RecordSweep(int, int, int, int, int, time.Duration) {}
