package events

import "sync/atomic"

// ProgressAggregator tracks cumulative expected vs transferred bytes across
// one drain cycle. Consumers poll Snapshot; the queue resets it when a
// drain cycle ends.
type ProgressAggregator struct {
	expected    atomic.Int64
	transferred atomic.Int64
}

// ProgressSnapshot is a point-in-time byte accounting read.
type ProgressSnapshot struct {
	ExpectedBytes    int64 `json:"expected_bytes"`
	TransferredBytes int64 `json:"transferred_bytes"`
}

// NewProgressAggregator creates an empty aggregator.
func NewProgressAggregator() *ProgressAggregator {
	return &ProgressAggregator{}
}

// AddExpected registers bytes a drain cycle is expected to move.
func (p *ProgressAggregator) AddExpected(n int64) {
	if n > 0 {
		p.expected.Add(n)
	}
}

// AddTransferred registers a byte-count delta reported by a transfer.
func (p *ProgressAggregator) AddTransferred(n int64) {
	if n > 0 {
		p.transferred.Add(n)
	}
}

// Snapshot returns the current counters.
func (p *ProgressAggregator) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		ExpectedBytes:    p.expected.Load(),
		TransferredBytes: p.transferred.Load(),
	}
}

// Reset zeroes both counters at the end of a drain cycle.
func (p *ProgressAggregator) Reset() {
	p.expected.Store(0)
	p.transferred.Store(0)
}
