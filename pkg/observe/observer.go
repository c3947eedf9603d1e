// Package observe defines the structured telemetry callbacks the runtime
// emits, replacing ad-hoc event tuples with one typed interface per event
// family. Implementations may log, aggregate into Prometheus, or both.
package observe

import (
	"time"
)

// IngestStage describes one completed pipeline stage.
type IngestStage struct {
	Stage    string
	Outcome  string
	Channel  string
	BridgeID string
	Elapsed  time.Duration
}

// OutboundResult describes one finished gateway job.
type OutboundResult struct {
	Operation  string
	BridgeID   string
	Partition  int
	Attempts   int
	OK         bool
	Idempotent bool
	Category   string
	Reason     string
	Elapsed    time.Duration
}

// Observer receives runtime telemetry. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	IngestStageCompleted(stage IngestStage)
	IngestCompleted(outcome string, elapsed time.Duration)
	PressureTransition(partition int, from, to string, occupancy float64)
	QueueDepth(partition, depth, capacity int)
	RetryScheduled(partition, attempt int, delay time.Duration)
	OutboundCompleted(result OutboundResult)
	DeadLetterCaptured(bridgeID, reason string)
	DeadLetterReplayed(status string)
	SignalDropped(topic string)
	WorkerRestarted(subtree, name string)
}

// Nop discards all telemetry.
type Nop struct{}

var _ Observer = Nop{}

func (Nop) IngestStageCompleted(IngestStage)                  {}
func (Nop) IngestCompleted(string, time.Duration)             {}
func (Nop) PressureTransition(int, string, string, float64)   {}
func (Nop) QueueDepth(int, int, int)                          {}
func (Nop) RetryScheduled(int, int, time.Duration)            {}
func (Nop) OutboundCompleted(OutboundResult)                  {}
func (Nop) DeadLetterCaptured(string, string)                 {}
func (Nop) DeadLetterReplayed(string)                         {}
func (Nop) SignalDropped(string)                              {}
func (Nop) WorkerRestarted(string, string)                    {}

// Multi fans telemetry out to several observers.
type Multi []Observer

var _ Observer = Multi{}

func (m Multi) IngestStageCompleted(stage IngestStage) {
	for _, o := range m {
		o.IngestStageCompleted(stage)
	}
}

func (m Multi) IngestCompleted(outcome string, elapsed time.Duration) {
	for _, o := range m {
		o.IngestCompleted(outcome, elapsed)
	}
}

func (m Multi) PressureTransition(partition int, from, to string, occupancy float64) {
	for _, o := range m {
		o.PressureTransition(partition, from, to, occupancy)
	}
}

func (m Multi) QueueDepth(partition, depth, capacity int) {
	for _, o := range m {
		o.QueueDepth(partition, depth, capacity)
	}
}

func (m Multi) RetryScheduled(partition, attempt int, delay time.Duration) {
	for _, o := range m {
		o.RetryScheduled(partition, attempt, delay)
	}
}

func (m Multi) OutboundCompleted(result OutboundResult) {
	for _, o := range m {
		o.OutboundCompleted(result)
	}
}

func (m Multi) DeadLetterCaptured(bridgeID, reason string) {
	for _, o := range m {
		o.DeadLetterCaptured(bridgeID, reason)
	}
}

func (m Multi) DeadLetterReplayed(status string) {
	for _, o := range m {
		o.DeadLetterReplayed(status)
	}
}

func (m Multi) SignalDropped(topic string) {
	for _, o := range m {
		o.SignalDropped(topic)
	}
}

func (m Multi) WorkerRestarted(subtree, name string) {
	for _, o := range m {
		o.WorkerRestarted(subtree, name)
	}
}
