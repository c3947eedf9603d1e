package observe

import (
	"time"

	"github.com/rs/zerolog"
)

// Zerolog writes telemetry as structured debug/info logs.
type Zerolog struct {
	Log zerolog.Logger
}

var _ Observer = (*Zerolog)(nil)

func (z *Zerolog) IngestStageCompleted(stage IngestStage) {
	z.Log.Debug().
		Str("stage", stage.Stage).
		Str("outcome", stage.Outcome).
		Str("channel", stage.Channel).
		Str("bridge_id", stage.BridgeID).
		Dur("elapsed", stage.Elapsed).
		Msg("ingest stage")
}

func (z *Zerolog) IngestCompleted(outcome string, elapsed time.Duration) {
	z.Log.Debug().Str("outcome", outcome).Dur("elapsed", elapsed).Msg("ingest completed")
}

func (z *Zerolog) PressureTransition(partition int, from, to string, occupancy float64) {
	z.Log.Info().
		Int("partition", partition).
		Str("from", from).
		Str("to", to).
		Float64("occupancy", occupancy).
		Msg("pressure transition")
}

func (z *Zerolog) QueueDepth(partition, depth, capacity int) {
	z.Log.Debug().Int("partition", partition).Int("depth", depth).Int("capacity", capacity).Msg("queue depth")
}

func (z *Zerolog) RetryScheduled(partition, attempt int, delay time.Duration) {
	z.Log.Debug().Int("partition", partition).Int("attempt", attempt).Dur("delay", delay).Msg("retry scheduled")
}

func (z *Zerolog) OutboundCompleted(result OutboundResult) {
	evt := z.Log.Debug()
	if !result.OK {
		evt = z.Log.Warn().Str("category", result.Category).Str("reason", result.Reason)
	}
	evt.
		Str("operation", result.Operation).
		Str("bridge_id", result.BridgeID).
		Int("partition", result.Partition).
		Int("attempts", result.Attempts).
		Bool("idempotent", result.Idempotent).
		Dur("elapsed", result.Elapsed).
		Msg("outbound completed")
}

func (z *Zerolog) DeadLetterCaptured(bridgeID, reason string) {
	z.Log.Warn().Str("bridge_id", bridgeID).Str("reason", reason).Msg("dead letter captured")
}

func (z *Zerolog) DeadLetterReplayed(status string) {
	z.Log.Info().Str("status", status).Msg("dead letter replay finished")
}

func (z *Zerolog) SignalDropped(topic string) {
	z.Log.Debug().Str("topic", topic).Msg("signal dropped")
}

func (z *Zerolog) WorkerRestarted(subtree, name string) {
	z.Log.Warn().Str("subtree", subtree).Str("worker", name).Msg("worker restarted")
}
