package observe

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus aggregates telemetry into Prometheus collectors. Register the
// collectors with MustRegister before serving /metrics.
type Prometheus struct {
	ingestStages   *prometheus.HistogramVec
	ingestOutcomes *prometheus.CounterVec
	pressure       *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	retries        *prometheus.CounterVec
	outbound       *prometheus.HistogramVec
	outboundErrors *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	replays        *prometheus.CounterVec
	signalDrops    *prometheus.CounterVec
	restarts       *prometheus.CounterVec
}

var _ Observer = (*Prometheus)(nil)

// NewPrometheus builds the collector set under the bridgekit namespace.
func NewPrometheus() *Prometheus {
	return &Prometheus{
		ingestStages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridgekit",
			Name:      "ingest_stage_seconds",
			Help:      "Latency of each ingest pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"stage", "outcome"}),
		ingestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "ingest_total",
			Help:      "Ingest pipeline completions by outcome.",
		}, []string{"outcome"}),
		pressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "pressure_transitions_total",
			Help:      "Outbound partition pressure level transitions.",
		}, []string{"partition", "to"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridgekit",
			Name:      "outbound_queue_depth",
			Help:      "Outbound partition queue depth.",
		}, []string{"partition"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "outbound_retries_total",
			Help:      "Outbound retries scheduled.",
		}, []string{"partition"}),
		outbound: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridgekit",
			Name:      "outbound_seconds",
			Help:      "End-to-end outbound job latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"operation", "ok"}),
		outboundErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "outbound_errors_total",
			Help:      "Terminal outbound errors by category and reason.",
		}, []string{"category", "reason"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "dead_letters_total",
			Help:      "Dead letters captured.",
		}, []string{"bridge_id"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "dead_letter_replays_total",
			Help:      "Dead letter replay results.",
		}, []string{"status"}),
		signalDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "signal_drops_total",
			Help:      "Signals dropped on full subscriber buffers.",
		}, []string{"topic"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "worker_restarts_total",
			Help:      "Supervised worker restarts.",
		}, []string{"subtree"}),
	}
}

// MustRegister registers every collector with the given registerer.
func (p *Prometheus) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		p.ingestStages, p.ingestOutcomes, p.pressure, p.queueDepth,
		p.retries, p.outbound, p.outboundErrors, p.deadLetters,
		p.replays, p.signalDrops, p.restarts,
	)
}

func (p *Prometheus) IngestStageCompleted(stage IngestStage) {
	p.ingestStages.WithLabelValues(stage.Stage, stage.Outcome).Observe(stage.Elapsed.Seconds())
}

func (p *Prometheus) IngestCompleted(outcome string, elapsed time.Duration) {
	p.ingestOutcomes.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) PressureTransition(partition int, from, to string, occupancy float64) {
	p.pressure.WithLabelValues(strconv.Itoa(partition), to).Inc()
}

func (p *Prometheus) QueueDepth(partition, depth, capacity int) {
	p.queueDepth.WithLabelValues(strconv.Itoa(partition)).Set(float64(depth))
}

func (p *Prometheus) RetryScheduled(partition, attempt int, delay time.Duration) {
	p.retries.WithLabelValues(strconv.Itoa(partition)).Inc()
}

func (p *Prometheus) OutboundCompleted(result OutboundResult) {
	p.outbound.WithLabelValues(result.Operation, strconv.FormatBool(result.OK)).Observe(result.Elapsed.Seconds())
	if !result.OK {
		p.outboundErrors.WithLabelValues(result.Category, result.Reason).Inc()
	}
}

func (p *Prometheus) DeadLetterCaptured(bridgeID, reason string) {
	p.deadLetters.WithLabelValues(bridgeID).Inc()
}

func (p *Prometheus) DeadLetterReplayed(status string) {
	p.replays.WithLabelValues(status).Inc()
}

func (p *Prometheus) SignalDropped(topic string) {
	p.signalDrops.WithLabelValues(topic).Inc()
}

func (p *Prometheus) WorkerRestarted(subtree, name string) {
	p.restarts.WithLabelValues(subtree).Inc()
}
