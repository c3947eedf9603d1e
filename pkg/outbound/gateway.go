package outbound

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/observe"
	"github.com/beeper/bridgekit/pkg/policy"
	"github.com/beeper/bridgekit/pkg/signalbus"
)

// Gateway defaults.
const (
	DefaultParallelism   = 4
	DefaultQueueSize     = 64
	DefaultMaxAttempts   = 5
	DefaultBaseBackoff   = 250 * time.Millisecond
	DefaultMaxBackoff    = 30 * time.Second
	DefaultOpTimeout     = 15 * time.Second
	DefaultThrottleDelay = 50 * time.Millisecond
)

// DegradedAction picks the behavior at the degraded pressure level.
type DegradedAction string

const (
	DegradedThrottle DegradedAction = "throttle"
	DegradedAllow    DegradedAction = "allow"
)

// Config tunes the gateway. Zero values take the documented defaults.
type Config struct {
	Parallelism          int              `yaml:"parallelism"`
	Partitions           int              `yaml:"partitions"` // default 2 × parallelism
	QueueSize            int              `yaml:"queue_size"`
	MaxAttempts          int              `yaml:"max_attempts"`
	BaseBackoff          time.Duration    `yaml:"base_backoff"`
	MaxBackoff           time.Duration    `yaml:"max_backoff"`
	OpTimeout            time.Duration    `yaml:"op_timeout"`
	WarnRatio            float64          `yaml:"warn_ratio"`
	DegradedRatio        float64          `yaml:"degraded_ratio"`
	ShedRatio            float64          `yaml:"shed_ratio"`
	DegradedAction       DegradedAction   `yaml:"degraded_action"`
	ThrottleDelay        time.Duration    `yaml:"throttle_delay"`
	ShedDropPriorities   []model.Priority `yaml:"shed_drop_priorities"`
	IdempotencyCacheSize int              `yaml:"idempotency_cache_size"`
	BreakerEnabled       bool             `yaml:"breaker_enabled"`
	RateLimitPerSecond   float64          `yaml:"rate_limit_per_second"`
	RateLimitBurst       int              `yaml:"rate_limit_burst"`
}

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.Partitions <= 0 {
		c.Partitions = 2 * c.Parallelism
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.WarnRatio <= 0 {
		c.WarnRatio = DefaultWarnRatio
	}
	if c.DegradedRatio <= 0 {
		c.DegradedRatio = DefaultDegradedRatio
	}
	if c.ShedRatio <= 0 {
		c.ShedRatio = DefaultShedRatio
	}
	if c.DegradedAction == "" {
		c.DegradedAction = DegradedThrottle
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = DefaultThrottleDelay
	}
	if c.ShedDropPriorities == nil {
		c.ShedDropPriorities = []model.Priority{model.PriorityLow}
	}
	if c.IdempotencyCacheSize <= 0 {
		c.IdempotencyCacheSize = 512
	}
	return c
}

// AdapterSource resolves a running adapter for a bridge id. The bridge
// registry implements this.
type AdapterSource interface {
	Adapter(bridgeID string) (adapter.Adapter, error)
}

// CaptureFunc persists a dead letter for a terminal failure and returns
// its id. The dead letter service implements this.
type CaptureFunc func(ctx context.Context, req *model.OutboundRequest, oerr *Error, diags model.DeadLetterDiagnostics) (string, error)

// Deps wires the gateway's collaborators.
type Deps struct {
	Adapters AdapterSource
	Security policy.Security
	Media    policy.MediaPolicy
	Capture  CaptureFunc
	Bus      *signalbus.Bus
	Observer observe.Observer
	Log      zerolog.Logger
	Now      func() time.Time
	// Sleep is the retry/throttle sleeper; overridable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway is the partitioned outbound dispatcher. Submit blocks until the
// request reaches a terminal state (success, exhausted retries, or
// admission rejection).
type Gateway struct {
	cfg        Config
	deps       Deps
	limits     *bridgeLimits
	partitions []*partition

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Gateway. Call Start before submitting.
func New(cfg Config, deps Deps) *Gateway {
	cfg = cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Observer == nil {
		deps.Observer = observe.Nop{}
	}
	if deps.Security == nil {
		deps.Security = &policy.BasicSecurity{}
	}
	if deps.Media == nil {
		deps.Media = &policy.BasicMediaPolicy{}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	g := &Gateway{cfg: cfg, deps: deps, limits: newBridgeLimits(cfg)}
	for i := 0; i < cfg.Partitions; i++ {
		g.partitions = append(g.partitions, newPartition(i, g))
	}
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PartitionCount returns the number of partitions.
func (g *Gateway) PartitionCount() int {
	return len(g.partitions)
}

// QueueDepth returns the queued job count for one partition.
func (g *Gateway) QueueDepth(partition int) int {
	if partition < 0 || partition >= len(g.partitions) {
		return 0
	}
	return len(g.partitions[partition].queue)
}

// Start launches the partition workers.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	for _, part := range g.partitions {
		g.wg.Add(1)
		go func(p *partition) {
			defer g.wg.Done()
			p.run(ctx)
		}(part)
	}
}

// Stop drains the partitions. New submissions are rejected immediately;
// queued jobs get until ctx's deadline to finish, after which workers are
// cancelled and the remaining jobs fail terminally (and dead-letter).
func (g *Gateway) Stop(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for _, part := range g.partitions {
		close(part.queue)
	}
	cancel := g.cancel
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

// PartitionFor exposes the partition index a routing key maps to.
func (g *Gateway) PartitionFor(routingKey string) int {
	return partitionIndex(routingKey, len(g.partitions))
}

func partitionIndex(routingKey string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(routingKey))
	return int(h.Sum32() % uint32(count))
}

// validate rejects malformed requests before admission.
func validate(req *model.OutboundRequest) *Error {
	fail := func(reason string) *Error {
		return &Error{
			Category: CategoryTerminal, Disposition: "terminal",
			Operation: req.Operation, Reason: reason,
			MaxAttempts: 0, Retryable: false,
		}
	}
	switch req.Operation {
	case model.OpSend, model.OpEdit, model.OpSendMedia, model.OpEditMedia:
	default:
		return fail("unsupported_operation")
	}
	if req.Channel == "" {
		return fail("invalid_request:channel")
	}
	if req.BridgeID == "" {
		return fail("invalid_request:bridge_id")
	}
	if req.ExternalRoomID == "" {
		return fail("invalid_request:external_room_id")
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if !model.KnownPriority(req.Priority) {
		return fail("invalid_request:priority")
	}
	if req.Operation.IsMedia() {
		if req.Media == nil {
			return fail("invalid_request:media")
		}
	} else if req.Text == "" {
		return fail("invalid_request:text")
	}
	if req.Operation.IsEdit() && req.ExternalMessageID == "" {
		return fail("missing_external_message_id")
	}
	return nil
}

// Submit validates, admits, and enqueues the request, then blocks until a
// terminal result. The request's RoutingKey is filled when empty.
func (g *Gateway) Submit(ctx context.Context, req *model.OutboundRequest) *Result {
	if oerr := validate(req); oerr != nil {
		return &Result{Err: oerr}
	}
	if req.RoutingKey == "" {
		req.RoutingKey = model.RoutingKeyFor(req.BridgeID, req.ExternalRoomID)
	}
	idx := partitionIndex(req.RoutingKey, len(g.partitions))
	part := g.partitions[idx]

	occupancy := float64(len(part.queue)) / float64(g.cfg.QueueSize)
	level := g.cfg.levelFor(occupancy)
	part.noteLevel(level, occupancy)

	switch level {
	case LevelShed:
		if g.priorityShed(req.Priority) {
			return g.saturationResult(ctx, req, part, "load_shed", occupancy, level)
		}
	case LevelDegraded:
		if g.cfg.DegradedAction == DegradedThrottle {
			if err := g.deps.Sleep(ctx, g.cfg.ThrottleDelay); err != nil {
				return g.canceledResult(req, part)
			}
		}
	}

	job := &job{req: req, resultCh: make(chan *Result, 1)}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return g.canceledResult(req, part)
	}
	select {
	case part.queue <- job:
		g.mu.Unlock()
	default:
		g.mu.Unlock()
		return g.saturationResult(ctx, req, part, "queue_full", 1.0, level)
	}
	g.deps.Observer.QueueDepth(part.idx, len(part.queue), g.cfg.QueueSize)

	select {
	case result := <-job.resultCh:
		return result
	case <-ctx.Done():
		// The job stays queued and will still run; the caller just
		// stops waiting.
		return g.canceledResult(req, part)
	}
}

func (g *Gateway) priorityShed(p model.Priority) bool {
	for _, drop := range g.cfg.ShedDropPriorities {
		if p == drop {
			return true
		}
	}
	return false
}

func (g *Gateway) saturationResult(ctx context.Context, req *model.OutboundRequest, part *partition, reason string, occupancy float64, level Level) *Result {
	oerr := &Error{
		Category: CategoryTerminal, Disposition: "terminal",
		Operation: req.Operation, Reason: reason,
		Attempt: 0, MaxAttempts: g.cfg.MaxAttempts,
		Partition: part.idx, RoutingKey: req.RoutingKey,
	}
	if !req.DeadLetterReplay && g.deps.Capture != nil {
		diags := model.DeadLetterDiagnostics{
			Partition: part.idx, QueueSize: len(part.queue),
			QueueCapacity: g.cfg.QueueSize, PressureLevel: string(level),
			Occupancy: occupancy,
		}
		if id, err := g.deps.Capture(ctx, req, oerr, diags); err == nil {
			oerr.DeadLetterID = id
		} else {
			g.deps.Log.Error().Err(err).Msg("dead letter capture failed")
		}
	}
	g.deps.Observer.OutboundCompleted(observe.OutboundResult{
		Operation: string(req.Operation), BridgeID: req.BridgeID,
		Partition: part.idx, Category: string(CategoryTerminal), Reason: reason,
	})
	return &Result{Partition: part.idx, Err: oerr}
}

func (g *Gateway) canceledResult(req *model.OutboundRequest, part *partition) *Result {
	return &Result{Partition: part.idx, Err: &Error{
		Category: CategoryTerminal, Disposition: "terminal",
		Operation: req.Operation, Reason: "submit_canceled",
		MaxAttempts: g.cfg.MaxAttempts, Partition: part.idx,
		RoutingKey: req.RoutingKey,
	}}
}
