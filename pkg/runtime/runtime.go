// Package runtime assembles the messaging runtime: store, config store,
// dedupe, signal bus, ingest pipeline, routers, gateway, dead letter
// service, and the supervision topology binding them together.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/bridgeworker"
	"github.com/beeper/bridgekit/pkg/configstore"
	"github.com/beeper/bridgekit/pkg/deadletter"
	"github.com/beeper/bridgekit/pkg/dedupe"
	"github.com/beeper/bridgekit/pkg/inbound"
	"github.com/beeper/bridgekit/pkg/ingest"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/observe"
	"github.com/beeper/bridgekit/pkg/outbound"
	"github.com/beeper/bridgekit/pkg/policy"
	"github.com/beeper/bridgekit/pkg/roomworker"
	"github.com/beeper/bridgekit/pkg/signalbus"
	"github.com/beeper/bridgekit/pkg/store"
	"github.com/beeper/bridgekit/pkg/supervise"
)

// Maintenance schedules the periodic jobs the runtime drives through its
// cron scheduler.
type Maintenance struct {
	// DedupeSweepSpec is a robfig/cron spec; empty uses "@every 1m".
	DedupeSweepSpec string `yaml:"dedupe_sweep_spec"`
	// DeadLetterPurgeSpec is a robfig/cron spec; empty uses "@every 1h".
	DeadLetterPurgeSpec string `yaml:"dead_letter_purge_spec"`
	// DeadLetterRetention bounds how long archived records are kept.
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention"`
	// Disabled turns the scheduler off (tests).
	Disabled bool `yaml:"disabled"`
}

func (m Maintenance) withDefaults() Maintenance {
	if m.DedupeSweepSpec == "" {
		m.DedupeSweepSpec = "@every 1m"
	}
	if m.DeadLetterPurgeSpec == "" {
		m.DeadLetterPurgeSpec = "@every 1h"
	}
	if m.DeadLetterRetention <= 0 {
		m.DeadLetterRetention = 72 * time.Hour
	}
	return m
}

// Config assembles an Instance. Store, Adapters, and Handler are the only
// fields most embedders set; everything else has working defaults.
type Config struct {
	InstanceName string
	Log          zerolog.Logger
	Store        store.Store
	Adapters     *adapter.Registry
	Observer     observe.Observer
	Handler      roomworker.Handler

	Gaters         []policy.Gater
	Moderators     []policy.Moderator
	Security       policy.Security
	Media          policy.MediaPolicy
	MentionParsers map[string]adapter.MentionParser

	Ingest     ingest.Config
	Gateway    outbound.Config
	DeadLetter deadletter.Config
	Rooms      roomworker.Config

	DedupeTTL        time.Duration
	DedupeMaxEntries int
	BusBuffer        int

	Maintenance     Maintenance
	ShutdownTimeout time.Duration
}

// Instance is one running messaging runtime.
type Instance struct {
	cfg Config
	log zerolog.Logger
	obs observe.Observer
	now func() time.Time

	store   store.Store
	configs *configstore.ConfigStore
	deduper *dedupe.Deduper
	bus     *signalbus.Bus

	rootSup    *supervise.Supervisor
	roomSup    *supervise.Supervisor
	bridgeSup  *supervise.Supervisor
	replaySup  *supervise.Supervisor

	bridges        *bridgeworker.Registry
	rooms          *roomworker.Registry
	pipeline       *ingest.Pipeline
	inboundRouter  *inbound.Router
	outboundRouter *outbound.Router
	gateway        *outbound.Gateway
	deadletters    *deadletter.Service
	scheduler      *cron.Cron

	fatal chan string

	mu      sync.Mutex
	started bool
	stopped bool
}

// New wires an Instance. Call Start before routing traffic.
func New(cfg Config) (*Instance, error) {
	if cfg.Adapters == nil {
		return nil, fmt.Errorf("runtime config requires an adapter registry")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemStore()
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = "bridgekit"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	cfg.Maintenance = cfg.Maintenance.withDefaults()

	log := cfg.Log.With().Str("instance", cfg.InstanceName).Logger()
	obs := cfg.Observer
	if obs == nil {
		obs = &observe.Zerolog{Log: log}
	}

	inst := &Instance{
		cfg:     cfg,
		log:     log,
		obs:     obs,
		now:     time.Now,
		store:   cfg.Store,
		configs: configstore.New(),
		fatal:   make(chan string, 1),
	}

	inst.bus = signalbus.New(
		signalbus.WithBufferSize(cfg.BusBuffer),
		signalbus.WithDropHandler(obs.SignalDropped),
	)

	dedupeOpts := []dedupe.Option{}
	if cfg.DedupeTTL > 0 {
		dedupeOpts = append(dedupeOpts, dedupe.WithTTL(cfg.DedupeTTL))
	}
	if cfg.DedupeMaxEntries > 0 {
		dedupeOpts = append(dedupeOpts, dedupe.WithMaxEntries(cfg.DedupeMaxEntries))
	}
	inst.deduper = dedupe.New(dedupeOpts...)

	// Supervision subtrees with their restart intensities. Exhaustion of
	// any non-root subtree escalates to the root budget; root exhaustion
	// is fatal.
	inst.rootSup = supervise.New(supervise.Config{
		Name:      "root",
		Intensity: supervise.Intensity{MaxRestarts: 3, Window: 10 * time.Second},
		Observer:  obs,
		Log:       log,
		OnExhausted: func(name string) {
			select {
			case inst.fatal <- name:
			default:
			}
		},
	})
	escalate := inst.escalate
	inst.roomSup = supervise.New(supervise.Config{
		Name:        "rooms",
		Intensity:   supervise.Intensity{MaxRestarts: 20, Window: time.Minute},
		Observer:    obs,
		Log:         log,
		OnExhausted: escalate,
	})
	inst.bridgeSup = supervise.New(supervise.Config{
		Name:        "bridges",
		Intensity:   supervise.Intensity{MaxRestarts: 6, Window: 30 * time.Second},
		Observer:    obs,
		Log:         log,
		OnExhausted: escalate,
	})
	inst.replaySup = supervise.New(supervise.Config{
		Name:        "replay",
		Intensity:   supervise.Intensity{MaxRestarts: 10, Window: time.Minute},
		Observer:    obs,
		Log:         log,
		OnExhausted: escalate,
	})

	inst.bridges = bridgeworker.NewRegistry(bridgeworker.Deps{
		Adapters:   cfg.Adapters,
		Supervisor: inst.bridgeSup,
		Log:        log,
	})

	inst.deadletters = deadletter.New(deadletter.Config{
		ReplayPartitions: cfg.DeadLetter.ReplayPartitions,
		Instance:         cfg.InstanceName,
	}, deadletter.Deps{
		Store:    inst.store,
		Submit:   func(ctx context.Context, req *model.OutboundRequest) *outbound.Result { return inst.gateway.Submit(ctx, req) },
		Bus:      inst.bus,
		Observer: obs,
		Log:      log,
	})

	inst.gateway = outbound.New(cfg.Gateway, outbound.Deps{
		Adapters: inst.bridges,
		Security: cfg.Security,
		Media:    cfg.Media,
		Capture:  inst.deadletters.Capture,
		Bus:      inst.bus,
		Observer: obs,
		Log:      log,
	})

	inst.outboundRouter = outbound.NewRouter(outbound.RouterDeps{
		Configs: inst.configs,
		Store:   inst.store,
		Gateway: inst.gateway,
		Bus:     inst.bus,
		Log:     log,
	})

	inst.rooms = roomworker.NewRegistry(cfg.Rooms, roomworker.Deps{
		Store:      inst.store,
		Bus:        inst.bus,
		Router:     inst.outboundRouter,
		Handler:    cfg.Handler,
		Supervisor: inst.roomSup,
		Log:        log,
	})

	inst.pipeline = ingest.New(cfg.Ingest, ingest.Deps{
		Store:          inst.store,
		Deduper:        inst.deduper,
		Bus:            inst.bus,
		Gaters:         cfg.Gaters,
		Moderators:     cfg.Moderators,
		MentionParsers: cfg.MentionParsers,
		Observer:       obs,
		Log:            log,
		Deliver:        inst.rooms.Deliver,
	})

	inst.inboundRouter = inbound.NewRouter(inbound.Deps{
		Configs: inst.configs,
		Bridges: inst.bridges,
		Ingest:  inst.pipeline,
		Log:     log,
	})

	return inst, nil
}

// escalate records a subtree exhaustion against the root budget by
// running a child that immediately fails.
func (i *Instance) escalate(name string) {
	i.log.Error().Str("child", name).Msg("supervision subtree exhausted, escalating to root")
	_ = i.rootSup.StartChild(supervise.Spec{
		Name: "escalation:" + name + ":" + i.now().Format(time.RFC3339Nano),
		Run: func(ctx context.Context) error {
			return fmt.Errorf("subtree %s exhausted its restart intensity", name)
		},
	})
}

// Fatal delivers the name of the child whose failure exhausted the root
// supervisor. Receiving from it means the runtime should exit.
func (i *Instance) Fatal() <-chan string {
	return i.fatal
}

// Start launches the gateway partitions, the replay workers, and the
// maintenance scheduler.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return nil
	}
	i.started = true

	i.gateway.Start()
	i.deadletters.Start()

	if !i.cfg.Maintenance.Disabled {
		i.scheduler = cron.New()
		if _, err := i.scheduler.AddFunc(i.cfg.Maintenance.DedupeSweepSpec, func() {
			if removed := i.deduper.Sweep(); removed > 0 {
				i.log.Debug().Int("removed", removed).Msg("dedupe sweep")
			}
		}); err != nil {
			return fmt.Errorf("schedule dedupe sweep: %w", err)
		}
		if _, err := i.scheduler.AddFunc(i.cfg.Maintenance.DeadLetterPurgeSpec, func() {
			cutoff := i.now().Add(-i.cfg.Maintenance.DeadLetterRetention)
			purgeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if purged, err := i.deadletters.Purge(purgeCtx, cutoff); err != nil {
				i.log.Warn().Err(err).Msg("dead letter purge failed")
			} else if purged > 0 {
				i.log.Info().Int("purged", purged).Msg("dead letter purge")
			}
		}); err != nil {
			return fmt.Errorf("schedule dead letter purge: %w", err)
		}
		i.scheduler.Start()
	}

	i.log.Info().Msg("runtime started")
	return nil
}

// Stop shuts the runtime down in order: stop accepting ingest, drain the
// outbound queues within the shutdown deadline (anything still queued is
// dead-lettered by the gateway), then stop the worker subtrees.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	scheduler := i.scheduler
	i.mu.Unlock()

	if scheduler != nil {
		schedCtx := scheduler.Stop()
		select {
		case <-schedCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.ShutdownTimeout)
		defer cancel()
	}

	// Room workers first: no new ingest reaches the routers once their
	// subtree is down.
	i.roomSup.Stop()
	i.gateway.Stop(ctx)
	i.deadletters.Stop(ctx)
	i.replaySup.Stop()
	i.bridgeSup.Stop()
	i.rootSup.Stop()
	i.log.Info().Msg("runtime stopped")
	return nil
}
