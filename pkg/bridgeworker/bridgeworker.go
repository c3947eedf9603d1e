// Package bridgeworker runs one supervised worker per configured bridge:
// it owns the adapter instance, its listener children, and the bridge
// health snapshot. The registry is the runtime's AdapterSource.
package bridgeworker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/supervise"
)

// Health is one bridge's health snapshot.
type Health struct {
	BridgeID       string    `json:"bridge_id"`
	Channel        string    `json:"channel"`
	Enabled        bool      `json:"enabled"`
	Revision       int64     `json:"revision"`
	ListenerCount  int       `json:"listener_count"`
	LastIngressAt  time.Time `json:"last_ingress_at,omitempty"`
	LastOutboundAt time.Time `json:"last_outbound_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Worker is one running bridge.
type Worker struct {
	bridgeID string
	channel  string

	mu            sync.Mutex
	adapter       adapter.Adapter
	enabled       bool
	revision      int64
	adapterModule string
	credFingerpnt string
	listenerNames []string
	lastIngress   time.Time
	lastOutbound  time.Time
	lastErr       error
}

// Deps wires the registry.
type Deps struct {
	Adapters   *adapter.Registry
	Supervisor *supervise.Supervisor
	Log        zerolog.Logger
	Now        func() time.Time
}

// Registry tracks bridge workers by bridge id.
type Registry struct {
	deps Deps

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry builds a Registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{deps: deps, workers: make(map[string]*Worker)}
}

// credentialFingerprint hashes credentials deterministically so Apply can
// detect changes without retaining the secret values.
func credentialFingerprint(creds map[string]string) string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(creds[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Apply starts a worker for a new bridge config, or updates a running
// one. Adapter-module or credential changes force an adapter restart;
// revision-only changes are picked up in place.
func (r *Registry) Apply(cfg *model.BridgeConfig) error {
	if cfg == nil || cfg.ID == "" {
		return model.Invalidf("bridge_config", "id is required")
	}
	fingerprint := credentialFingerprint(cfg.Credentials)

	r.mu.Lock()
	worker, exists := r.workers[cfg.ID]
	r.mu.Unlock()

	if exists {
		worker.mu.Lock()
		needsRestart := worker.adapterModule != cfg.Adapter || worker.credFingerpnt != fingerprint
		worker.mu.Unlock()
		if !needsRestart {
			worker.mu.Lock()
			worker.enabled = cfg.Enabled
			worker.revision = cfg.Revision
			worker.mu.Unlock()
			return nil
		}
		r.Remove(cfg.ID)
	}

	log := r.deps.Log.With().Str("bridge_id", cfg.ID).Logger()
	instance, err := r.deps.Adapters.Create(cfg, log)
	if err != nil {
		return fmt.Errorf("create adapter for bridge %s: %w", cfg.ID, err)
	}
	worker = &Worker{
		bridgeID:      cfg.ID,
		channel:       instance.ChannelType(),
		adapter:       instance,
		enabled:       cfg.Enabled,
		revision:      cfg.Revision,
		adapterModule: cfg.Adapter,
		credFingerpnt: fingerprint,
	}

	if provider, ok := instance.(adapter.ListenerProvider); ok {
		for _, spec := range provider.ListenerChildSpecs() {
			childName := fmt.Sprintf("bridge:%s:listener:%s", cfg.ID, spec.Name)
			run := spec.Run
			if err := r.deps.Supervisor.StartChild(supervise.Spec{Name: childName, Run: run}); err != nil {
				return fmt.Errorf("start listener %s: %w", childName, err)
			}
			worker.listenerNames = append(worker.listenerNames, childName)
		}
	}

	r.mu.Lock()
	r.workers[cfg.ID] = worker
	r.mu.Unlock()
	log.Info().Str("adapter", cfg.Adapter).Int("listeners", len(worker.listenerNames)).Msg("bridge worker started")
	return nil
}

// Remove stops a bridge worker and its listeners.
func (r *Registry) Remove(bridgeID string) {
	r.mu.Lock()
	worker, ok := r.workers[bridgeID]
	if ok {
		delete(r.workers, bridgeID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, name := range worker.listenerNames {
		_ = r.deps.Supervisor.StopChild(name)
	}
}

// Adapter resolves the running adapter for a bridge. Implements the
// outbound gateway's AdapterSource.
func (r *Registry) Adapter(bridgeID string) (adapter.Adapter, error) {
	r.mu.RLock()
	worker, ok := r.workers[bridgeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bridge %s: %w", bridgeID, model.ErrBridgeNotFound)
	}
	worker.mu.Lock()
	defer worker.mu.Unlock()
	if !worker.enabled {
		return nil, fmt.Errorf("bridge %s: %w", bridgeID, model.ErrBridgeDisabled)
	}
	return worker.adapter, nil
}

// Channel returns the channel family of a bridge.
func (r *Registry) Channel(bridgeID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	worker, ok := r.workers[bridgeID]
	if !ok {
		return "", fmt.Errorf("bridge %s: %w", bridgeID, model.ErrBridgeNotFound)
	}
	return worker.channel, nil
}

// MarkIngress records inbound traffic on the bridge.
func (r *Registry) MarkIngress(bridgeID string) {
	if worker := r.worker(bridgeID); worker != nil {
		worker.mu.Lock()
		worker.lastIngress = r.deps.Now()
		worker.mu.Unlock()
	}
}

// MarkOutbound records outbound traffic on the bridge.
func (r *Registry) MarkOutbound(bridgeID string) {
	if worker := r.worker(bridgeID); worker != nil {
		worker.mu.Lock()
		worker.lastOutbound = r.deps.Now()
		worker.mu.Unlock()
	}
}

// MarkError records the latest bridge-level error.
func (r *Registry) MarkError(bridgeID string, err error) {
	if worker := r.worker(bridgeID); worker != nil {
		worker.mu.Lock()
		worker.lastErr = err
		worker.mu.Unlock()
	}
}

func (r *Registry) worker(bridgeID string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[bridgeID]
}

// Health snapshots one bridge.
func (r *Registry) Health(bridgeID string) (Health, error) {
	worker := r.worker(bridgeID)
	if worker == nil {
		return Health{}, fmt.Errorf("bridge %s: %w", bridgeID, model.ErrBridgeNotFound)
	}
	return worker.health(), nil
}

// HealthAll snapshots every bridge, sorted by id.
func (r *Registry) HealthAll() []Health {
	r.mu.RLock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, worker := range r.workers {
		workers = append(workers, worker)
	}
	r.mu.RUnlock()
	out := make([]Health, 0, len(workers))
	for _, worker := range workers {
		out = append(out, worker.health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BridgeID < out[j].BridgeID })
	return out
}

func (w *Worker) health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	health := Health{
		BridgeID:       w.bridgeID,
		Channel:        w.channel,
		Enabled:        w.enabled,
		Revision:       w.revision,
		ListenerCount:  len(w.listenerNames),
		LastIngressAt:  w.lastIngress,
		LastOutboundAt: w.lastOutbound,
	}
	if w.lastErr != nil {
		health.LastError = w.lastErr.Error()
	}
	return health
}
