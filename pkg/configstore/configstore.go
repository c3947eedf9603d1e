// Package configstore holds the control-plane tables: bridge configs and
// routing policies. Writes are serialized; readers load an immutable
// snapshot and never observe tearing between the two tables.
package configstore

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beeper/bridgekit/pkg/model"
)

// Snapshot is one immutable view of the config tables. It is safe to read
// without synchronization; the entries themselves are never mutated after
// publication.
type Snapshot struct {
	bridges  map[string]*model.BridgeConfig
	policies map[string]*model.RoutingPolicy
}

// BridgeConfig returns the config for a bridge id.
func (s *Snapshot) BridgeConfig(id string) (*model.BridgeConfig, bool) {
	cfg, ok := s.bridges[id]
	return cfg, ok
}

// BridgeConfigs returns all bridge configs sorted by id.
func (s *Snapshot) BridgeConfigs() []*model.BridgeConfig {
	out := make([]*model.BridgeConfig, 0, len(s.bridges))
	for _, cfg := range s.bridges {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoutingPolicy returns the policy for a room id.
func (s *Snapshot) RoutingPolicy(roomID string) (*model.RoutingPolicy, bool) {
	policy, ok := s.policies[roomID]
	return policy, ok
}

// RoutingPolicies returns all routing policies sorted by room id.
func (s *Snapshot) RoutingPolicies() []*model.RoutingPolicy {
	out := make([]*model.RoutingPolicy, 0, len(s.policies))
	for _, policy := range s.policies {
		out = append(out, policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// ConfigStore serializes mutations behind one writer lock and publishes a
// fresh snapshot on every change. Put operations enforce optimistic
// concurrency: a supplied revision must match the stored one.
type ConfigStore struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[Snapshot]
	now     func() time.Time
}

// New builds an empty config store.
func New() *ConfigStore {
	s := &ConfigStore{now: time.Now}
	s.snap.Store(&Snapshot{
		bridges:  make(map[string]*model.BridgeConfig),
		policies: make(map[string]*model.RoutingPolicy),
	})
	return s
}

// SetClock replaces the time source. Intended for tests.
func (s *ConfigStore) SetClock(now func() time.Time) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.now = now
}

// Snapshot returns the current immutable view.
func (s *ConfigStore) Snapshot() *Snapshot {
	return s.snap.Load()
}

func (s *ConfigStore) publishLocked(mutate func(next *Snapshot)) {
	prev := s.snap.Load()
	next := &Snapshot{
		bridges:  make(map[string]*model.BridgeConfig, len(prev.bridges)),
		policies: make(map[string]*model.RoutingPolicy, len(prev.policies)),
	}
	for id, cfg := range prev.bridges {
		next.bridges[id] = cfg
	}
	for id, policy := range prev.policies {
		next.policies[id] = policy
	}
	mutate(next)
	s.snap.Store(next)
}

// PutBridgeConfig inserts or updates a bridge config. A zero revision on a
// new config creates it at revision 1; on update the supplied revision must
// match the stored revision (0 skips the check). Returns the stored value.
func (s *ConfigStore) PutBridgeConfig(cfg *model.BridgeConfig) (*model.BridgeConfig, error) {
	if cfg == nil || cfg.ID == "" {
		return nil, model.Invalidf("bridge_config", "id is required")
	}
	if cfg.Adapter == "" {
		return nil, model.Invalidf("bridge_config", "adapter is required")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	stored := cfg.Clone()
	existing, ok := s.snap.Load().bridges[cfg.ID]
	if ok {
		if cfg.Revision != 0 && cfg.Revision != existing.Revision {
			return nil, fmt.Errorf("bridge config %s revision %d != %d: %w", cfg.ID, cfg.Revision, existing.Revision, model.ErrConflict)
		}
		stored.Revision = existing.Revision + 1
	} else {
		stored.Revision = 1
	}
	stored.UpdatedAt = s.now()
	s.publishLocked(func(next *Snapshot) {
		next.bridges[stored.ID] = stored
	})
	return stored.Clone(), nil
}

// GetBridgeConfig returns the config for a bridge id.
func (s *ConfigStore) GetBridgeConfig(id string) (*model.BridgeConfig, error) {
	cfg, ok := s.snap.Load().bridges[id]
	if !ok {
		return nil, fmt.Errorf("bridge config %s: %w", id, model.ErrNotFound)
	}
	return cfg.Clone(), nil
}

// ListBridgeConfigs returns all bridge configs sorted by id.
func (s *ConfigStore) ListBridgeConfigs() []*model.BridgeConfig {
	snapshot := s.snap.Load()
	out := snapshot.BridgeConfigs()
	cloned := make([]*model.BridgeConfig, len(out))
	for i, cfg := range out {
		cloned[i] = cfg.Clone()
	}
	return cloned
}

// DeleteBridgeConfig removes a bridge config.
func (s *ConfigStore) DeleteBridgeConfig(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, ok := s.snap.Load().bridges[id]; !ok {
		return fmt.Errorf("bridge config %s: %w", id, model.ErrNotFound)
	}
	s.publishLocked(func(next *Snapshot) {
		delete(next.bridges, id)
	})
	return nil
}

// PutRoutingPolicy inserts or updates the policy for a room, with the same
// revision semantics as PutBridgeConfig.
func (s *ConfigStore) PutRoutingPolicy(policy *model.RoutingPolicy) (*model.RoutingPolicy, error) {
	if policy == nil || policy.RoomID == "" {
		return nil, model.Invalidf("routing_policy", "room_id is required")
	}
	if policy.DeliveryMode == "" {
		policy.DeliveryMode = model.DeliveryBestEffort
	}
	switch policy.DeliveryMode {
	case model.DeliveryBestEffort, model.DeliveryAll:
	default:
		return nil, model.Invalidf("routing_policy", "unknown delivery mode %q", policy.DeliveryMode)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	stored := *policy
	stored.FallbackOrder = append([]string(nil), policy.FallbackOrder...)
	existing, ok := s.snap.Load().policies[policy.RoomID]
	if ok {
		if policy.Revision != 0 && policy.Revision != existing.Revision {
			return nil, fmt.Errorf("routing policy %s revision %d != %d: %w", policy.RoomID, policy.Revision, existing.Revision, model.ErrConflict)
		}
		stored.Revision = existing.Revision + 1
	} else {
		stored.Revision = 1
	}
	s.publishLocked(func(next *Snapshot) {
		next.policies[stored.RoomID] = &stored
	})
	out := stored
	return &out, nil
}

// GetRoutingPolicy returns the policy for a room id.
func (s *ConfigStore) GetRoutingPolicy(roomID string) (*model.RoutingPolicy, error) {
	policy, ok := s.snap.Load().policies[roomID]
	if !ok {
		return nil, fmt.Errorf("routing policy %s: %w", roomID, model.ErrNotFound)
	}
	out := *policy
	out.FallbackOrder = append([]string(nil), policy.FallbackOrder...)
	return &out, nil
}

// ListRoutingPolicies returns all policies sorted by room id.
func (s *ConfigStore) ListRoutingPolicies() []*model.RoutingPolicy {
	return s.snap.Load().RoutingPolicies()
}

// DeleteRoutingPolicy removes the policy for a room.
func (s *ConfigStore) DeleteRoutingPolicy(roomID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, ok := s.snap.Load().policies[roomID]; !ok {
		return fmt.Errorf("routing policy %s: %w", roomID, model.ErrNotFound)
	}
	s.publishLocked(func(next *Snapshot) {
		delete(next.policies, roomID)
	})
	return nil
}
