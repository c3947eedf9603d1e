package runtime

import (
	"context"
	"time"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/bridgeworker"
	"github.com/beeper/bridgekit/pkg/deadletter"
	"github.com/beeper/bridgekit/pkg/dedupe"
	"github.com/beeper/bridgekit/pkg/inbound"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/outbound"
	"github.com/beeper/bridgekit/pkg/signalbus"
	"github.com/beeper/bridgekit/pkg/store"
	"github.com/beeper/bridgekit/pkg/supervise"
)

// Room, participant, and message CRUD delegate to the store.

func (i *Instance) SaveRoom(ctx context.Context, room *model.Room) error {
	return i.store.SaveRoom(ctx, room)
}

func (i *Instance) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	return i.store.GetRoom(ctx, id)
}

func (i *Instance) ListRooms(ctx context.Context, filter store.RoomFilter, limit, offset int) ([]*model.Room, error) {
	return i.store.ListRooms(ctx, filter, limit, offset)
}

func (i *Instance) DeleteRoom(ctx context.Context, id string) error {
	i.rooms.StopRoom(id)
	return i.store.DeleteRoom(ctx, id)
}

func (i *Instance) GetOrCreateRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string, attrs store.RoomAttrs) (*model.Room, bool, error) {
	return i.store.GetOrCreateRoomByExternalBinding(ctx, channel, bridgeID, externalID, attrs)
}

func (i *Instance) SaveParticipant(ctx context.Context, participant *model.Participant) error {
	return i.store.SaveParticipant(ctx, participant)
}

func (i *Instance) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	return i.store.GetParticipant(ctx, id)
}

func (i *Instance) GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalID string, attrs store.ParticipantAttrs) (*model.Participant, bool, error) {
	return i.store.GetOrCreateParticipantByExternalID(ctx, channel, externalID, attrs)
}

func (i *Instance) SaveMessage(ctx context.Context, msg *model.Message) error {
	return i.store.SaveMessage(ctx, msg)
}

func (i *Instance) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return i.store.GetMessage(ctx, id)
}

func (i *Instance) ListMessages(ctx context.Context, roomID string, filter store.MessageFilter) ([]*model.Message, error) {
	return i.store.ListMessages(ctx, roomID, filter)
}

func (i *Instance) DeleteMessage(ctx context.Context, id string) error {
	return i.store.DeleteMessage(ctx, id)
}

// Room binding CRUD.

func (i *Instance) CreateRoomBinding(ctx context.Context, binding *model.RoomBinding) (*model.RoomBinding, error) {
	return i.store.CreateRoomBinding(ctx, binding)
}

func (i *Instance) ListRoomBindings(ctx context.Context, roomID string) ([]*model.RoomBinding, error) {
	return i.store.ListRoomBindings(ctx, roomID)
}

func (i *Instance) DeleteRoomBinding(ctx context.Context, bindingID string) error {
	return i.store.DeleteRoomBinding(ctx, bindingID)
}

// Bridge config CRUD. Put applies the stored config to the bridge worker
// registry so adapter/credential changes take effect.

func (i *Instance) PutBridgeConfig(cfg *model.BridgeConfig) (*model.BridgeConfig, error) {
	stored, err := i.configs.PutBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := i.bridges.Apply(stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (i *Instance) GetBridgeConfig(bridgeID string) (*model.BridgeConfig, error) {
	return i.configs.GetBridgeConfig(bridgeID)
}

func (i *Instance) ListBridgeConfigs() []*model.BridgeConfig {
	return i.configs.ListBridgeConfigs()
}

func (i *Instance) DeleteBridgeConfig(bridgeID string) error {
	if err := i.configs.DeleteBridgeConfig(bridgeID); err != nil {
		return err
	}
	i.bridges.Remove(bridgeID)
	return nil
}

// Routing policy CRUD.

func (i *Instance) PutRoutingPolicy(policy *model.RoutingPolicy) (*model.RoutingPolicy, error) {
	return i.configs.PutRoutingPolicy(policy)
}

func (i *Instance) GetRoutingPolicy(roomID string) (*model.RoutingPolicy, error) {
	return i.configs.GetRoutingPolicy(roomID)
}

func (i *Instance) ListRoutingPolicies() []*model.RoutingPolicy {
	return i.configs.ListRoutingPolicies()
}

func (i *Instance) DeleteRoutingPolicy(roomID string) error {
	return i.configs.DeleteRoutingPolicy(roomID)
}

// Inbound.

func (i *Instance) RouteWebhook(ctx context.Context, bridgeID string, meta adapter.RequestMeta) (adapter.WebhookResponse, *inbound.Result) {
	return i.inboundRouter.RouteWebhook(ctx, bridgeID, meta)
}

func (i *Instance) RoutePayload(ctx context.Context, bridgeID string, payload map[string]any) (*inbound.Result, error) {
	return i.inboundRouter.RoutePayload(ctx, bridgeID, payload)
}

// Outbound.

func (i *Instance) ResolveOutboundRoutes(ctx context.Context, roomID string) ([]*model.RoomBinding, *model.RoutingPolicy, error) {
	return i.outboundRouter.ResolveRoutes(ctx, roomID)
}

func (i *Instance) RouteOutbound(ctx context.Context, roomID, text string, opts outbound.Options) (*outbound.RouteOutcome, error) {
	return i.outboundRouter.Route(ctx, roomID, text, opts)
}

// Dead letters.

func (i *Instance) ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]*model.DeadLetterRecord, error) {
	return i.store.ListDeadLetters(ctx, filter)
}

func (i *Instance) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterRecord, error) {
	return i.store.GetDeadLetter(ctx, id)
}

func (i *Instance) ReplayDeadLetter(ctx context.Context, id string, opts deadletter.ReplayOptions) (*deadletter.ReplayOutcome, error) {
	return i.deadletters.Replay(ctx, id, opts)
}

func (i *Instance) ArchiveDeadLetter(ctx context.Context, id string) error {
	return i.deadletters.Archive(ctx, id)
}

func (i *Instance) PurgeDeadLetters(ctx context.Context, olderThan time.Time, statuses ...model.DeadLetterStatus) (int, error) {
	return i.deadletters.Purge(ctx, olderThan, statuses...)
}

// Dedupe.

func (i *Instance) CheckDedupe(key string, ttl time.Duration) dedupe.Result {
	return i.deduper.CheckAndMark(key, ttl)
}

func (i *Instance) Seen(key string) bool {
	return i.deduper.Seen(key)
}

func (i *Instance) ClearDedupe(key string) {
	i.deduper.Clear(key)
}

// Subscribe returns a bounded stream of runtime signals for the given
// topics (none subscribes to everything).
func (i *Instance) Subscribe(topics ...string) *signalbus.Subscription {
	return i.bus.Subscribe(topics...)
}

// Health aggregates the supervision and bridge health snapshots.
type Health struct {
	Instance    string                   `json:"instance"`
	Root        []supervise.ChildHealth  `json:"root"`
	Rooms       []supervise.ChildHealth  `json:"rooms"`
	Replay      []supervise.ChildHealth  `json:"replay"`
	Bridges     []bridgeworker.Health    `json:"bridges"`
	ActiveRooms int                      `json:"active_rooms"`
	QueueDepths map[int]int              `json:"queue_depths"`
}

// Health snapshots the runtime.
func (i *Instance) Health() Health {
	depths := make(map[int]int, i.gateway.PartitionCount())
	for p := 0; p < i.gateway.PartitionCount(); p++ {
		depths[p] = i.gateway.QueueDepth(p)
	}
	return Health{
		Instance:    i.cfg.InstanceName,
		Root:        i.rootSup.Health(),
		Rooms:       i.roomSup.Health(),
		Replay:      i.replaySup.Health(),
		Bridges:     i.bridges.HealthAll(),
		ActiveRooms: i.rooms.ActiveRooms(),
		QueueDepths: depths,
	}
}
