package outbound

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/configstore"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/signalbus"
	"github.com/beeper/bridgekit/pkg/store"
)

// Options tune one outbound routing call.
type Options struct {
	// Operation defaults to send, or send_media when Media is set.
	Operation         model.Operation
	Media             map[string]any
	ExternalMessageID string
	Priority          model.Priority
	IdempotencyKey    string
	AdapterOpts       map[string]any
	// MessageID names the internal message to acknowledge on success.
	MessageID string
}

// TargetResult is the per-binding outcome of a routing call.
type TargetResult struct {
	BridgeID       string
	Channel        string
	ExternalRoomID string
	// Untried marks targets skipped because an earlier target already
	// succeeded in best-effort mode.
	Untried bool
	Result  *Result
}

// RouteOutcome summarizes one routing call across its targets.
type RouteOutcome struct {
	RoomID    string
	Mode      model.DeliveryMode
	Targets   []TargetResult
	Delivered bool
}

// FirstError returns the first target error, or nil when everything
// succeeded or was untried.
func (o *RouteOutcome) FirstError() *Error {
	for _, target := range o.Targets {
		if target.Result != nil && target.Result.Err != nil {
			return target.Result.Err
		}
	}
	return nil
}

// RouterDeps wires the outbound router.
type RouterDeps struct {
	Configs *configstore.ConfigStore
	Store   store.Store
	Gateway *Gateway
	Bus     *signalbus.Bus
	Log     zerolog.Logger
}

// Router resolves room bindings and routing policy into gateway
// submissions.
type Router struct {
	deps RouterDeps
}

// NewRouter builds a Router.
func NewRouter(deps RouterDeps) *Router {
	return &Router{deps: deps}
}

// ResolveRoutes returns the outbound-eligible bindings for a room in
// dispatch order, honoring the room's routing policy when one exists.
func (r *Router) ResolveRoutes(ctx context.Context, roomID string) ([]*model.RoomBinding, *model.RoutingPolicy, error) {
	bindings, err := r.deps.Store.ListRoomBindings(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("list bindings: %w", err)
	}
	snapshot := r.deps.Configs.Snapshot()

	eligible := make([]*model.RoomBinding, 0, len(bindings))
	for _, binding := range bindings {
		if !binding.Enabled || !binding.Direction.AllowsOutbound() {
			continue
		}
		cfg, ok := snapshot.BridgeConfig(binding.BridgeID)
		if !ok || !cfg.Enabled {
			continue
		}
		eligible = append(eligible, binding)
	}

	policy, ok := snapshot.RoutingPolicy(roomID)
	if !ok {
		return eligible, nil, nil
	}
	if len(policy.FallbackOrder) == 0 {
		return eligible, policy, nil
	}
	byBridge := make(map[string]*model.RoomBinding, len(eligible))
	for _, binding := range eligible {
		if _, exists := byBridge[binding.BridgeID]; !exists {
			byBridge[binding.BridgeID] = binding
		}
	}
	// Bridge ids in the fallback order with no eligible binding are
	// silently skipped.
	ordered := make([]*model.RoomBinding, 0, len(policy.FallbackOrder))
	for _, bridgeID := range policy.FallbackOrder {
		if binding, exists := byBridge[bridgeID]; exists {
			ordered = append(ordered, binding)
		}
	}
	return ordered, policy, nil
}

// Route dispatches text (or media, via Options) to the room's targets.
// Best-effort mode stops at the first success; all mode dispatches to
// every target.
func (r *Router) Route(ctx context.Context, roomID, text string, opts Options) (*RouteOutcome, error) {
	targets, routingPolicy, err := r.ResolveRoutes(ctx, roomID)
	if err != nil {
		return nil, err
	}
	mode := model.DeliveryBestEffort
	if routingPolicy != nil && routingPolicy.DeliveryMode != "" {
		mode = routingPolicy.DeliveryMode
	}
	outcome := &RouteOutcome{RoomID: roomID, Mode: mode}
	if len(targets) == 0 {
		return outcome, nil
	}

	operation := opts.Operation
	if operation == "" {
		if opts.Media != nil {
			operation = model.OpSendMedia
		} else {
			operation = model.OpSend
		}
	}
	baseKey := opts.IdempotencyKey
	if baseKey == "" {
		baseKey = "out_" + uuid.NewString()
	}

	for _, binding := range targets {
		target := TargetResult{
			BridgeID:       binding.BridgeID,
			Channel:        binding.Channel,
			ExternalRoomID: binding.ExternalRoomID,
		}
		if outcome.Delivered && mode == model.DeliveryBestEffort {
			target.Untried = true
			outcome.Targets = append(outcome.Targets, target)
			continue
		}

		req := &model.OutboundRequest{
			Operation:         operation,
			Channel:           binding.Channel,
			BridgeID:          binding.BridgeID,
			RoomID:            roomID,
			ExternalRoomID:    binding.ExternalRoomID,
			Text:              text,
			Media:             opts.Media,
			ExternalMessageID: opts.ExternalMessageID,
			Opts:              opts.AdapterOpts,
			RoutingKey:        model.RoutingKeyFor(binding.BridgeID, binding.ExternalRoomID),
			Priority:          opts.Priority,
			IdempotencyKey:    fmt.Sprintf("%s:%s", baseKey, binding.BridgeID),
		}
		result := r.deps.Gateway.Submit(ctx, req)
		target.Result = result
		outcome.Targets = append(outcome.Targets, target)

		if result.OK {
			outcome.Delivered = true
			r.acknowledge(ctx, roomID, opts.MessageID, binding, result)
		} else {
			r.reportFailure(ctx, roomID, opts.MessageID, binding, result)
		}
	}
	return outcome, nil
}

// acknowledge records the provider ack on the internal message and emits
// message.sent.
func (r *Router) acknowledge(ctx context.Context, roomID, messageID string, binding *model.RoomBinding, result *Result) {
	if messageID != "" && result.MessageID != "" {
		if msg, err := r.deps.Store.GetMessage(ctx, messageID); err == nil {
			if msg.Channel == "" {
				msg.Channel = binding.Channel
			}
			if msg.BridgeID == "" {
				msg.BridgeID = binding.BridgeID
			}
			msg.Status = model.StatusDelivered
			if saveErr := r.deps.Store.SaveMessage(ctx, msg); saveErr != nil {
				r.deps.Log.Warn().Err(saveErr).Str("message_id", messageID).Msg("message ack save failed")
			} else if msg.ExternalID == "" {
				if err := r.deps.Store.UpdateMessageExternalID(ctx, messageID, result.MessageID); err != nil {
					r.deps.Log.Warn().Err(err).Str("message_id", messageID).Msg("external id update failed")
				}
			}
		}
	}
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(signalbus.TopicMessageSent, map[string]any{
			"room_id":             roomID,
			"message_id":          messageID,
			"bridge_id":           binding.BridgeID,
			"external_message_id": result.MessageID,
			"attempts":            result.Attempts,
			"idempotent":          result.Idempotent,
		})
	}
}

func (r *Router) reportFailure(ctx context.Context, roomID, messageID string, binding *model.RoomBinding, result *Result) {
	if messageID != "" {
		if msg, err := r.deps.Store.GetMessage(ctx, messageID); err == nil {
			msg.Status = model.StatusFailed
			if saveErr := r.deps.Store.SaveMessage(ctx, msg); saveErr != nil {
				r.deps.Log.Warn().Err(saveErr).Str("message_id", messageID).Msg("message failure save failed")
			}
		}
	}
	if r.deps.Bus != nil {
		payload := map[string]any{
			"room_id":    roomID,
			"message_id": messageID,
			"bridge_id":  binding.BridgeID,
		}
		if result.Err != nil {
			payload["reason"] = result.Err.Reason
			payload["category"] = string(result.Err.Category)
			if result.Err.DeadLetterID != "" {
				payload["dead_letter_id"] = result.Err.DeadLetterID
			}
		}
		r.deps.Bus.Publish(signalbus.TopicMessageFailed, payload)
	}
}
