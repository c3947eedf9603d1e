// Package model defines the canonical conversation entities shared by the
// store, the routers, and the workers. Records are immutable through their
// id: mutation replaces the stored value.
package model

import (
	"time"
)

type RoomType string

const (
	RoomTypeDirect  RoomType = "direct"
	RoomTypeGroup   RoomType = "group"
	RoomTypeChannel RoomType = "channel"
	RoomTypeThread  RoomType = "thread"
)

// Room is an internal conversation. ExternalBindings maps a channel family
// to bridge-specific external room ids; the store maintains a reverse index
// so a (channel, bridgeID, externalID) triple resolves to at most one room.
type Room struct {
	ID               string                       `json:"id" yaml:"id"`
	Type             RoomType                     `json:"type" yaml:"type"`
	Name             string                       `json:"name,omitempty" yaml:"name,omitempty"`
	ExternalBindings map[string]map[string]string `json:"external_bindings,omitempty" yaml:"external_bindings,omitempty"`
	Metadata         map[string]any               `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	InsertedAt       time.Time                    `json:"inserted_at" yaml:"inserted_at"`
}

// ExternalID returns the bound external room id for the given channel and
// bridge, or "" when the room has no such binding.
func (r *Room) ExternalID(channel, bridgeID string) string {
	if r == nil || r.ExternalBindings == nil {
		return ""
	}
	return r.ExternalBindings[channel][bridgeID]
}

// SetExternalID adds or replaces a binding on the room itself. The store's
// reverse index is updated separately on save.
func (r *Room) SetExternalID(channel, bridgeID, externalID string) {
	if r.ExternalBindings == nil {
		r.ExternalBindings = make(map[string]map[string]string)
	}
	if r.ExternalBindings[channel] == nil {
		r.ExternalBindings[channel] = make(map[string]string)
	}
	r.ExternalBindings[channel][bridgeID] = externalID
}

type ParticipantType string

const (
	ParticipantHuman  ParticipantType = "human"
	ParticipantAgent  ParticipantType = "agent"
	ParticipantSystem ParticipantType = "system"
)

// Identity holds the display attributes known for a participant.
type Identity struct {
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// Participant is a human, agent, or system sender. Agents and humans share
// the same table; ExternalIDs maps channel family to the platform user id.
type Participant struct {
	ID          string            `json:"id" yaml:"id"`
	Type        ParticipantType   `json:"type" yaml:"type"`
	Identity    Identity          `json:"identity" yaml:"identity"`
	ExternalIDs map[string]string `json:"external_ids,omitempty" yaml:"external_ids,omitempty"`
	InsertedAt  time.Time         `json:"inserted_at" yaml:"inserted_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders message statuses for the monotonic-advance rule.
// Failed is terminal and reachable from any non-terminal state.
var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// StatusAdvances reports whether moving from to next respects the monotonic
// status progression.
func StatusAdvances(from, next MessageStatus) bool {
	return statusRank[next] >= statusRank[from]
}

// Message is one persisted conversation entry. ExternalID is filled after
// the provider acknowledges delivery and is unique per (channel, bridge).
type Message struct {
	ID         string         `json:"id" yaml:"id"`
	RoomID     string         `json:"room_id" yaml:"room_id"`
	SenderID   string         `json:"sender_id" yaml:"sender_id"`
	Role       Role           `json:"role" yaml:"role"`
	Content    []ContentBlock `json:"content" yaml:"content"`
	Status     MessageStatus  `json:"status" yaml:"status"`
	Channel    string         `json:"channel,omitempty" yaml:"channel,omitempty"`
	BridgeID   string         `json:"bridge_id,omitempty" yaml:"bridge_id,omitempty"`
	ExternalID string         `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	ReplyToID  string         `json:"reply_to_id,omitempty" yaml:"reply_to_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	InsertedAt time.Time      `json:"inserted_at" yaml:"inserted_at"`
}

// TextContent concatenates the text blocks of the message.
func (m *Message) TextContent() string {
	if m == nil {
		return ""
	}
	out := ""
	for _, block := range m.Content {
		if block.Type != BlockText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}

type Direction string

const (
	DirectionBoth     Direction = "both"
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AllowsOutbound reports whether a binding with this direction may carry
// outbound traffic.
func (d Direction) AllowsOutbound() bool {
	return d == DirectionBoth || d == DirectionOutbound
}

// AllowsInbound reports whether a binding with this direction may carry
// inbound traffic.
func (d Direction) AllowsInbound() bool {
	return d == DirectionBoth || d == DirectionInbound
}

// RoomBinding links an internal room to an external room on a configured
// bridge. Disabling a binding hides it from routing but preserves history.
type RoomBinding struct {
	ID             string    `json:"id" yaml:"id"`
	RoomID         string    `json:"room_id" yaml:"room_id"`
	Channel        string    `json:"channel" yaml:"channel"`
	BridgeID       string    `json:"bridge_id" yaml:"bridge_id"`
	ExternalRoomID string    `json:"external_room_id" yaml:"external_room_id"`
	Direction      Direction `json:"direction" yaml:"direction"`
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	Priority       int       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Revision       int64     `json:"revision" yaml:"revision"`
	InsertedAt     time.Time `json:"inserted_at" yaml:"inserted_at"`
}

// BridgeConfig describes one configured deployment of an adapter. Revision
// increases monotonically on every update and guards optimistic concurrency.
type BridgeConfig struct {
	ID           string            `json:"id" yaml:"id"`
	Adapter      string            `json:"adapter" yaml:"adapter"`
	Credentials  map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Opts         map[string]any    `json:"opts,omitempty" yaml:"opts,omitempty"`
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Revision     int64             `json:"revision" yaml:"revision"`
	UpdatedAt    time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep enough copy that callers can mutate credentials and
// opts without tearing a published snapshot.
func (c *BridgeConfig) Clone() *BridgeConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Credentials != nil {
		out.Credentials = make(map[string]string, len(c.Credentials))
		for k, v := range c.Credentials {
			out.Credentials[k] = v
		}
	}
	if c.Opts != nil {
		out.Opts = make(map[string]any, len(c.Opts))
		for k, v := range c.Opts {
			out.Opts[k] = v
		}
	}
	if c.Capabilities != nil {
		out.Capabilities = append([]string(nil), c.Capabilities...)
	}
	return &out
}

type DeliveryMode string

const (
	DeliveryBestEffort DeliveryMode = "best_effort"
	DeliveryAll        DeliveryMode = "all"
)

// RoutingPolicy controls outbound target selection for one room. Bridge ids
// in FallbackOrder that do not resolve to an enabled binding are skipped.
type RoutingPolicy struct {
	RoomID         string       `json:"room_id" yaml:"room_id"`
	FallbackOrder  []string     `json:"fallback_order,omitempty" yaml:"fallback_order,omitempty"`
	DeliveryMode   DeliveryMode `json:"delivery_mode" yaml:"delivery_mode"`
	FailoverPolicy string       `json:"failover_policy,omitempty" yaml:"failover_policy,omitempty"`
	DedupeScope    string       `json:"dedupe_scope,omitempty" yaml:"dedupe_scope,omitempty"`
	Revision       int64        `json:"revision" yaml:"revision"`
}
