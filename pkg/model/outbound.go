package model

import (
	"fmt"
	"time"
)

type Operation string

const (
	OpSend      Operation = "send"
	OpEdit      Operation = "edit"
	OpSendMedia Operation = "send_media"
	OpEditMedia Operation = "edit_media"
)

// IsMedia reports whether the operation carries a media payload.
func (o Operation) IsMedia() bool {
	return o == OpSendMedia || o == OpEditMedia
}

// IsEdit reports whether the operation requires an external message id.
func (o Operation) IsEdit() bool {
	return o == OpEdit || o == OpEditMedia
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// KnownPriority reports whether p is one of the four defined priorities.
func KnownPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// OutboundRequest is the unit of work submitted to the outbound gateway.
// RoutingKey pins all requests for the same (bridge, external room) to one
// partition; IdempotencyKey deduplicates retried submissions.
type OutboundRequest struct {
	Operation         Operation      `json:"operation" yaml:"operation"`
	Channel           string         `json:"channel" yaml:"channel"`
	BridgeID          string         `json:"bridge_id" yaml:"bridge_id"`
	RoomID            string         `json:"room_id,omitempty" yaml:"room_id,omitempty"`
	ExternalRoomID    string         `json:"external_room_id" yaml:"external_room_id"`
	Text              string         `json:"text,omitempty" yaml:"text,omitempty"`
	Media             map[string]any `json:"media,omitempty" yaml:"media,omitempty"`
	ExternalMessageID string         `json:"external_message_id,omitempty" yaml:"external_message_id,omitempty"`
	Opts              map[string]any `json:"opts,omitempty" yaml:"opts,omitempty"`
	RoutingKey        string         `json:"routing_key" yaml:"routing_key"`
	Priority          Priority       `json:"priority" yaml:"priority"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
	DeadLetterReplay  bool           `json:"dead_letter_replay,omitempty" yaml:"dead_letter_replay,omitempty"`
}

// RoutingKeyFor builds the stable routing key for a bridge and external
// room pair.
func RoutingKeyFor(bridgeID, externalRoomID string) string {
	return fmt.Sprintf("%s:%s", bridgeID, externalRoomID)
}

// Clone returns a copy safe to mutate independently of the original. The
// payload maps are copied one level deep.
func (r *OutboundRequest) Clone() *OutboundRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Media = cloneMap(r.Media)
	out.Opts = cloneMap(r.Opts)
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type DeadLetterStatus string

const (
	DeadLetterCaptured  DeadLetterStatus = "captured"
	DeadLetterReplaying DeadLetterStatus = "replaying"
	DeadLetterReplayed  DeadLetterStatus = "replayed"
	DeadLetterArchived  DeadLetterStatus = "archived"
)

// DeadLetterDiagnostics snapshots gateway state at capture time.
type DeadLetterDiagnostics struct {
	Partition     int     `json:"partition" yaml:"partition"`
	QueueSize     int     `json:"queue_size" yaml:"queue_size"`
	QueueCapacity int     `json:"queue_capacity" yaml:"queue_capacity"`
	PressureLevel string  `json:"pressure_level" yaml:"pressure_level"`
	Occupancy     float64 `json:"occupancy" yaml:"occupancy"`
	Attempts      int     `json:"attempts" yaml:"attempts"`
}

// DeadLetterRecord captures a terminally failed outbound request for later
// idempotent replay. Replayed is sticky: a replayed record never returns to
// captured.
type DeadLetterRecord struct {
	ID             string                `json:"id" yaml:"id"`
	Instance       string                `json:"instance,omitempty" yaml:"instance,omitempty"`
	Request        OutboundRequest       `json:"request" yaml:"request"`
	Error          string                `json:"error" yaml:"error"`
	Diagnostics    DeadLetterDiagnostics `json:"diagnostics" yaml:"diagnostics"`
	Status         DeadLetterStatus      `json:"status" yaml:"status"`
	ReplayAttempts int                   `json:"replay_attempts" yaml:"replay_attempts"`
	Response       map[string]any        `json:"response,omitempty" yaml:"response,omitempty"`
	InsertedAt     time.Time             `json:"inserted_at" yaml:"inserted_at"`
	UpdatedAt      time.Time             `json:"updated_at" yaml:"updated_at"`
}
