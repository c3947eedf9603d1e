// Package store defines the persistence contract for the messaging runtime
// and ships the in-memory reference implementation. External backends must
// preserve the race-safety contracts documented on the interface.
package store

import (
	"context"
	"time"

	"github.com/beeper/bridgekit/pkg/model"
)

// RoomFilter narrows ListRooms results. Zero values match everything.
type RoomFilter struct {
	Type         model.RoomType
	NameContains string
}

// MessageFilter narrows ListMessages results. Zero values match everything;
// Limit 0 means no limit. Messages are returned in insertion order.
type MessageFilter struct {
	SenderID string
	Role     model.Role
	Status   model.MessageStatus
	Before   time.Time
	After    time.Time
	Limit    int
}

// DeadLetterFilter narrows ListDeadLetters results.
type DeadLetterFilter struct {
	Status   model.DeadLetterStatus
	BridgeID string
	Limit    int
}

// RoomAttrs seeds a room created through GetOrCreateRoomByExternalBinding.
type RoomAttrs struct {
	Type     model.RoomType
	Name     string
	Metadata map[string]any
}

// ParticipantAttrs seeds a participant created through
// GetOrCreateParticipantByExternalID.
type ParticipantAttrs struct {
	Type        model.ParticipantType
	Username    string
	DisplayName string
}

// Store is the persistence backend for rooms, participants, messages, room
// bindings, and dead letters. All operations return the stored value (where
// applicable) and an error from the model sentinel set.
//
// Race-safety contracts:
//
//   - GetOrCreateRoomByExternalBinding: concurrent callers with the same
//     (channel, bridgeID, externalID) key observe exactly one newly created
//     room. A stale index entry pointing at a deleted room is recovered by
//     creating a fresh room and repairing the index.
//   - GetOrCreateParticipantByExternalID: same contract per
//     (channel, externalID).
type Store interface {
	SaveRoom(ctx context.Context, room *model.Room) error
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	ListRooms(ctx context.Context, filter RoomFilter, limit, offset int) ([]*model.Room, error)
	DeleteRoom(ctx context.Context, id string) error
	GetRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string) (*model.Room, error)
	GetOrCreateRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string, attrs RoomAttrs) (room *model.Room, created bool, err error)

	SaveParticipant(ctx context.Context, participant *model.Participant) error
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalID string, attrs ParticipantAttrs) (participant *model.Participant, created bool, err error)

	SaveMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, roomID string, filter MessageFilter) ([]*model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	UpdateMessageExternalID(ctx context.Context, msgID, externalID string) error
	GetMessageByExternalID(ctx context.Context, channel, bridgeID, externalID string) (*model.Message, error)

	CreateRoomBinding(ctx context.Context, binding *model.RoomBinding) (*model.RoomBinding, error)
	GetRoomBinding(ctx context.Context, id string) (*model.RoomBinding, error)
	ListRoomBindings(ctx context.Context, roomID string) ([]*model.RoomBinding, error)
	ListAllRoomBindings(ctx context.Context) ([]*model.RoomBinding, error)
	UpdateRoomBinding(ctx context.Context, binding *model.RoomBinding) (*model.RoomBinding, error)
	DeleteRoomBinding(ctx context.Context, id string) error

	SaveDeadLetter(ctx context.Context, record *model.DeadLetterRecord) error
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*model.DeadLetterRecord, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	PurgeDeadLetters(ctx context.Context, olderThan time.Time, statuses ...model.DeadLetterStatus) (int, error)
}

type externalKey struct {
	channel    string
	bridgeID   string
	externalID string
}

type participantKey struct {
	channel    string
	externalID string
}
