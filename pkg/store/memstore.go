package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/beeper/bridgekit/pkg/model"
)

// MemStore is the reference in-memory Store. One mutex guards every table
// and secondary index, which makes the get-or-create contracts trivially
// race-safe inside a single process.
type MemStore struct {
	mu  sync.RWMutex
	now func() time.Time

	rooms           map[string]*model.Room
	roomOrder       []string
	roomsByExternal map[externalKey]string

	participants           map[string]*model.Participant
	participantsByExternal map[participantKey]string

	messages           map[string]*model.Message
	messagesByExternal map[externalKey]string
	roomMessages       map[string][]string

	bindings       map[string]*model.RoomBinding
	bindingOrder   []string
	bindingsByRoom map[string][]string
	bindingsByKey  map[externalKey]string

	deadLetters     map[string]*model.DeadLetterRecord
	deadLetterOrder []string
}

var _ Store = (*MemStore)(nil)

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		now:                    time.Now,
		rooms:                  make(map[string]*model.Room),
		roomsByExternal:        make(map[externalKey]string),
		participants:           make(map[string]*model.Participant),
		participantsByExternal: make(map[participantKey]string),
		messages:               make(map[string]*model.Message),
		messagesByExternal:     make(map[externalKey]string),
		roomMessages:           make(map[string][]string),
		bindings:               make(map[string]*model.RoomBinding),
		bindingsByRoom:         make(map[string][]string),
		bindingsByKey:          make(map[externalKey]string),
		deadLetters:            make(map[string]*model.DeadLetterRecord),
	}
}

// SetClock replaces the store's time source. Intended for tests.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func newID() string {
	return xid.New().String()
}

func cloneRoom(r *model.Room) *model.Room {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExternalBindings != nil {
		out.ExternalBindings = make(map[string]map[string]string, len(r.ExternalBindings))
		for ch, byBridge := range r.ExternalBindings {
			inner := make(map[string]string, len(byBridge))
			for bridge, ext := range byBridge {
				inner[bridge] = ext
			}
			out.ExternalBindings[ch] = inner
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneParticipant(p *model.Participant) *model.Participant {
	if p == nil {
		return nil
	}
	out := *p
	if p.ExternalIDs != nil {
		out.ExternalIDs = make(map[string]string, len(p.ExternalIDs))
		for k, v := range p.ExternalIDs {
			out.ExternalIDs[k] = v
		}
	}
	return &out
}

func cloneMessage(m *model.Message) *model.Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Content = append([]model.ContentBlock(nil), m.Content...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneBinding(b *model.RoomBinding) *model.RoomBinding {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}

func cloneDeadLetter(d *model.DeadLetterRecord) *model.DeadLetterRecord {
	if d == nil {
		return nil
	}
	out := *d
	out.Request = *d.Request.Clone()
	if d.Response != nil {
		out.Response = make(map[string]any, len(d.Response))
		for k, v := range d.Response {
			out.Response[k] = v
		}
	}
	return &out
}

func (s *MemStore) SaveRoom(ctx context.Context, room *model.Room) error {
	if room == nil {
		return model.Invalidf("room", "nil room")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.ID == "" {
		room.ID = newID()
	}
	if room.InsertedAt.IsZero() {
		room.InsertedAt = s.now()
	}
	// Index every external binding on the room; a key already owned by a
	// different live room is a conflict.
	for ch, byBridge := range room.ExternalBindings {
		for bridge, ext := range byBridge {
			key := externalKey{ch, bridge, ext}
			if owner, ok := s.roomsByExternal[key]; ok && owner != room.ID {
				if _, alive := s.rooms[owner]; alive {
					return fmt.Errorf("external binding %s/%s/%s already bound to room %s: %w", ch, bridge, ext, owner, model.ErrConflict)
				}
			}
			s.roomsByExternal[key] = room.ID
		}
	}
	if _, exists := s.rooms[room.ID]; !exists {
		s.roomOrder = append(s.roomOrder, room.ID)
	}
	s.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (s *MemStore) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, model.ErrNotFound)
	}
	return cloneRoom(room), nil
}

func (s *MemStore) ListRooms(ctx context.Context, filter RoomFilter, limit, offset int) ([]*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Room
	skipped := 0
	for _, id := range s.roomOrder {
		room, ok := s.rooms[id]
		if !ok {
			continue
		}
		if filter.Type != "" && room.Type != filter.Type {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(strings.ToLower(room.Name), strings.ToLower(filter.NameContains)) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, cloneRoom(room))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return fmt.Errorf("room %s: %w", id, model.ErrNotFound)
	}
	delete(s.rooms, id)
	for ch, byBridge := range room.ExternalBindings {
		for bridge, ext := range byBridge {
			key := externalKey{ch, bridge, ext}
			if s.roomsByExternal[key] == id {
				delete(s.roomsByExternal, key)
			}
		}
	}
	for i, rid := range s.roomOrder {
		if rid == id {
			s.roomOrder = append(s.roomOrder[:i], s.roomOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) GetRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := externalKey{channel, bridgeID, externalID}
	roomID, ok := s.roomsByExternal[key]
	if !ok {
		return nil, fmt.Errorf("binding %s/%s/%s: %w", channel, bridgeID, externalID, model.ErrNotFound)
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("binding %s/%s/%s points at deleted room %s: %w", channel, bridgeID, externalID, roomID, model.ErrNotFound)
	}
	return cloneRoom(room), nil
}

func (s *MemStore) GetOrCreateRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string, attrs RoomAttrs) (*model.Room, bool, error) {
	if channel == "" || bridgeID == "" || externalID == "" {
		return nil, false, model.Invalidf("external_binding", "channel, bridge_id, and external_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := externalKey{channel, bridgeID, externalID}
	if roomID, ok := s.roomsByExternal[key]; ok {
		if room, alive := s.rooms[roomID]; alive {
			s.ensureBindingLocked(roomID, channel, bridgeID, externalID)
			return cloneRoom(room), false, nil
		}
		// Stale index entry for a deleted room; fall through and repair.
	}
	roomType := attrs.Type
	if roomType == "" {
		roomType = model.RoomTypeGroup
	}
	room := &model.Room{
		ID:         newID(),
		Type:       roomType,
		Name:       attrs.Name,
		Metadata:   attrs.Metadata,
		InsertedAt: s.now(),
	}
	room.SetExternalID(channel, bridgeID, externalID)
	s.rooms[room.ID] = cloneRoom(room)
	s.roomOrder = append(s.roomOrder, room.ID)
	s.roomsByExternal[key] = room.ID
	s.ensureBindingLocked(room.ID, channel, bridgeID, externalID)
	return room, true, nil
}

// ensureBindingLocked records the binding row for a room resolved through
// first inbound, mirroring what explicit CreateRoomBinding would do.
func (s *MemStore) ensureBindingLocked(roomID, channel, bridgeID, externalID string) {
	key := externalKey{channel, bridgeID, externalID}
	if id, exists := s.bindingsByKey[key]; exists {
		binding := s.bindings[id]
		if binding == nil || binding.RoomID == roomID {
			return
		}
		// Stale-room recovery: repoint the binding at the fresh room.
		old := binding.RoomID
		binding.RoomID = roomID
		binding.Revision++
		ids := s.bindingsByRoom[old]
		for i, bid := range ids {
			if bid == id {
				s.bindingsByRoom[old] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		s.bindingsByRoom[roomID] = append(s.bindingsByRoom[roomID], id)
		return
	}
	binding := &model.RoomBinding{
		ID:             newID(),
		RoomID:         roomID,
		Channel:        channel,
		BridgeID:       bridgeID,
		ExternalRoomID: externalID,
		Direction:      model.DirectionBoth,
		Enabled:        true,
		Revision:       1,
		InsertedAt:     s.now(),
	}
	s.bindings[binding.ID] = binding
	s.bindingOrder = append(s.bindingOrder, binding.ID)
	s.bindingsByRoom[roomID] = append(s.bindingsByRoom[roomID], binding.ID)
	s.bindingsByKey[key] = binding.ID
}

func (s *MemStore) SaveParticipant(ctx context.Context, participant *model.Participant) error {
	if participant == nil {
		return model.Invalidf("participant", "nil participant")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if participant.ID == "" {
		participant.ID = newID()
	}
	if participant.InsertedAt.IsZero() {
		participant.InsertedAt = s.now()
	}
	for ch, ext := range participant.ExternalIDs {
		key := participantKey{ch, ext}
		if owner, ok := s.participantsByExternal[key]; ok && owner != participant.ID {
			return fmt.Errorf("external id %s/%s already bound to participant %s: %w", ch, ext, owner, model.ErrConflict)
		}
		s.participantsByExternal[key] = participant.ID
	}
	s.participants[participant.ID] = cloneParticipant(participant)
	return nil
}

func (s *MemStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	participant, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, model.ErrNotFound)
	}
	return cloneParticipant(participant), nil
}

func (s *MemStore) GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalID string, attrs ParticipantAttrs) (*model.Participant, bool, error) {
	if channel == "" || externalID == "" {
		return nil, false, model.Invalidf("external_id", "channel and external_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{channel, externalID}
	if id, ok := s.participantsByExternal[key]; ok {
		if participant, alive := s.participants[id]; alive {
			return cloneParticipant(participant), false, nil
		}
	}
	participantType := attrs.Type
	if participantType == "" {
		participantType = model.ParticipantHuman
	}
	participant := &model.Participant{
		ID:   newID(),
		Type: participantType,
		Identity: model.Identity{
			Username:    attrs.Username,
			DisplayName: attrs.DisplayName,
		},
		ExternalIDs: map[string]string{channel: externalID},
		InsertedAt:  s.now(),
	}
	s.participants[participant.ID] = cloneParticipant(participant)
	s.participantsByExternal[key] = participant.ID
	return participant, true, nil
}

func (s *MemStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return model.Invalidf("message", "nil message")
	}
	if msg.RoomID == "" {
		return model.Invalidf("room_id", "message requires a room")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[msg.RoomID]; !ok {
		return fmt.Errorf("room %s: %w", msg.RoomID, model.ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.InsertedAt.IsZero() {
		msg.InsertedAt = s.now()
	}
	if msg.Status == "" {
		msg.Status = model.StatusSent
	}
	if prev, ok := s.messages[msg.ID]; ok {
		if !model.StatusAdvances(prev.Status, msg.Status) {
			return fmt.Errorf("message %s status %s -> %s: %w", msg.ID, prev.Status, msg.Status, model.ErrConflict)
		}
	} else {
		s.roomMessages[msg.RoomID] = append(s.roomMessages[msg.RoomID], msg.ID)
	}
	if msg.ExternalID != "" {
		key := externalKey{msg.Channel, msg.BridgeID, msg.ExternalID}
		if owner, ok := s.messagesByExternal[key]; ok && owner != msg.ID {
			return fmt.Errorf("external message id %s already recorded as %s: %w", msg.ExternalID, owner, model.ErrConflict)
		}
		s.messagesByExternal[key] = msg.ID
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return cloneMessage(msg), nil
}

func (s *MemStore) ListMessages(ctx context.Context, roomID string, filter MessageFilter) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.roomMessages[roomID]
	var out []*model.Message
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok {
			continue
		}
		if filter.SenderID != "" && msg.SenderID != filter.SenderID {
			continue
		}
		if filter.Role != "" && msg.Role != filter.Role {
			continue
		}
		if filter.Status != "" && msg.Status != filter.Status {
			continue
		}
		if !filter.Before.IsZero() && !msg.InsertedAt.Before(filter.Before) {
			continue
		}
		if !filter.After.IsZero() && !msg.InsertedAt.After(filter.After) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *MemStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	delete(s.messages, id)
	if msg.ExternalID != "" {
		key := externalKey{msg.Channel, msg.BridgeID, msg.ExternalID}
		if s.messagesByExternal[key] == id {
			delete(s.messagesByExternal, key)
		}
	}
	ids := s.roomMessages[msg.RoomID]
	for i, mid := range ids {
		if mid == id {
			s.roomMessages[msg.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) UpdateMessageExternalID(ctx context.Context, msgID, externalID string) error {
	if externalID == "" {
		return model.Invalidf("external_id", "empty external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[msgID]
	if !ok {
		return fmt.Errorf("message %s: %w", msgID, model.ErrNotFound)
	}
	key := externalKey{msg.Channel, msg.BridgeID, externalID}
	if owner, exists := s.messagesByExternal[key]; exists && owner != msgID {
		return fmt.Errorf("external message id %s already recorded as %s: %w", externalID, owner, model.ErrConflict)
	}
	if msg.ExternalID != "" && msg.ExternalID != externalID {
		delete(s.messagesByExternal, externalKey{msg.Channel, msg.BridgeID, msg.ExternalID})
	}
	msg.ExternalID = externalID
	s.messagesByExternal[key] = msgID
	return nil
}

func (s *MemStore) GetMessageByExternalID(ctx context.Context, channel, bridgeID, externalID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := externalKey{channel, bridgeID, externalID}
	id, ok := s.messagesByExternal[key]
	if !ok {
		return nil, fmt.Errorf("external message %s/%s/%s: %w", channel, bridgeID, externalID, model.ErrNotFound)
	}
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return cloneMessage(msg), nil
}

func (s *MemStore) CreateRoomBinding(ctx context.Context, binding *model.RoomBinding) (*model.RoomBinding, error) {
	if binding == nil {
		return nil, model.Invalidf("binding", "nil binding")
	}
	if binding.RoomID == "" || binding.Channel == "" || binding.BridgeID == "" || binding.ExternalRoomID == "" {
		return nil, model.Invalidf("binding", "room_id, channel, bridge_id, and external_room_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := externalKey{binding.Channel, binding.BridgeID, binding.ExternalRoomID}
	if existing, ok := s.bindingsByKey[key]; ok {
		return nil, fmt.Errorf("binding %s/%s/%s already exists as %s: %w", binding.Channel, binding.BridgeID, binding.ExternalRoomID, existing, model.ErrConflict)
	}
	out := cloneBinding(binding)
	if out.ID == "" {
		out.ID = newID()
	}
	if out.Direction == "" {
		out.Direction = model.DirectionBoth
	}
	out.Revision = 1
	out.InsertedAt = s.now()
	s.bindings[out.ID] = out
	s.bindingOrder = append(s.bindingOrder, out.ID)
	s.bindingsByRoom[out.RoomID] = append(s.bindingsByRoom[out.RoomID], out.ID)
	s.bindingsByKey[key] = out.ID
	// Keep the room's own binding map and the reverse index in sync so
	// inbound resolution finds the room immediately.
	if room, ok := s.rooms[out.RoomID]; ok {
		room.SetExternalID(out.Channel, out.BridgeID, out.ExternalRoomID)
		s.roomsByExternal[key] = out.RoomID
	}
	return cloneBinding(out), nil
}

func (s *MemStore) GetRoomBinding(ctx context.Context, id string) (*model.RoomBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	binding, ok := s.bindings[id]
	if !ok {
		return nil, fmt.Errorf("binding %s: %w", id, model.ErrNotFound)
	}
	return cloneBinding(binding), nil
}

func (s *MemStore) ListRoomBindings(ctx context.Context, roomID string) ([]*model.RoomBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bindingsByRoom[roomID]
	out := make([]*model.RoomBinding, 0, len(ids))
	for _, id := range ids {
		if binding, ok := s.bindings[id]; ok {
			out = append(out, cloneBinding(binding))
		}
	}
	return out, nil
}

func (s *MemStore) ListAllRoomBindings(ctx context.Context) ([]*model.RoomBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.RoomBinding, 0, len(s.bindingOrder))
	for _, id := range s.bindingOrder {
		if binding, ok := s.bindings[id]; ok {
			out = append(out, cloneBinding(binding))
		}
	}
	return out, nil
}

func (s *MemStore) UpdateRoomBinding(ctx context.Context, binding *model.RoomBinding) (*model.RoomBinding, error) {
	if binding == nil || binding.ID == "" {
		return nil, model.Invalidf("binding", "id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.bindings[binding.ID]
	if !ok {
		return nil, fmt.Errorf("binding %s: %w", binding.ID, model.ErrNotFound)
	}
	if binding.Revision != 0 && binding.Revision != existing.Revision {
		return nil, fmt.Errorf("binding %s revision %d != %d: %w", binding.ID, binding.Revision, existing.Revision, model.ErrConflict)
	}
	out := cloneBinding(binding)
	out.RoomID = existing.RoomID
	out.Channel = existing.Channel
	out.BridgeID = existing.BridgeID
	out.ExternalRoomID = existing.ExternalRoomID
	out.InsertedAt = existing.InsertedAt
	out.Revision = existing.Revision + 1
	s.bindings[out.ID] = out
	return cloneBinding(out), nil
}

func (s *MemStore) DeleteRoomBinding(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	binding, ok := s.bindings[id]
	if !ok {
		return fmt.Errorf("binding %s: %w", id, model.ErrNotFound)
	}
	delete(s.bindings, id)
	key := externalKey{binding.Channel, binding.BridgeID, binding.ExternalRoomID}
	if s.bindingsByKey[key] == id {
		delete(s.bindingsByKey, key)
	}
	ids := s.bindingsByRoom[binding.RoomID]
	for i, bid := range ids {
		if bid == id {
			s.bindingsByRoom[binding.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	for i, bid := range s.bindingOrder {
		if bid == id {
			s.bindingOrder = append(s.bindingOrder[:i], s.bindingOrder[i+1:]...)
			break
		}
	}
	// Deleting the binding also unbinds the room from the external key so
	// inbound resolution stops matching it.
	if room, ok := s.rooms[binding.RoomID]; ok {
		if byBridge := room.ExternalBindings[binding.Channel]; byBridge != nil {
			delete(byBridge, binding.BridgeID)
		}
	}
	if s.roomsByExternal[key] == binding.RoomID {
		delete(s.roomsByExternal, key)
	}
	return nil
}

func (s *MemStore) SaveDeadLetter(ctx context.Context, record *model.DeadLetterRecord) error {
	if record == nil {
		return model.Invalidf("dead_letter", "nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = newID()
	}
	if record.InsertedAt.IsZero() {
		record.InsertedAt = s.now()
	}
	record.UpdatedAt = s.now()
	if prev, ok := s.deadLetters[record.ID]; ok {
		// Replayed never reverts to captured.
		if prev.Status == model.DeadLetterReplayed && record.Status == model.DeadLetterCaptured {
			return fmt.Errorf("dead letter %s: replayed -> captured: %w", record.ID, model.ErrConflict)
		}
	} else {
		s.deadLetterOrder = append(s.deadLetterOrder, record.ID)
	}
	s.deadLetters[record.ID] = cloneDeadLetter(record)
	return nil
}

func (s *MemStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %s: %w", id, model.ErrNotFound)
	}
	return cloneDeadLetter(record), nil
}

func (s *MemStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*model.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.DeadLetterRecord
	for _, id := range s.deadLetterOrder {
		record, ok := s.deadLetters[id]
		if !ok {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.BridgeID != "" && record.Request.BridgeID != filter.BridgeID {
			continue
		}
		out = append(out, cloneDeadLetter(record))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) DeleteDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return fmt.Errorf("dead letter %s: %w", id, model.ErrNotFound)
	}
	delete(s.deadLetters, id)
	for i, did := range s.deadLetterOrder {
		if did == id {
			s.deadLetterOrder = append(s.deadLetterOrder[:i], s.deadLetterOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) PurgeDeadLetters(ctx context.Context, olderThan time.Time, statuses ...model.DeadLetterStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(status model.DeadLetterStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if status == want {
				return true
			}
		}
		return false
	}
	purged := 0
	kept := s.deadLetterOrder[:0]
	for _, id := range s.deadLetterOrder {
		record, ok := s.deadLetters[id]
		if ok && record.UpdatedAt.Before(olderThan) && match(record.Status) {
			delete(s.deadLetters, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	s.deadLetterOrder = kept
	return purged, nil
}
