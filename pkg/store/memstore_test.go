package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beeper/bridgekit/pkg/model"
)

func TestGetOrCreateRoomByExternalBindingConcurrent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	ids := make([]string, callers)
	createdCount := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, created, err := s.GetOrCreateRoomByExternalBinding(ctx, "telegram", "bridge_tg", "chat_42", RoomAttrs{})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			ids[i] = room.ID
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got room %q, caller 0 got %q", i, ids[i], ids[0])
		}
	}
	for _, c := range createdCount {
		if c {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
}

func TestGetOrCreateRoomRecoversStaleBinding(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	first, created, err := s.GetOrCreateRoomByExternalBinding(ctx, "discord", "bridge_dc", "guild_1", RoomAttrs{})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if err := s.DeleteRoom(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, created, err := s.GetOrCreateRoomByExternalBinding(ctx, "discord", "bridge_dc", "guild_1", RoomAttrs{})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh room after stale binding")
	}
	if second.ID == first.ID {
		t.Fatalf("expected new room id, got the deleted one")
	}
	got, err := s.GetRoomByExternalBinding(ctx, "discord", "bridge_dc", "guild_1")
	if err != nil {
		t.Fatalf("lookup after repair: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("index points at %q, want %q", got.ID, second.ID)
	}
}

func TestGetOrCreateParticipantConcurrent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _, err := s.GetOrCreateParticipantByExternalID(ctx, "slack", "U123", ParticipantAttrs{Username: "alice"})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got participant %q, caller 0 got %q", i, ids[i], ids[0])
		}
	}
}

func TestSaveGetSaveRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	room := &model.Room{Type: model.RoomTypeGroup, Name: "ops"}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := s.SaveRoom(ctx, got); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	again, err := s.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("re-get: %v", err)
	}
	if again.Name != "ops" || again.Type != model.RoomTypeGroup || !again.InsertedAt.Equal(got.InsertedAt) {
		t.Fatalf("round trip changed the room: %+v vs %+v", again, got)
	}
}

func TestBindingLifecycle(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	room := &model.Room{Type: model.RoomTypeGroup}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save room: %v", err)
	}
	binding, err := s.CreateRoomBinding(ctx, &model.RoomBinding{
		RoomID:         room.ID,
		Channel:        "telegram",
		BridgeID:       "bridge_tg",
		ExternalRoomID: "chat_9",
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("create binding: %v", err)
	}
	if binding.Revision != 1 || binding.Direction != model.DirectionBoth {
		t.Fatalf("binding defaults wrong: %+v", binding)
	}

	got, err := s.GetRoomByExternalBinding(ctx, "telegram", "bridge_tg", "chat_9")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != room.ID {
		t.Fatalf("lookup resolved %q, want %q", got.ID, room.ID)
	}

	if _, err := s.CreateRoomBinding(ctx, &model.RoomBinding{
		RoomID: room.ID, Channel: "telegram", BridgeID: "bridge_tg", ExternalRoomID: "chat_9",
	}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate binding: want conflict, got %v", err)
	}

	if err := s.DeleteRoomBinding(ctx, binding.ID); err != nil {
		t.Fatalf("delete binding: %v", err)
	}
	if _, err := s.GetRoomByExternalBinding(ctx, "telegram", "bridge_tg", "chat_9"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("lookup after delete: want not found, got %v", err)
	}
}

func TestMessageExternalIDUniqueness(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	room := &model.Room{Type: model.RoomTypeGroup}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save room: %v", err)
	}
	first := &model.Message{
		RoomID: room.ID, SenderID: "p1", Role: model.RoleUser,
		Channel: "telegram", BridgeID: "bridge_tg", ExternalID: "msg_1",
		Content: []model.ContentBlock{model.TextBlock("hi")},
	}
	if err := s.SaveMessage(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	dup := &model.Message{
		RoomID: room.ID, SenderID: "p2", Role: model.RoleUser,
		Channel: "telegram", BridgeID: "bridge_tg", ExternalID: "msg_1",
		Content: []model.ContentBlock{model.TextBlock("again")},
	}
	if err := s.SaveMessage(ctx, dup); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate external id: want conflict, got %v", err)
	}

	got, err := s.GetMessageByExternalID(ctx, "telegram", "bridge_tg", "msg_1")
	if err != nil {
		t.Fatalf("external lookup: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("external lookup resolved %q, want %q", got.ID, first.ID)
	}
}

func TestUpdateMessageExternalID(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	room := &model.Room{Type: model.RoomTypeGroup}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save room: %v", err)
	}
	msg := &model.Message{
		RoomID: room.ID, SenderID: "p1", Role: model.RoleAssistant,
		Channel: "telegram", BridgeID: "bridge_tg",
		Content: []model.ContentBlock{model.TextBlock("out")},
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.UpdateMessageExternalID(ctx, msg.ID, "prov_77"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetMessageByExternalID(ctx, "telegram", "bridge_tg", "prov_77")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != msg.ID {
		t.Fatalf("lookup resolved %q, want %q", got.ID, msg.ID)
	}
}

func TestListMessagesFilter(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	room := &model.Room{Type: model.RoomTypeGroup}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save room: %v", err)
	}
	for i, role := range []model.Role{model.RoleUser, model.RoleAssistant, model.RoleUser} {
		msg := &model.Message{
			RoomID: room.ID, SenderID: "p1", Role: role,
			Content: []model.ContentBlock{model.TextBlock("m")},
		}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	users, err := s.ListMessages(ctx, room.ID, MessageFilter{Role: model.RoleUser})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 user messages, got %d", len(users))
	}
	limited, err := s.ListMessages(ctx, room.ID, MessageFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 message, got %d", len(limited))
	}
}

func TestDeadLetterStatusNeverRevertsFromReplayed(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	record := &model.DeadLetterRecord{
		Request: model.OutboundRequest{Operation: model.OpSend, BridgeID: "b", ExternalRoomID: "r", Text: "x"},
		Error:   "network_timeout",
		Status:  model.DeadLetterCaptured,
	}
	if err := s.SaveDeadLetter(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}
	record.Status = model.DeadLetterReplayed
	if err := s.SaveDeadLetter(ctx, record); err != nil {
		t.Fatalf("replayed: %v", err)
	}
	record.Status = model.DeadLetterCaptured
	if err := s.SaveDeadLetter(ctx, record); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("replayed -> captured: want conflict, got %v", err)
	}
}

func TestPurgeDeadLetters(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s.SetClock(func() time.Time { return current })

	old := &model.DeadLetterRecord{
		Request: model.OutboundRequest{Operation: model.OpSend, BridgeID: "b", ExternalRoomID: "r"},
		Status:  model.DeadLetterArchived,
	}
	if err := s.SaveDeadLetter(ctx, old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	current = base.Add(2 * time.Hour)
	fresh := &model.DeadLetterRecord{
		Request: model.OutboundRequest{Operation: model.OpSend, BridgeID: "b", ExternalRoomID: "r"},
		Status:  model.DeadLetterArchived,
	}
	if err := s.SaveDeadLetter(ctx, fresh); err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	purged, err := s.PurgeDeadLetters(ctx, base.Add(time.Hour), model.DeadLetterArchived)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if _, err := s.GetDeadLetter(ctx, old.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("old record should be gone, got %v", err)
	}
	if _, err := s.GetDeadLetter(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh record should remain: %v", err)
	}
}
