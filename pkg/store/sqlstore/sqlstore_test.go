package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	// A single connection keeps :memory: databases coherent across
	// goroutines.
	raw.SetMaxOpenConns(1)
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	if err := Init(context.Background(), db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return New(db)
}

func TestRoomRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room := &model.Room{Type: model.RoomTypeGroup, Name: "ops", Metadata: map[string]any{"team": "sre"}}
	room.SetExternalID("telegram", "bridge_tg", "chat_1")
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "ops" || got.ExternalID("telegram", "bridge_tg") != "chat_1" {
		t.Fatalf("round trip = %+v", got)
	}
	if got.Metadata["team"] != "sre" {
		t.Fatalf("metadata = %v", got.Metadata)
	}

	byBinding, err := s.GetRoomByExternalBinding(ctx, "telegram", "bridge_tg", "chat_1")
	if err != nil || byBinding.ID != room.ID {
		t.Fatalf("binding lookup = %+v err=%v", byBinding, err)
	}
}

func TestGetOrCreateRoomConcurrent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, _, err := s.GetOrCreateRoomByExternalBinding(ctx, "fake", "b1", "ext_1", store.RoomAttrs{})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			ids[i] = room.ID
		}(i)
	}
	wg.Wait()
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got %q, caller 0 got %q", i, ids[i], ids[0])
		}
	}
	// First inbound also records the binding row.
	bindings, err := s.ListRoomBindings(ctx, ids[0])
	if err != nil || len(bindings) != 1 {
		t.Fatalf("bindings = %d err=%v", len(bindings), err)
	}
}

func TestStaleBindingRecovery(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first, _, err := s.GetOrCreateRoomByExternalBinding(ctx, "fake", "b1", "ext_9", store.RoomAttrs{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteRoom(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, created, err := s.GetOrCreateRoomByExternalBinding(ctx, "fake", "b1", "ext_9", store.RoomAttrs{})
	if err != nil || !created {
		t.Fatalf("recovery: created=%v err=%v", created, err)
	}
	if second.ID == first.ID {
		t.Fatalf("stale room id reused")
	}
}

func TestMessageLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room := &model.Room{Type: model.RoomTypeGroup}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save room: %v", err)
	}
	msg := &model.Message{
		RoomID: room.ID, SenderID: "p1", Role: model.RoleUser,
		Channel: "fake", BridgeID: "b1", ExternalID: "m1",
		Content: []model.ContentBlock{model.TextBlock("hello")},
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("save message: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil || got.TextContent() != "hello" || got.Status != model.StatusSent {
		t.Fatalf("get = %+v err=%v", got, err)
	}

	dup := &model.Message{
		RoomID: room.ID, SenderID: "p2", Role: model.RoleUser,
		Channel: "fake", BridgeID: "b1", ExternalID: "m1",
		Content: []model.ContentBlock{model.TextBlock("again")},
	}
	if err := s.SaveMessage(ctx, dup); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate external id: %v", err)
	}

	byExternal, err := s.GetMessageByExternalID(ctx, "fake", "b1", "m1")
	if err != nil || byExternal.ID != msg.ID {
		t.Fatalf("external lookup = %+v err=%v", byExternal, err)
	}

	// Status never regresses.
	msg.Status = model.StatusDelivered
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("advance: %v", err)
	}
	msg.Status = model.StatusSending
	if err := s.SaveMessage(ctx, msg); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("regression allowed: %v", err)
	}

	msgs, err := s.ListMessages(ctx, room.ID, store.MessageFilter{Role: model.RoleUser})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("list = %d err=%v", len(msgs), err)
	}
}

func TestBindingLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room := &model.Room{Type: model.RoomTypeGroup}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save room: %v", err)
	}
	binding, err := s.CreateRoomBinding(ctx, &model.RoomBinding{
		RoomID: room.ID, Channel: "fake", BridgeID: "b1",
		ExternalRoomID: "ext_1", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if binding.Revision != 1 || binding.Direction != model.DirectionBoth {
		t.Fatalf("defaults = %+v", binding)
	}

	if _, err := s.CreateRoomBinding(ctx, &model.RoomBinding{
		RoomID: room.ID, Channel: "fake", BridgeID: "b1", ExternalRoomID: "ext_1",
	}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate: %v", err)
	}

	binding.Enabled = false
	updated, err := s.UpdateRoomBinding(ctx, binding)
	if err != nil || updated.Enabled || updated.Revision != 2 {
		t.Fatalf("update = %+v err=%v", updated, err)
	}

	if err := s.DeleteRoomBinding(ctx, binding.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRoomByExternalBinding(ctx, "fake", "b1", "ext_1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("lookup after delete: %v", err)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	record := &model.DeadLetterRecord{
		Request: model.OutboundRequest{
			Operation: model.OpSend, Channel: "fake", BridgeID: "b1",
			ExternalRoomID: "ext_1", Text: "doomed", RoutingKey: "b1:ext_1",
		},
		Error:  "network_timeout",
		Status: model.DeadLetterCaptured,
	}
	if err := s.SaveDeadLetter(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetDeadLetter(ctx, record.ID)
	if err != nil || got.Request.Text != "doomed" {
		t.Fatalf("get = %+v err=%v", got, err)
	}

	got.Status = model.DeadLetterReplayed
	got.Response = map[string]any{"message_id": "Y"}
	if err := s.SaveDeadLetter(ctx, got); err != nil {
		t.Fatalf("replayed: %v", err)
	}
	got.Status = model.DeadLetterCaptured
	if err := s.SaveDeadLetter(ctx, got); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("replayed -> captured: %v", err)
	}

	records, err := s.ListDeadLetters(ctx, store.DeadLetterFilter{Status: model.DeadLetterReplayed})
	if err != nil || len(records) != 1 {
		t.Fatalf("list = %d err=%v", len(records), err)
	}
}

func TestParticipantGetOrCreate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first, created, err := s.GetOrCreateParticipantByExternalID(ctx, "fake", "u1", store.ParticipantAttrs{Username: "alice"})
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	second, created, err := s.GetOrCreateParticipantByExternalID(ctx, "fake", "u1", store.ParticipantAttrs{})
	if err != nil || created {
		t.Fatalf("second: created=%v err=%v", created, err)
	}
	if second.ID != first.ID || second.Identity.Username != "alice" {
		t.Fatalf("second = %+v", second)
	}
}
