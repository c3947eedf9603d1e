// Package sqlstore is the SQLite-backed Store implementation. It honors
// the same race-safety contracts as the in-memory reference store:
// get-or-create operations are serialized behind a process-level mutex and
// backed by unique indexes.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"go.mau.fi/util/dbutil"

	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/store"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db  *dbutil.Database
	now func() time.Time

	// createMu serializes the get-or-create paths so concurrent callers
	// in this process observe exactly one creation per key.
	createMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New wraps an initialized dbutil database. Call Init on the database
// first.
func New(db *dbutil.Database) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens (or creates) a SQLite database at path and initializes the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("wrap db: %w", err)
	}
	if err := Init(ctx, db); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return New(db), nil
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func newID() string {
	return xid.New().String()
}

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" || raw == "null" || raw == "{}" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Rooms.

func (s *Store) SaveRoom(ctx context.Context, room *model.Room) error {
	if room == nil {
		return model.Invalidf("room", "nil room")
	}
	if room.ID == "" {
		room.ID = newID()
	}
	if room.InsertedAt.IsZero() {
		room.InsertedAt = s.now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO rooms (id, type, name, metadata, inserted_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET type=excluded.type, name=excluded.name, metadata=excluded.metadata`,
		room.ID, string(room.Type), room.Name, marshalJSON(room.Metadata), room.InsertedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	for channel, byBridge := range room.ExternalBindings {
		for bridgeID, externalID := range byBridge {
			if err := s.indexRoomBinding(ctx, room.ID, channel, bridgeID, externalID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) indexRoomBinding(ctx context.Context, roomID, channel, bridgeID, externalID string) error {
	var owner string
	err := s.db.QueryRow(ctx,
		`SELECT room_id FROM room_external_bindings WHERE channel=$1 AND bridge_id=$2 AND external_id=$3`,
		channel, bridgeID, externalID,
	).Scan(&owner)
	if err == nil && owner != roomID {
		var alive int
		if scanErr := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM rooms WHERE id=$1`, owner).Scan(&alive); scanErr == nil && alive > 0 {
			return fmt.Errorf("external binding %s/%s/%s already bound to room %s: %w", channel, bridgeID, externalID, owner, model.ErrConflict)
		}
	} else if err != nil && err != sql.ErrNoRows {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO room_external_bindings (channel, bridge_id, external_id, room_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel, bridge_id, external_id) DO UPDATE SET room_id=excluded.room_id`,
		channel, bridgeID, externalID, roomID,
	)
	return err
}

func (s *Store) scanRoom(ctx context.Context, row interface{ Scan(...any) error }) (*model.Room, error) {
	var room model.Room
	var roomType, metadata string
	var insertedAt int64
	if err := row.Scan(&room.ID, &roomType, &room.Name, &metadata, &insertedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	room.Type = model.RoomType(roomType)
	room.Metadata = unmarshalMap(metadata)
	room.InsertedAt = time.UnixMilli(insertedAt)

	rows, err := s.db.Query(ctx,
		`SELECT channel, bridge_id, external_id FROM room_external_bindings WHERE room_id=$1`, room.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var channel, bridgeID, externalID string
		if err := rows.Scan(&channel, &bridgeID, &externalID); err != nil {
			return nil, err
		}
		room.SetExternalID(channel, bridgeID, externalID)
	}
	return &room, rows.Err()
}

func (s *Store) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	room, err := s.scanRoom(ctx, s.db.QueryRow(ctx,
		`SELECT id, type, name, metadata, inserted_at FROM rooms WHERE id=$1`, id))
	if err == model.ErrNotFound {
		return nil, fmt.Errorf("room %s: %w", id, model.ErrNotFound)
	}
	return room, err
}

func (s *Store) ListRooms(ctx context.Context, filter store.RoomFilter, limit, offset int) ([]*model.Room, error) {
	query := `SELECT id FROM rooms`
	var conds []string
	var args []any
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conds = append(conds, fmt.Sprintf("type=$%d", len(args)))
	}
	if filter.NameContains != "" {
		args = append(args, "%"+strings.ToLower(filter.NameContains)+"%")
		conds = append(conds, fmt.Sprintf("LOWER(name) LIKE $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY inserted_at, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		if limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", offset)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*model.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}

func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	result, err := s.db.Exec(ctx, `DELETE FROM rooms WHERE id=$1`, id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("room %s: %w", id, model.ErrNotFound)
	}
	_, err = s.db.Exec(ctx, `DELETE FROM room_external_bindings WHERE room_id=$1`, id)
	return err
}

func (s *Store) GetRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string) (*model.Room, error) {
	var roomID string
	err := s.db.QueryRow(ctx,
		`SELECT room_id FROM room_external_bindings WHERE channel=$1 AND bridge_id=$2 AND external_id=$3`,
		channel, bridgeID, externalID,
	).Scan(&roomID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("binding %s/%s/%s: %w", channel, bridgeID, externalID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, roomID)
}

func (s *Store) GetOrCreateRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string, attrs store.RoomAttrs) (*model.Room, bool, error) {
	if channel == "" || bridgeID == "" || externalID == "" {
		return nil, false, model.Invalidf("external_binding", "channel, bridge_id, and external_id are required")
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()

	room, err := s.GetRoomByExternalBinding(ctx, channel, bridgeID, externalID)
	if err == nil {
		if ensureErr := s.ensureBindingRow(ctx, room.ID, channel, bridgeID, externalID); ensureErr != nil {
			return nil, false, ensureErr
		}
		return room, false, nil
	}

	roomType := attrs.Type
	if roomType == "" {
		roomType = model.RoomTypeGroup
	}
	fresh := &model.Room{
		ID:         newID(),
		Type:       roomType,
		Name:       attrs.Name,
		Metadata:   attrs.Metadata,
		InsertedAt: s.now(),
	}
	fresh.SetExternalID(channel, bridgeID, externalID)
	if err := s.SaveRoom(ctx, fresh); err != nil {
		return nil, false, err
	}
	if err := s.ensureBindingRow(ctx, fresh.ID, channel, bridgeID, externalID); err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

func (s *Store) ensureBindingRow(ctx context.Context, roomID, channel, bridgeID, externalID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO room_bindings (id, room_id, channel, bridge_id, external_room_id, direction, enabled, priority, revision, inserted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, 0, 1, $7)
		 ON CONFLICT (channel, bridge_id, external_room_id)
		 DO UPDATE SET room_id=excluded.room_id, revision=room_bindings.revision+1
		 WHERE room_bindings.room_id <> excluded.room_id`,
		newID(), roomID, channel, bridgeID, externalID, string(model.DirectionBoth), s.now().UnixMilli(),
	)
	return err
}

// Participants.

func (s *Store) SaveParticipant(ctx context.Context, participant *model.Participant) error {
	if participant == nil {
		return model.Invalidf("participant", "nil participant")
	}
	if participant.ID == "" {
		participant.ID = newID()
	}
	if participant.InsertedAt.IsZero() {
		participant.InsertedAt = s.now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO participants (id, type, username, display_name, inserted_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET type=excluded.type, username=excluded.username, display_name=excluded.display_name`,
		participant.ID, string(participant.Type), participant.Identity.Username,
		participant.Identity.DisplayName, participant.InsertedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	for channel, externalID := range participant.ExternalIDs {
		var owner string
		err := s.db.QueryRow(ctx,
			`SELECT participant_id FROM participant_external_ids WHERE channel=$1 AND external_id=$2`,
			channel, externalID,
		).Scan(&owner)
		if err == nil && owner != participant.ID {
			return fmt.Errorf("external id %s/%s already bound to participant %s: %w", channel, externalID, owner, model.ErrConflict)
		}
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if _, err := s.db.Exec(ctx,
			`INSERT OR IGNORE INTO participant_external_ids (channel, external_id, participant_id) VALUES ($1, $2, $3)`,
			channel, externalID, participant.ID,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var participant model.Participant
	var participantType string
	var insertedAt int64
	err := s.db.QueryRow(ctx,
		`SELECT id, type, username, display_name, inserted_at FROM participants WHERE id=$1`, id,
	).Scan(&participant.ID, &participantType, &participant.Identity.Username, &participant.Identity.DisplayName, &insertedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("participant %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	participant.Type = model.ParticipantType(participantType)
	participant.InsertedAt = time.UnixMilli(insertedAt)

	rows, err := s.db.Query(ctx,
		`SELECT channel, external_id FROM participant_external_ids WHERE participant_id=$1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var channel, externalID string
		if err := rows.Scan(&channel, &externalID); err != nil {
			return nil, err
		}
		if participant.ExternalIDs == nil {
			participant.ExternalIDs = make(map[string]string)
		}
		participant.ExternalIDs[channel] = externalID
	}
	return &participant, rows.Err()
}

func (s *Store) GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalID string, attrs store.ParticipantAttrs) (*model.Participant, bool, error) {
	if channel == "" || externalID == "" {
		return nil, false, model.Invalidf("external_id", "channel and external_id are required")
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()

	var participantID string
	err := s.db.QueryRow(ctx,
		`SELECT participant_id FROM participant_external_ids WHERE channel=$1 AND external_id=$2`,
		channel, externalID,
	).Scan(&participantID)
	if err == nil {
		participant, getErr := s.GetParticipant(ctx, participantID)
		return participant, false, getErr
	}
	if err != sql.ErrNoRows {
		return nil, false, err
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
	if err := s.SaveParticipant(ctx, participant); err != nil {
		return nil, false, err
	}
	return participant, true, nil
}
