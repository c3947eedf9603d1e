package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/store"
)

const messageColumns = `id, room_id, sender_id, role, content, status, channel, bridge_id, external_id, reply_to_id, metadata, inserted_at`

func (s *Store) scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var msg model.Message
	var role, status, content, metadata string
	var insertedAt int64
	err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &role, &content, &status,
		&msg.Channel, &msg.BridgeID, &msg.ExternalID, &msg.ReplyToID, &metadata, &insertedAt)
	if err != nil {
		return nil, err
	}
	msg.Role = model.Role(role)
	msg.Status = model.MessageStatus(status)
	msg.Metadata = unmarshalMap(metadata)
	msg.InsertedAt = time.UnixMilli(insertedAt)
	if content != "" && content != "null" {
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
	}
	return &msg, nil
}

func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return model.Invalidf("message", "nil message")
	}
	if msg.RoomID == "" {
		return model.Invalidf("room_id", "message requires a room")
	}
	var exists int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM rooms WHERE id=$1`, msg.RoomID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
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
	var prevStatus string
	err := s.db.QueryRow(ctx, `SELECT status FROM messages WHERE id=$1`, msg.ID).Scan(&prevStatus)
	if err == nil {
		if !model.StatusAdvances(model.MessageStatus(prevStatus), msg.Status) {
			return fmt.Errorf("message %s status %s -> %s: %w", msg.ID, prevStatus, msg.Status, model.ErrConflict)
		}
	} else if err != sql.ErrNoRows {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			status=excluded.status, content=excluded.content, metadata=excluded.metadata,
			channel=excluded.channel, bridge_id=excluded.bridge_id, external_id=excluded.external_id`,
		msg.ID, msg.RoomID, msg.SenderID, string(msg.Role), marshalJSON(msg.Content), string(msg.Status),
		msg.Channel, msg.BridgeID, msg.ExternalID, msg.ReplyToID, marshalJSON(msg.Metadata), msg.InsertedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("external message id %s already recorded: %w", msg.ExternalID, model.ErrConflict)
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	msg, err := s.scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return msg, err
}

func (s *Store) ListMessages(ctx context.Context, roomID string, filter store.MessageFilter) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id=$1`
	args := []any{roomID}
	if filter.SenderID != "" {
		args = append(args, filter.SenderID)
		query += fmt.Sprintf(" AND sender_id=$%d", len(args))
	}
	if filter.Role != "" {
		args = append(args, string(filter.Role))
		query += fmt.Sprintf(" AND role=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if !filter.Before.IsZero() {
		args = append(args, filter.Before.UnixMilli())
		query += fmt.Sprintf(" AND inserted_at < $%d", len(args))
	}
	if !filter.After.IsZero() {
		args = append(args, filter.After.UnixMilli())
		query += fmt.Sprintf(" AND inserted_at > $%d", len(args))
	}
	query += " ORDER BY inserted_at, rowid"
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.db.Exec(ctx, `DELETE FROM messages WHERE id=$1`, id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateMessageExternalID(ctx context.Context, msgID, externalID string) error {
	if externalID == "" {
		return model.Invalidf("external_id", "empty external id")
	}
	result, err := s.db.Exec(ctx, `UPDATE messages SET external_id=$1 WHERE id=$2`, externalID, msgID)
	if isUniqueViolation(err) {
		return fmt.Errorf("external message id %s already recorded: %w", externalID, model.ErrConflict)
	}
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("message %s: %w", msgID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) GetMessageByExternalID(ctx context.Context, channel, bridgeID, externalID string) (*model.Message, error) {
	msg, err := s.scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel=$1 AND bridge_id=$2 AND external_id=$3`,
		channel, bridgeID, externalID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("external message %s/%s/%s: %w", channel, bridgeID, externalID, model.ErrNotFound)
	}
	return msg, err
}

// Room bindings.

const bindingColumns = `id, room_id, channel, bridge_id, external_room_id, direction, enabled, priority, revision, inserted_at`

func scanBinding(row interface{ Scan(...any) error }) (*model.RoomBinding, error) {
	var binding model.RoomBinding
	var direction string
	var enabled int
	var insertedAt int64
	err := row.Scan(&binding.ID, &binding.RoomID, &binding.Channel, &binding.BridgeID,
		&binding.ExternalRoomID, &direction, &enabled, &binding.Priority, &binding.Revision, &insertedAt)
	if err != nil {
		return nil, err
	}
	binding.Direction = model.Direction(direction)
	binding.Enabled = enabled != 0
	binding.InsertedAt = time.UnixMilli(insertedAt)
	return &binding, nil
}

func (s *Store) CreateRoomBinding(ctx context.Context, binding *model.RoomBinding) (*model.RoomBinding, error) {
	if binding == nil {
		return nil, model.Invalidf("binding", "nil binding")
	}
	if binding.RoomID == "" || binding.Channel == "" || binding.BridgeID == "" || binding.ExternalRoomID == "" {
		return nil, model.Invalidf("binding", "room_id, channel, bridge_id, and external_room_id are required")
	}
	out := *binding
	if out.ID == "" {
		out.ID = newID()
	}
	if out.Direction == "" {
		out.Direction = model.DirectionBoth
	}
	out.Revision = 1
	out.InsertedAt = s.now()
	enabled := 0
	if out.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO room_bindings (`+bindingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		out.ID, out.RoomID, out.Channel, out.BridgeID, out.ExternalRoomID,
		string(out.Direction), enabled, out.Priority, out.Revision, out.InsertedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("binding %s/%s/%s already exists: %w", out.Channel, out.BridgeID, out.ExternalRoomID, model.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	if err := s.indexRoomBinding(ctx, out.RoomID, out.Channel, out.BridgeID, out.ExternalRoomID); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetRoomBinding(ctx context.Context, id string) (*model.RoomBinding, error) {
	binding, err := scanBinding(s.db.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM room_bindings WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("binding %s: %w", id, model.ErrNotFound)
	}
	return binding, err
}

func (s *Store) listBindings(ctx context.Context, query string, args ...any) ([]*model.RoomBinding, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.RoomBinding
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, binding)
	}
	return out, rows.Err()
}

func (s *Store) ListRoomBindings(ctx context.Context, roomID string) ([]*model.RoomBinding, error) {
	return s.listBindings(ctx,
		`SELECT `+bindingColumns+` FROM room_bindings WHERE room_id=$1 ORDER BY inserted_at, rowid`, roomID)
}

func (s *Store) ListAllRoomBindings(ctx context.Context) ([]*model.RoomBinding, error) {
	return s.listBindings(ctx,
		`SELECT `+bindingColumns+` FROM room_bindings ORDER BY inserted_at, rowid`)
}

func (s *Store) UpdateRoomBinding(ctx context.Context, binding *model.RoomBinding) (*model.RoomBinding, error) {
	if binding == nil || binding.ID == "" {
		return nil, model.Invalidf("binding", "id is required")
	}
	existing, err := s.GetRoomBinding(ctx, binding.ID)
	if err != nil {
		return nil, err
	}
	if binding.Revision != 0 && binding.Revision != existing.Revision {
		return nil, fmt.Errorf("binding %s revision %d != %d: %w", binding.ID, binding.Revision, existing.Revision, model.ErrConflict)
	}
	enabled := 0
	if binding.Enabled {
		enabled = 1
	}
	direction := binding.Direction
	if direction == "" {
		direction = existing.Direction
	}
	_, err = s.db.Exec(ctx,
		`UPDATE room_bindings SET direction=$1, enabled=$2, priority=$3, revision=$4 WHERE id=$5`,
		string(direction), enabled, binding.Priority, existing.Revision+1, binding.ID,
	)
	if err != nil {
		return nil, err
	}
	return s.GetRoomBinding(ctx, binding.ID)
}

func (s *Store) DeleteRoomBinding(ctx context.Context, id string) error {
	binding, err := s.GetRoomBinding(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM room_bindings WHERE id=$1`, id); err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`DELETE FROM room_external_bindings WHERE channel=$1 AND bridge_id=$2 AND external_id=$3 AND room_id=$4`,
		binding.Channel, binding.BridgeID, binding.ExternalRoomID, binding.RoomID,
	)
	return err
}

// Dead letters.

func (s *Store) SaveDeadLetter(ctx context.Context, record *model.DeadLetterRecord) error {
	if record == nil {
		return model.Invalidf("dead_letter", "nil record")
	}
	if record.ID == "" {
		record.ID = newID()
	}
	if record.InsertedAt.IsZero() {
		record.InsertedAt = s.now()
	}
	record.UpdatedAt = s.now()
	var prevStatus string
	err := s.db.QueryRow(ctx, `SELECT status FROM dead_letters WHERE id=$1`, record.ID).Scan(&prevStatus)
	if err == nil {
		if model.DeadLetterStatus(prevStatus) == model.DeadLetterReplayed && record.Status == model.DeadLetterCaptured {
			return fmt.Errorf("dead letter %s: replayed -> captured: %w", record.ID, model.ErrConflict)
		}
	} else if err != sql.ErrNoRows {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO dead_letters (id, instance, request, error, diagnostics, status, replay_attempts, response, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			status=excluded.status, replay_attempts=excluded.replay_attempts,
			response=excluded.response, updated_at=excluded.updated_at`,
		record.ID, record.Instance, marshalJSON(record.Request), record.Error,
		marshalJSON(record.Diagnostics), string(record.Status), record.ReplayAttempts,
		marshalJSON(record.Response), record.InsertedAt.UnixMilli(), record.UpdatedAt.UnixMilli(),
	)
	return err
}

const deadLetterColumns = `id, instance, request, error, diagnostics, status, replay_attempts, response, inserted_at, updated_at`

func scanDeadLetter(row interface{ Scan(...any) error }) (*model.DeadLetterRecord, error) {
	var record model.DeadLetterRecord
	var request, diagnostics, response, status string
	var insertedAt, updatedAt int64
	err := row.Scan(&record.ID, &record.Instance, &request, &record.Error, &diagnostics,
		&status, &record.ReplayAttempts, &response, &insertedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	record.Status = model.DeadLetterStatus(status)
	record.InsertedAt = time.UnixMilli(insertedAt)
	record.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(request), &record.Request); err != nil {
		return nil, fmt.Errorf("decode dead letter request: %w", err)
	}
	if err := json.Unmarshal([]byte(diagnostics), &record.Diagnostics); err != nil {
		return nil, fmt.Errorf("decode dead letter diagnostics: %w", err)
	}
	record.Response = unmarshalMap(response)
	return &record, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterRecord, error) {
	record, err := scanDeadLetter(s.db.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dead letter %s: %w", id, model.ErrNotFound)
	}
	return record, err
}

func (s *Store) ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]*model.DeadLetterRecord, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY inserted_at, rowid"
	if filter.Limit > 0 && filter.BridgeID == "" {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.DeadLetterRecord
	for rows.Next() {
		record, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		if filter.BridgeID != "" && record.Request.BridgeID != filter.BridgeID {
			continue
		}
		out = append(out, record)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	result, err := s.db.Exec(ctx, `DELETE FROM dead_letters WHERE id=$1`, id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("dead letter %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Time, statuses ...model.DeadLetterStatus) (int, error) {
	query := `DELETE FROM dead_letters WHERE updated_at < $1`
	args := []any{olderThan.UnixMilli()}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			args = append(args, string(status))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	result, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}
