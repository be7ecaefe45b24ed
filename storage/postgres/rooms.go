package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
)

type roomsStatements struct {
	db *sql.DB
}

const insertRoomSQL = `
	INSERT INTO room (id, audience, source_room_id, classroom_id, kind, time_range,
	                   tags, locked_types, whiteboard_access, preserve_history, created_at)
	VALUES ($1, $2, $3, $4, $5, tstzrange($6, $7, '[)'), $8, $9, $10, $11, $12)
`

func (s *roomsStatements) CreateRoom(ctx context.Context, r *roomapi.Room) error {
	lockedTypes, err := json.Marshal(r.LockedTypes)
	if err != nil {
		return fmt.Errorf("postgres: marshal locked_types: %w", err)
	}
	whiteboard, err := json.Marshal(r.WhiteboardAccess)
	if err != nil {
		return fmt.Errorf("postgres: marshal whiteboard_access: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertRoomSQL,
		r.ID, r.Audience, nullUUID(r.SourceRoomID), nullUUID(r.ClassroomID), r.Kind,
		r.OpenedAt, r.ClosedAt, nullJSON(r.Tags), lockedTypes, whiteboard, r.PreserveHistory, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert room: %w", err)
	}
	return nil
}

const selectRoomSQL = `
	SELECT id, audience, source_room_id, classroom_id, kind,
	       lower(time_range), upper(time_range), tags, locked_types, whiteboard_access,
	       preserve_history, created_at
	FROM room WHERE id = $1
`

func (s *roomsStatements) GetRoom(ctx context.Context, id uuid.UUID) (*roomapi.Room, error) {
	row := s.db.QueryRowContext(ctx, selectRoomSQL, id)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (*roomapi.Room, error) {
	var (
		r                       roomapi.Room
		sourceRoomID, classroom sql.NullString
		closedAt                sql.NullTime
		tags                    []byte
		lockedTypes             []byte
		whiteboard              []byte
	)
	err := row.Scan(&r.ID, &r.Audience, &sourceRoomID, &classroom, &r.Kind,
		&r.OpenedAt, &closedAt, &tags, &lockedTypes, &whiteboard, &r.PreserveHistory, &r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan room: %w", err)
	}
	if sourceRoomID.Valid {
		id, perr := uuid.Parse(sourceRoomID.String)
		if perr != nil {
			return nil, fmt.Errorf("postgres: parse source_room_id: %w", perr)
		}
		r.SourceRoomID = &id
	}
	if classroom.Valid {
		id, perr := uuid.Parse(classroom.String)
		if perr != nil {
			return nil, fmt.Errorf("postgres: parse classroom_id: %w", perr)
		}
		r.ClassroomID = &id
	}
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	if len(tags) > 0 {
		r.Tags = json.RawMessage(tags)
	}
	if len(lockedTypes) > 0 {
		if err := json.Unmarshal(lockedTypes, &r.LockedTypes); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal locked_types: %w", err)
		}
	}
	if len(whiteboard) > 0 {
		if err := json.Unmarshal(whiteboard, &r.WhiteboardAccess); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal whiteboard_access: %w", err)
		}
	}
	return &r, nil
}

const updateRoomSQL = `
	UPDATE room SET
		time_range = tstzrange(lower(time_range), $2, '[)'),
		tags = $3,
		locked_types = $4,
		whiteboard_access = $5,
		classroom_id = $6
	WHERE id = $1
`

// UpdateRoom implements the permissive room.update variant: opening time is
// never changed once persisted (callers must not send it); closing time may
// move, including into the past, which closes the room (spec.md §3, §9 open
// question resolved toward the current/permissive docs).
func (s *roomsStatements) UpdateRoom(ctx context.Context, r *roomapi.Room) error {
	lockedTypes, err := json.Marshal(r.LockedTypes)
	if err != nil {
		return fmt.Errorf("postgres: marshal locked_types: %w", err)
	}
	whiteboard, err := json.Marshal(r.WhiteboardAccess)
	if err != nil {
		return fmt.Errorf("postgres: marshal whiteboard_access: %w", err)
	}
	res, err := s.db.ExecContext(ctx, updateRoomSQL, r.ID, r.ClosedAt, nullJSON(r.Tags), lockedTypes, whiteboard, nullUUID(r.ClassroomID))
	if err != nil {
		return fmt.Errorf("postgres: update room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update room rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *roomsStatements) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete room: %w", err)
	}
	return nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
