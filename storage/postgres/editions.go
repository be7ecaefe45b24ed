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

type editionsStatements struct {
	db *sql.DB
}

const insertEditionSQL = `
	INSERT INTO edition (id, source_room_id, created_by, created_at) VALUES ($1, $2, $3, $4)
`

func (s *editionsStatements) CreateEdition(ctx context.Context, e roomapi.Edition) error {
	_, err := s.db.ExecContext(ctx, insertEditionSQL, e.ID, e.SourceRoomID, e.CreatedBy.String(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create edition: %w", err)
	}
	return nil
}

const selectEditionSQL = `
	SELECT id, source_room_id, created_by, created_at FROM edition WHERE id = $1
`

func (s *editionsStatements) GetEdition(ctx context.Context, id uuid.UUID) (*roomapi.Edition, error) {
	var (
		e         roomapi.Edition
		createdBy string
	)
	row := s.db.QueryRowContext(ctx, selectEditionSQL, id)
	if err := row.Scan(&e.ID, &e.SourceRoomID, &createdBy, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get edition: %w", err)
	}
	parsed, err := roomapi.ParseAgentID(createdBy)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse created_by: %w", err)
	}
	e.CreatedBy = parsed
	return &e, nil
}

// DeleteEdition cascades to its changes via ON DELETE CASCADE (spec.md §3).
func (s *editionsStatements) DeleteEdition(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM edition WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete edition: %w", err)
	}
	return nil
}

const listEditionsSQL = `
	SELECT id, source_room_id, created_by, created_at FROM edition WHERE source_room_id = $1 ORDER BY created_at ASC
`

func (s *editionsStatements) ListEditions(ctx context.Context, roomID uuid.UUID) ([]roomapi.Edition, error) {
	rows, err := s.db.QueryContext(ctx, listEditionsSQL, roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list editions: %w", err)
	}
	defer rows.Close()

	var out []roomapi.Edition
	for rows.Next() {
		var (
			e         roomapi.Edition
			createdBy string
		)
		if err := rows.Scan(&e.ID, &e.SourceRoomID, &createdBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan edition: %w", err)
		}
		parsed, err := roomapi.ParseAgentID(createdBy)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse created_by: %w", err)
		}
		e.CreatedBy = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}

const insertChangeSQL = `
	INSERT INTO change (id, edition_id, kind, event_id, kind_value, set_name, label, data,
	                     occurred_at, created_by, removed, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

func (s *editionsStatements) CreateChange(ctx context.Context, c roomapi.Change) error {
	var dataVal any
	if len(c.Data) > 0 {
		dataVal = []byte(c.Data)
	}
	var createdByVal any
	if c.CreatedBy != nil {
		createdByVal = c.CreatedBy.String()
	}
	_, err := s.db.ExecContext(ctx, insertChangeSQL,
		c.ID, c.EditionID, c.Kind, nullUUID(c.EventID), c.Kind_, c.Set, c.Label, dataVal,
		c.OccurredAt, createdByVal, c.Removed, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create change: %w", err)
	}
	return nil
}

func (s *editionsStatements) DeleteChange(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM change WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete change: %w", err)
	}
	return nil
}

const listChangesSQL = `
	SELECT id, edition_id, kind, event_id, kind_value, set_name, label, data,
	       occurred_at, created_by, removed, created_at
	FROM change WHERE edition_id = $1 ORDER BY created_at ASC
`

// ListChanges orders by created_at so callers can apply modification
// overrides in insertion order, later overrides winning (spec.md §4.F
// determinism rule).
func (s *editionsStatements) ListChanges(ctx context.Context, editionID uuid.UUID) ([]roomapi.Change, error) {
	rows, err := s.db.QueryContext(ctx, listChangesSQL, editionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list changes: %w", err)
	}
	defer rows.Close()

	var out []roomapi.Change
	for rows.Next() {
		var (
			c                             roomapi.Change
			kind                          string
			eventID, createdBy            sql.NullString
			kindValue, setName, label     sql.NullString
			occurredAt                    sql.NullInt64
			data                          []byte
			removed                       sql.NullBool
		)
		err := rows.Scan(&c.ID, &c.EditionID, &kind, &eventID, &kindValue, &setName, &label, &data,
			&occurredAt, &createdBy, &removed, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan change: %w", err)
		}
		c.Kind = roomapi.ChangeKind(kind)
		if eventID.Valid {
			id, perr := uuid.Parse(eventID.String)
			if perr != nil {
				return nil, fmt.Errorf("postgres: parse change event_id: %w", perr)
			}
			c.EventID = &id
		}
		if kindValue.Valid {
			v := kindValue.String
			c.Kind_ = &v
		}
		if setName.Valid {
			v := setName.String
			c.Set = &v
		}
		if label.Valid {
			v := label.String
			c.Label = &v
		}
		if len(data) > 0 {
			c.Data = json.RawMessage(data)
		}
		if occurredAt.Valid {
			v := occurredAt.Int64
			c.OccurredAt = &v
		}
		if createdBy.Valid {
			parsed, perr := roomapi.ParseAgentID(createdBy.String)
			if perr != nil {
				return nil, fmt.Errorf("postgres: parse change created_by: %w", perr)
			}
			c.CreatedBy = &parsed
		}
		if removed.Valid {
			v := removed.Bool
			c.Removed = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
