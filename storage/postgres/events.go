package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/internal/sqlutil"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
)

type eventsStatements struct {
	primary *sql.DB
	replica *sql.DB
}

const selectEarliestInSeriesSQL = `
	SELECT occurred_at, created_by, created_at
	FROM event
	WHERE room_id = $1 AND set_name = $2 AND label IS NOT DISTINCT FROM $3 AND deleted_at IS NULL
	ORDER BY occurred_at ASC, created_at ASC
	LIMIT 1
	FOR UPDATE
`

const insertEventSQL = `
	INSERT INTO event (id, room_id, kind, set_name, label, data, binary_data,
	                    occurred_at, created_by, created_at, original_occurred_at, original_created_by,
	                    priority, removed, attribute, entity_type, entity_event_id, source_command_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`

// InsertEventWithOriginalTracking implements the transactional procedure of
// spec.md §4.B: lock the (room,set,label) series, derive
// original_occurred_at/original_created_by from the earliest surviving row,
// and stamp a strictly-increasing created_at when the caller did not supply
// one. It is the single place the original-tracking rule lives, per the
// "trigger-embedded logic" design note in spec.md §9.
func (s *eventsStatements) InsertEventWithOriginalTracking(ctx context.Context, in storage.NewEventInput) (roomapi.Event, error) {
	var result roomapi.Event
	labelKey := ""
	if in.Label != nil {
		labelKey = *in.Label
	}

	err := sqlutil.WithTransaction(ctx, s.primary, func(txn *sql.Tx) error {
		if err := sqlutil.LockSeries(ctx, txn, in.RoomID.String(), in.Set, labelKey); err != nil {
			return err
		}

		var (
			origOccurredAt sql.NullInt64
			origCreatedBy  sql.NullString
			origCreatedAt  sql.NullTime
		)
		row := txn.QueryRowContext(ctx, selectEarliestInSeriesSQL, in.RoomID, in.Set, nullString(in.Label))
		err := row.Scan(&origOccurredAt, &origCreatedBy, &origCreatedAt)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("postgres: select earliest in series: %w", err)
		}

		id := uuid.New()
		originalOccurredAt := in.OccurredAt
		if origOccurredAt.Valid {
			originalOccurredAt = origOccurredAt.Int64
		}
		originalCreatedBy := in.CreatedBy
		if origCreatedBy.Valid {
			parsed, perr := roomapi.ParseAgentID(origCreatedBy.String)
			if perr != nil {
				return fmt.Errorf("postgres: parse original_created_by: %w", perr)
			}
			originalCreatedBy = parsed
		}

		createdAt := time.Now().UTC()
		if in.CreatedAtOverride != nil {
			createdAt = *in.CreatedAtOverride
		} else if origCreatedAt.Valid {
			floor := origCreatedAt.Time.Add(time.Microsecond)
			if floor.After(createdAt) {
				createdAt = floor
			}
		}

		var dataVal any
		if len(in.Data) > 0 {
			dataVal = in.Data
		}
		var binVal any
		if len(in.BinaryData) > 0 {
			binVal = in.BinaryData
		}

		_, err = txn.ExecContext(ctx, insertEventSQL,
			id, in.RoomID, in.Kind, in.Set, nullString(in.Label), dataVal, binVal,
			in.OccurredAt, in.CreatedBy.String(), createdAt, originalOccurredAt, originalCreatedBy.String(),
			in.Priority, in.Removed, in.Attribute, in.EntityType, nullUUID(in.EntityEventID), nullUUID(in.SourceCommandID),
		)
		if err != nil {
			return fmt.Errorf("postgres: insert event: %w", err)
		}

		result = roomapi.Event{
			ID: id, RoomID: in.RoomID, Kind: in.Kind, Set: in.Set, Label: in.Label,
			Data: in.Data, BinaryData: in.BinaryData, OccurredAt: in.OccurredAt,
			CreatedBy: in.CreatedBy, CreatedAt: createdAt,
			OriginalOccurredAt: originalOccurredAt, OriginalCreatedBy: originalCreatedBy,
			Priority: in.Priority, Removed: in.Removed, Attribute: in.Attribute,
			EntityType: in.EntityType, EntityEventID: in.EntityEventID, SourceCommandID: in.SourceCommandID,
		}
		return nil
	})
	if err != nil {
		return roomapi.Event{}, err
	}
	return result, nil
}

const bulkInsertEventSQL = insertEventSQL

// BulkInsertEvents materializes a derived room's event set inside one
// transaction (spec.md §4.A, used by adjust/commit). It bypasses the
// advisory lock by construction: the target room is freshly created and
// concurrency-free.
func (s *eventsStatements) BulkInsertEvents(ctx context.Context, roomID uuid.UUID, events []roomapi.Event) error {
	return sqlutil.WithTransaction(ctx, s.primary, func(txn *sql.Tx) error {
		stmt, err := txn.PrepareContext(ctx, bulkInsertEventSQL)
		if err != nil {
			return fmt.Errorf("postgres: prepare bulk insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			var dataVal any
			if len(e.Data) > 0 {
				dataVal = []byte(e.Data)
			}
			var binVal any
			if len(e.BinaryData) > 0 {
				binVal = e.BinaryData
			}
			id := e.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			_, err := stmt.ExecContext(ctx, id, roomID, e.Kind, e.Set, nullString(e.Label), dataVal, binVal,
				e.OccurredAt, e.CreatedBy.String(), e.CreatedAt, e.OriginalOccurredAt, e.OriginalCreatedBy.String(),
				e.Priority, e.Removed, e.Attribute, e.EntityType, nullUUID(e.EntityEventID), nullUUID(e.SourceCommandID))
			if err != nil {
				return fmt.Errorf("postgres: bulk insert event: %w", err)
			}
		}
		return nil
	})
}

const selectEventColumns = `
	id, room_id, kind, set_name, label, data, binary_data, occurred_at, created_by, created_at,
	original_occurred_at, original_created_by, deleted_at, priority, removed, attribute,
	entity_type, entity_event_id, source_command_id
`

func scanEvent(rows interface {
	Scan(dest ...any) error
}) (roomapi.Event, error) {
	var (
		e                               roomapi.Event
		label, attribute, entityType    sql.NullString
		createdBy, originalCreatedBy    string
		deletedAt                       sql.NullTime
		priority                        sql.NullInt32
		entityEventID, sourceCommandID  sql.NullString
		data, binary                    []byte
	)
	err := rows.Scan(&e.ID, &e.RoomID, &e.Kind, &e.Set, &label, &data, &binary,
		&e.OccurredAt, &createdBy, &e.CreatedAt, &e.OriginalOccurredAt, &originalCreatedBy,
		&deletedAt, &priority, &e.Removed, &attribute, &entityType, &entityEventID, &sourceCommandID)
	if err != nil {
		return e, err
	}
	if label.Valid {
		v := label.String
		e.Label = &v
	}
	if len(data) > 0 {
		e.Data = json.RawMessage(data)
	}
	e.BinaryData = binary
	parsedCreatedBy, err := roomapi.ParseAgentID(createdBy)
	if err != nil {
		return e, fmt.Errorf("postgres: parse created_by: %w", err)
	}
	e.CreatedBy = parsedCreatedBy
	parsedOriginalCreatedBy, err := roomapi.ParseAgentID(originalCreatedBy)
	if err != nil {
		return e, fmt.Errorf("postgres: parse original_created_by: %w", err)
	}
	e.OriginalCreatedBy = parsedOriginalCreatedBy
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	if priority.Valid {
		v := priority.Int32
		e.Priority = &v
	}
	if attribute.Valid {
		v := attribute.String
		e.Attribute = &v
	}
	if entityType.Valid {
		v := entityType.String
		e.EntityType = &v
	}
	if entityEventID.Valid {
		id, perr := uuid.Parse(entityEventID.String)
		if perr != nil {
			return e, fmt.Errorf("postgres: parse entity_event_id: %w", perr)
		}
		e.EntityEventID = &id
	}
	if sourceCommandID.Valid {
		id, perr := uuid.Parse(sourceCommandID.String)
		if perr != nil {
			return e, fmt.Errorf("postgres: parse source_command_id: %w", perr)
		}
		e.SourceCommandID = &id
	}
	return e, nil
}

func (s *eventsStatements) GetEvent(ctx context.Context, id uuid.UUID) (*roomapi.Event, error) {
	row := s.replica.QueryRowContext(ctx, "SELECT "+selectEventColumns+" FROM event WHERE id = $1", id)
	e, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get event: %w", err)
	}
	return &e, nil
}

// EventsInRoomRange implements the full ordered-traversal/list primitive
// with forward/backward paging over original_occurred_at (spec.md §4.A).
func (s *eventsStatements) EventsInRoomRange(ctx context.Context, roomID uuid.UUID, filters storage.EventRangeFilters, page storage.Pagination) ([]roomapi.Event, error) {
	var b strings.Builder
	args := []any{roomID}
	b.WriteString("SELECT " + selectEventColumns + " FROM event WHERE room_id = $1 AND deleted_at IS NULL")

	if filters.Kind != "" {
		args = append(args, filters.Kind)
		fmt.Fprintf(&b, " AND kind = $%d", len(args))
	}
	if filters.Set != "" {
		args = append(args, filters.Set)
		fmt.Fprintf(&b, " AND set_name = $%d", len(args))
	}
	if filters.Label != nil {
		args = append(args, *filters.Label)
		fmt.Fprintf(&b, " AND label = $%d", len(args))
	}

	order := "ASC"
	cmp := ">"
	if page.Direction == storage.Backward {
		order = "DESC"
		cmp = "<"
	}
	if page.After != nil {
		args = append(args, *page.After)
		fmt.Fprintf(&b, " AND original_occurred_at %s $%d", cmp, len(args))
	}
	fmt.Fprintf(&b, " ORDER BY original_occurred_at %s, occurred_at %s", order, order)

	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	rows, err := s.replica.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: events in room range: %w", err)
	}
	defer rows.Close()

	var out []roomapi.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestPerLabel implements component C's aggregation query: for every label
// in `set`, the event maximizing (occurred_at, created_at) not exceeding
// pivot, excluding any label whose latest non-deleted row has Removed=true
// (spec.md §4.C). Pagination orders by original_occurred_at with an
// occurred_at tiebreak, per the "double ordering" rationale in spec.md §4.C.
func (s *eventsStatements) LatestPerLabel(ctx context.Context, roomID uuid.UUID, set string, pivot *int64, cursor *storage.PerLabelCursor, dir storage.Direction, limit int) ([]roomapi.Event, bool, error) {
	var b strings.Builder
	args := []any{roomID, set}
	b.WriteString(`
WITH ranked AS (
  SELECT ` + selectEventColumns + `,
         ROW_NUMBER() OVER (PARTITION BY label ORDER BY occurred_at DESC, created_at DESC) AS rn
  FROM event
  WHERE room_id = $1 AND set_name = $2 AND deleted_at IS NULL`)

	if pivot != nil {
		args = append(args, *pivot)
		fmt.Fprintf(&b, " AND occurred_at <= $%d", len(args))
	}
	b.WriteString(`
),
latest AS (
  SELECT * FROM ranked WHERE rn = 1
),
hidden AS (
  SELECT label FROM latest WHERE removed = true
)
SELECT id, room_id, kind, set_name, label, data, binary_data, occurred_at, created_by, created_at,
       original_occurred_at, original_created_by, deleted_at, priority, removed, attribute,
       entity_type, entity_event_id, source_command_id
FROM latest
WHERE label IS NULL OR label NOT IN (SELECT label FROM hidden)`)

	cmp := ">"
	order := "ASC"
	if dir == storage.Backward {
		cmp = "<"
		order = "DESC"
	}
	if cursor != nil {
		args = append(args, cursor.OriginalOccurredAt)
		fmt.Fprintf(&b, " AND original_occurred_at %s $%d", cmp, len(args))
	}
	fmt.Fprintf(&b, " ORDER BY original_occurred_at %s, occurred_at %s", order, order)

	fetchLimit := limit
	if fetchLimit <= 0 || fetchLimit > 100 {
		fetchLimit = 100
	}
	args = append(args, fetchLimit+1)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	rows, err := s.replica.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: latest per label: %w", err)
	}
	defer rows.Close()

	var out []roomapi.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, false, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasNext := len(out) > fetchLimit
	if hasNext {
		out = out[:fetchLimit]
	}
	return out, hasNext, nil
}

// EventsForAdjust returns the full ordered traversal the adjust engine walks
// to compute shifted occurred_at values (spec.md §4.A).
func (s *eventsStatements) EventsForAdjust(ctx context.Context, roomID uuid.UUID) ([]roomapi.Event, error) {
	rows, err := s.replica.QueryContext(ctx,
		"SELECT "+selectEventColumns+" FROM event WHERE room_id = $1 AND deleted_at IS NULL ORDER BY occurred_at ASC, created_at ASC",
		roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres: events for adjust: %w", err)
	}
	defer rows.Close()

	var out []roomapi.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
