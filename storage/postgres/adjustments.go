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

type adjustmentsStatements struct {
	db *sql.DB
}

const insertAdjustmentSQL = `
	INSERT INTO adjustment (room_id, started_at, segments, offset_ms, created_at)
	VALUES ($1, $2, $3, $4, now())
`

// CreateAdjustment persists the per-room singleton recording that adjust has
// run, preventing re-adjust (spec.md §4.E step 7). Segments are stored as
// JSON rather than native int8range[] — see DESIGN.md for why.
func (s *adjustmentsStatements) CreateAdjustment(ctx context.Context, adj roomapi.Adjustment) error {
	segments, err := json.Marshal(adj.Segments)
	if err != nil {
		return fmt.Errorf("postgres: marshal segments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertAdjustmentSQL, adj.RoomID, adj.StartedAt, segments, adj.Offset)
	if err != nil {
		return fmt.Errorf("postgres: create adjustment: %w", err)
	}
	return nil
}

const selectAdjustmentSQL = `
	SELECT room_id, started_at, segments, offset_ms, created_at FROM adjustment WHERE room_id = $1
`

func (s *adjustmentsStatements) GetAdjustment(ctx context.Context, roomID uuid.UUID) (*roomapi.Adjustment, error) {
	var (
		adj      roomapi.Adjustment
		segments []byte
	)
	row := s.db.QueryRowContext(ctx, selectAdjustmentSQL, roomID)
	err := row.Scan(&adj.RoomID, &adj.StartedAt, &segments, &adj.Offset, &adj.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get adjustment: %w", err)
	}
	if err := json.Unmarshal(segments, &adj.Segments); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal segments: %w", err)
	}
	return &adj, nil
}
