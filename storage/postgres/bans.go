package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/pkg/roomapi"
)

type bansStatements struct {
	db *sql.DB
}

const insertBanSQL = `
	INSERT INTO room_ban (account_label, account_audience, room_id, created_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (account_label, account_audience, room_id) DO NOTHING
`

func (s *bansStatements) CreateBan(ctx context.Context, ban roomapi.RoomBan) error {
	_, err := s.db.ExecContext(ctx, insertBanSQL, ban.Account.Label, ban.Account.Audience, ban.RoomID, ban.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create ban: %w", err)
	}
	return nil
}

const selectBanSQL = `
	SELECT 1 FROM room_ban WHERE account_label = $1 AND account_audience = $2 AND room_id = $3
`

func (s *bansStatements) IsBanned(ctx context.Context, account roomapi.AccountID, roomID uuid.UUID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, selectBanSQL, account.Label, account.Audience, roomID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: is banned: %w", err)
	}
	return true, nil
}
