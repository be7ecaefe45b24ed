package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/vstream/roomevents/adjust"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
)

func TestCreateAdjustmentMarshalsSegments(t *testing.T) {
	d, mock := newTestDB(t)
	adj := roomapi.Adjustment{
		RoomID:    uuid.New(),
		StartedAt: time.Now().UTC(),
		Segments:  []adjust.Segment{{Lo: 0, Hi: 45000}, {Lo: 55000, Hi: 70000}},
		Offset:    500,
	}

	mock.ExpectExec("INSERT INTO adjustment").WillReturnResult(sqlmock.NewResult(1, 1))

	if err := d.CreateAdjustment(context.Background(), adj); err != nil {
		t.Fatalf("CreateAdjustment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetAdjustmentUnmarshalsSegments(t *testing.T) {
	d, mock := newTestDB(t)
	roomID := uuid.New()
	segments, _ := json.Marshal([]adjust.Segment{{Lo: 0, Hi: 45000}, {Lo: 55000, Hi: 70000}})

	rows := sqlmock.NewRows([]string{"room_id", "started_at", "segments", "offset_ms", "created_at"}).
		AddRow(roomID, time.Now().UTC(), segments, int64(500), time.Now().UTC())
	mock.ExpectQuery("SELECT .* FROM adjustment WHERE room_id = \\$1").WithArgs(roomID).WillReturnRows(rows)

	adj, err := d.GetAdjustment(context.Background(), roomID)
	if err != nil {
		t.Fatalf("GetAdjustment: %v", err)
	}
	if len(adj.Segments) != 2 || adj.Segments[1].Lo != 55000 {
		t.Fatalf("unexpected segments: %+v", adj.Segments)
	}
	if adj.Offset != 500 {
		t.Fatalf("unexpected offset: %d", adj.Offset)
	}
}

func TestGetAdjustmentNotFound(t *testing.T) {
	d, mock := newTestDB(t)
	roomID := uuid.New()
	mock.ExpectQuery("SELECT .* FROM adjustment WHERE room_id = \\$1").WithArgs(roomID).WillReturnError(sql.ErrNoRows)

	_, err := d.GetAdjustment(context.Background(), roomID)
	if err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
