package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
)

func testAgent() roomapi.AgentID {
	return roomapi.AgentID{Label: "web", AccountID: roomapi.AccountID{Label: "alice", Audience: "example.org"}}
}

func TestInsertEventWithOriginalTrackingFirstInSeries(t *testing.T) {
	d, mock := newTestDB(t)
	roomID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT occurred_at, created_by, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at", "created_by", "created_at"}))
	mock.ExpectExec("INSERT INTO event").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event, err := d.InsertEventWithOriginalTracking(context.Background(), storage.NewEventInput{
		RoomID: roomID, Kind: "message", Set: "message", OccurredAt: 1000,
		CreatedBy: testAgent(), Data: json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("InsertEventWithOriginalTracking: %v", err)
	}
	if event.OriginalOccurredAt != 1000 {
		t.Fatalf("expected original_occurred_at to default to occurred_at, got %d", event.OriginalOccurredAt)
	}
	if event.OriginalCreatedBy != testAgent() {
		t.Fatalf("expected original_created_by to default to the caller, got %+v", event.OriginalCreatedBy)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertEventWithOriginalTrackingInheritsEarliestInSeries(t *testing.T) {
	d, mock := newTestDB(t)
	roomID := uuid.New()
	earliestAgent := roomapi.AgentID{Label: "web", AccountID: roomapi.AccountID{Label: "bob", Audience: "example.org"}}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT occurred_at, created_by, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at", "created_by", "created_at"}).
			AddRow(int64(500), earliestAgent.String(), time.Now().UTC()))
	mock.ExpectExec("INSERT INTO event").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event, err := d.InsertEventWithOriginalTracking(context.Background(), storage.NewEventInput{
		RoomID: roomID, Kind: "message", Set: "message", OccurredAt: 1000,
		CreatedBy: testAgent(), Data: json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("InsertEventWithOriginalTracking: %v", err)
	}
	if event.OriginalOccurredAt != 500 {
		t.Fatalf("expected original_occurred_at to be inherited (500), got %d", event.OriginalOccurredAt)
	}
	if event.OriginalCreatedBy != earliestAgent {
		t.Fatalf("expected original_created_by to be inherited from the earliest row, got %+v", event.OriginalCreatedBy)
	}
}

func TestInsertEventWithOriginalTrackingRollsBackOnInsertFailure(t *testing.T) {
	d, mock := newTestDB(t)
	roomID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT occurred_at, created_by, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at", "created_by", "created_at"}))
	mock.ExpectExec("INSERT INTO event").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := d.InsertEventWithOriginalTracking(context.Background(), storage.NewEventInput{
		RoomID: roomID, Kind: "message", Set: "message", OccurredAt: 1000,
		CreatedBy: testAgent(), Data: json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("expected an error to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func latestPerLabelColumns() []string {
	return []string{
		"id", "room_id", "kind", "set_name", "label", "data", "binary_data", "occurred_at", "created_by", "created_at",
		"original_occurred_at", "original_created_by", "deleted_at", "priority", "removed", "attribute",
		"entity_type", "entity_event_id", "source_command_id",
	}
}

func TestLatestPerLabelHidesRemovedLabelsAndReportsHasNext(t *testing.T) {
	d, mock := newTestDB(t)
	roomID := uuid.New()
	agent := testAgent().String()

	rows := sqlmock.NewRows(latestPerLabelColumns()).
		AddRow(uuid.New(), roomID, "message", "message", "a", []byte(`{}`), nil, int64(1000), agent, time.Now().UTC(),
			int64(1000), agent, nil, nil, false, nil, nil, nil, nil).
		AddRow(uuid.New(), roomID, "message", "message", "b", []byte(`{}`), nil, int64(2000), agent, time.Now().UTC(),
			int64(2000), agent, nil, nil, false, nil, nil, nil, nil)

	mock.ExpectQuery("WITH ranked AS .*WHERE removed = true.*label NOT IN \\(SELECT label FROM hidden\\)").WillReturnRows(rows)

	events, hasNext, err := d.LatestPerLabel(context.Background(), roomID, "message", nil, nil, storage.Forward, 1)
	if err != nil {
		t.Fatalf("LatestPerLabel: %v", err)
	}
	if !hasNext {
		t.Fatal("expected has_next when more rows were fetched than the page limit")
	}
	if len(events) != 1 {
		t.Fatalf("expected the page truncated to the requested limit, got %d events", len(events))
	}
}
