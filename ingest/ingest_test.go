package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
)

type fakeDB struct {
	storage.Database
	inserted roomapi.Event
}

func (f *fakeDB) InsertEventWithOriginalTracking(ctx context.Context, in storage.NewEventInput) (roomapi.Event, error) {
	f.inserted = roomapi.Event{
		ID: uuid.New(), RoomID: in.RoomID, Kind: in.Kind, Set: in.Set, Label: in.Label,
		Data: in.Data, BinaryData: in.BinaryData, OccurredAt: in.OccurredAt,
		CreatedBy: in.CreatedBy, CreatedAt: time.Now().UTC(),
		OriginalOccurredAt: in.OccurredAt, OriginalCreatedBy: in.CreatedBy,
	}
	return f.inserted, nil
}

type fakePresence struct{ ready bool }

func (f fakePresence) IsReady(ctx context.Context, agentID roomapi.AgentID, room roomapi.Room) (bool, error) {
	return f.ready, nil
}

func testAgent() roomapi.AgentID {
	return roomapi.AgentID{Label: "web", AccountID: roomapi.AccountID{Label: "alice", Audience: "example.org"}}
}

func testRoom() roomapi.Room {
	return roomapi.Room{ID: uuid.New(), Audience: "example.org", Kind: "webinar", OpenedAt: time.Now().Add(-time.Hour).UTC()}
}

func TestCreateEventRejectsUnreadyAgent(t *testing.T) {
	mem := broker.NewMemory()
	svc := &Service{DB: &fakeDB{}, Broker: mem, Presence: fakePresence{ready: false}}

	_, err := svc.CreateEvent(context.Background(), CreateEventInput{
		RoomID: testRoom(), Agent: testAgent(), Kind: "message", Data: json.RawMessage(`{"text":"hi"}`),
	})
	if err == nil {
		t.Fatal("expected error for unready agent")
	}
}

func TestCreateEventRejectsBothDataAndBinary(t *testing.T) {
	mem := broker.NewMemory()
	svc := &Service{DB: &fakeDB{}, Broker: mem, Presence: fakePresence{ready: true}}

	_, err := svc.CreateEvent(context.Background(), CreateEventInput{
		RoomID: testRoom(), Agent: testAgent(), Kind: "message",
		Data: json.RawMessage(`{"text":"hi"}`), BinaryData: []byte{1, 2, 3},
	})
	if err == nil {
		t.Fatal("expected error when both data and binary_data are set")
	}
}

func TestCreateEventPublishesRoomBroadcast(t *testing.T) {
	mem := broker.NewMemory()
	db := &fakeDB{}
	svc := &Service{DB: db, Broker: mem, Presence: fakePresence{ready: true}}
	room := testRoom()

	event, err := svc.CreateEvent(context.Background(), CreateEventInput{
		RoomID: room, Agent: testAgent(), Kind: "message", IsPersistent: true,
		Data: json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ID == uuid.Nil {
		t.Fatal("expected persisted event to have an id")
	}

	msgs := mem.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(msgs))
	}
	if msgs[0].Subject != broker.RoomSubject(room.ID.String()) {
		t.Fatalf("published to %q, want room subject", msgs[0].Subject)
	}
}

func TestCreateEventClaimAlsoPublishesAudience(t *testing.T) {
	mem := broker.NewMemory()
	svc := &Service{DB: &fakeDB{}, Broker: mem, Presence: fakePresence{ready: true}, MaxPayloadBytes: 1 << 20}
	room := testRoom()

	_, err := svc.CreateEvent(context.Background(), CreateEventInput{
		RoomID: room, Agent: testAgent(), Kind: "message", IsPersistent: true, IsClaim: true,
		Data: json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := mem.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected room + audience publish, got %d messages", len(msgs))
	}
	if msgs[1].Subject != broker.AudienceSubject(room.Audience) {
		t.Fatalf("second publish went to %q, want audience subject", msgs[1].Subject)
	}
}

func TestCreateEventRejectsOversizedPayload(t *testing.T) {
	mem := broker.NewMemory()
	svc := &Service{DB: &fakeDB{}, Broker: mem, Presence: fakePresence{ready: true}, MaxPayloadBytes: 4}

	_, err := svc.CreateEvent(context.Background(), CreateEventInput{
		RoomID: testRoom(), Agent: testAgent(), Kind: "message", Data: json.RawMessage(`{"text":"too big"}`),
	})
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestCreateEventRejectsClosedRoom(t *testing.T) {
	mem := broker.NewMemory()
	svc := &Service{DB: &fakeDB{}, Broker: mem, Presence: fakePresence{ready: true}}
	room := testRoom()
	past := time.Now().Add(-time.Minute).UTC()
	room.ClosedAt = &past

	_, err := svc.CreateEvent(context.Background(), CreateEventInput{
		RoomID: room, Agent: testAgent(), Kind: "message", Data: json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("expected error for closed room")
	}
}
