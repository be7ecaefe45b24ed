package edition

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/adjust"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
)

type fakeDB struct {
	storage.Database
	room       roomapi.Room
	edition    roomapi.Edition
	changes    []roomapi.Change
	events     []roomapi.Event
	adjustment *roomapi.Adjustment

	createdRooms []roomapi.Room
	inserted     map[uuid.UUID][]roomapi.Event
}

func (f *fakeDB) GetEdition(ctx context.Context, id uuid.UUID) (*roomapi.Edition, error) {
	if id != f.edition.ID {
		return nil, storage.ErrNotFound
	}
	e := f.edition
	return &e, nil
}

func (f *fakeDB) GetRoom(ctx context.Context, id uuid.UUID) (*roomapi.Room, error) {
	if id == f.room.ID {
		r := f.room
		return &r, nil
	}
	for _, r := range f.createdRooms {
		if r.ID == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeDB) ListChanges(ctx context.Context, editionID uuid.UUID) ([]roomapi.Change, error) {
	return f.changes, nil
}

func (f *fakeDB) EventsForAdjust(ctx context.Context, roomID uuid.UUID) ([]roomapi.Event, error) {
	return f.events, nil
}

func (f *fakeDB) GetAdjustment(ctx context.Context, roomID uuid.UUID) (*roomapi.Adjustment, error) {
	if f.adjustment != nil && f.adjustment.RoomID == roomID {
		return f.adjustment, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeDB) CreateRoom(ctx context.Context, room *roomapi.Room) error {
	f.createdRooms = append(f.createdRooms, *room)
	return nil
}

func (f *fakeDB) BulkInsertEvents(ctx context.Context, roomID uuid.UUID, events []roomapi.Event) error {
	if f.inserted == nil {
		f.inserted = map[uuid.UUID][]roomapi.Event{}
	}
	cp := make([]roomapi.Event, len(events))
	copy(cp, events)
	f.inserted[roomID] = cp
	return nil
}

func testAgent() roomapi.AgentID {
	return roomapi.AgentID{Label: "web", AccountID: roomapi.AccountID{Label: "alice", Audience: "example.org"}}
}

func labelPtr(s string) *string { return &s }

func TestRunAppliesRemovalsModificationsAndAdditions(t *testing.T) {
	sourceRoomID := uuid.New()
	editionID := uuid.New()
	removedID := uuid.New()
	modifiedID := uuid.New()
	keptID := uuid.New()

	db := &fakeDB{
		room:    roomapi.Room{ID: sourceRoomID, Audience: "example.org", Kind: "webinar", OpenedAt: time.Now().UTC()},
		edition: roomapi.Edition{ID: editionID, SourceRoomID: sourceRoomID, CreatedBy: testAgent()},
		events: []roomapi.Event{
			{ID: removedID, Kind: "message", Set: "message", Label: labelPtr("a"), Data: json.RawMessage(`{}`), CreatedBy: testAgent()},
			{ID: modifiedID, Kind: "message", Set: "message", Label: labelPtr("b"), Data: json.RawMessage(`{"v":1}`), CreatedBy: testAgent()},
			{ID: keptID, Kind: "message", Set: "message", Label: labelPtr("c"), Data: json.RawMessage(`{}`), CreatedBy: testAgent()},
		},
		changes: []roomapi.Change{
			{ID: uuid.New(), EditionID: editionID, Kind: roomapi.ChangeKindRemoval, EventID: &removedID, CreatedAt: time.Now()},
			{ID: uuid.New(), EditionID: editionID, Kind: roomapi.ChangeKindModification, EventID: &modifiedID, Data: json.RawMessage(`{"v":2}`), CreatedAt: time.Now()},
			{ID: uuid.New(), EditionID: editionID, Kind: roomapi.ChangeKindAddition, Data: json.RawMessage(`{}`), Label: labelPtr("d"), CreatedAt: time.Now()},
		},
	}
	engine := &Engine{DB: db, Broker: broker.NewMemory()}

	res, err := engine.Run(context.Background(), Request{EditionID: editionID})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	committed := db.inserted[res.CommittedRoomID]
	byLabel := map[string]roomapi.Event{}
	for _, ev := range committed {
		if ev.Label != nil {
			byLabel[*ev.Label] = ev
		}
	}
	if _, ok := byLabel["a"]; ok {
		t.Fatal("expected the removed event to be absent from the committed room")
	}
	if ev, ok := byLabel["b"]; !ok || string(ev.Data) != `{"v":2}` {
		t.Fatalf("expected the modified event's override to apply, got %+v", ev)
	}
	if _, ok := byLabel["c"]; !ok {
		t.Fatal("expected the untouched event to survive verbatim")
	}
	if _, ok := byLabel["d"]; !ok {
		t.Fatal("expected the addition to appear in the committed room")
	}
	if len(committed) != 3 {
		t.Fatalf("expected 3 events (b,c,d) in the committed room, got %d", len(committed))
	}
}

func TestRunAppliesPriorAdjustmentSegments(t *testing.T) {
	sourceRoomID := uuid.New()
	editionID := uuid.New()
	eventID := uuid.New()

	db := &fakeDB{
		room:    roomapi.Room{ID: sourceRoomID, Audience: "example.org", OpenedAt: time.Now().UTC()},
		edition: roomapi.Edition{ID: editionID, SourceRoomID: sourceRoomID, CreatedBy: testAgent()},
		events: []roomapi.Event{
			{ID: eventID, Kind: "message", Set: "message", Data: json.RawMessage(`{}`), CreatedBy: testAgent(), OccurredAt: 50000 * int64(time.Millisecond)},
		},
		adjustment: &roomapi.Adjustment{
			RoomID:   sourceRoomID,
			Segments: []adjust.Segment{{Lo: 0, Hi: 45000}, {Lo: 55000, Hi: 70000}},
		},
	}
	engine := &Engine{DB: db, Broker: broker.NewMemory()}

	res, err := engine.Run(context.Background(), Request{EditionID: editionID, Offset: 0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	committed := db.inserted[res.CommittedRoomID]
	if len(committed) != 1 {
		t.Fatalf("expected 1 event, got %d", len(committed))
	}
	gotMs := committed[0].OccurredAt / int64(time.Millisecond)
	if gotMs != 45000 {
		t.Fatalf("expected the prior adjustment's gap-collapse to apply (50000ms in the gap -> 45000ms), got %dms", gotMs)
	}
	if len(res.ModifiedSegments) == 0 {
		t.Fatal("expected modified segments to be reported when a prior adjustment exists")
	}
}

func TestRunWithoutPriorAdjustmentAppliesPlainOffset(t *testing.T) {
	sourceRoomID := uuid.New()
	editionID := uuid.New()
	eventID := uuid.New()

	db := &fakeDB{
		room:    roomapi.Room{ID: sourceRoomID, Audience: "example.org", OpenedAt: time.Now().UTC()},
		edition: roomapi.Edition{ID: editionID, SourceRoomID: sourceRoomID, CreatedBy: testAgent()},
		events: []roomapi.Event{
			{ID: eventID, Kind: "message", Set: "message", Data: json.RawMessage(`{}`), CreatedBy: testAgent(), OccurredAt: 1000 * int64(time.Millisecond)},
		},
	}
	engine := &Engine{DB: db, Broker: broker.NewMemory()}

	res, err := engine.Run(context.Background(), Request{EditionID: editionID, Offset: 500})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	committed := db.inserted[res.CommittedRoomID]
	gotMs := committed[0].OccurredAt / int64(time.Millisecond)
	if gotMs != 1500 {
		t.Fatalf("expected a plain offset shift to 1500ms, got %dms", gotMs)
	}
	if len(res.ModifiedSegments) != 0 {
		t.Fatal("expected no modified segments when the source room was never adjusted")
	}
}
