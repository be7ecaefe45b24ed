package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/internal/caching"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
)

type fakeDB struct {
	storage.Database
	banned   bool
	sessions map[uuid.UUID]*roomapi.AgentSession
	bans     []roomapi.RoomBan
}

func newFakeDB() *fakeDB {
	return &fakeDB{sessions: map[uuid.UUID]*roomapi.AgentSession{}}
}

func (f *fakeDB) IsBanned(ctx context.Context, account roomapi.AccountID, roomID uuid.UUID) (bool, error) {
	return f.banned, nil
}

func (f *fakeDB) CreateAgentSession(ctx context.Context, agentID roomapi.AgentID, roomID uuid.UUID) (*roomapi.AgentSession, error) {
	s := &roomapi.AgentSession{ID: uuid.New(), AgentID: agentID, RoomID: roomID, Status: roomapi.AgentStatusPending}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeDB) UpdateAgentStatus(ctx context.Context, id uuid.UUID, status roomapi.AgentStatus) (*roomapi.AgentSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.Status = status
	return s, nil
}

func (f *fakeDB) GetAgentSession(ctx context.Context, agentID roomapi.AgentID, roomID uuid.UUID) (*roomapi.AgentSession, error) {
	for _, s := range f.sessions {
		if s.AgentID == agentID && s.RoomID == roomID {
			return s, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeDB) ListActiveAgents(ctx context.Context, roomID uuid.UUID) ([]roomapi.AgentSession, error) {
	var out []roomapi.AgentSession
	for _, s := range f.sessions {
		if s.Status != roomapi.AgentStatusLeft && s.Status != roomapi.AgentStatusBanned {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeDB) CreateBan(ctx context.Context, ban roomapi.RoomBan) error {
	f.bans = append(f.bans, ban)
	return nil
}

func testAgent() roomapi.AgentID {
	return roomapi.AgentID{Label: "web", AccountID: roomapi.AccountID{Label: "alice", Audience: "example.org"}}
}

func TestEnterRejectsBannedAccount(t *testing.T) {
	db := newFakeDB()
	db.banned = true
	svc := &Service{DB: db, Broker: broker.NewMemory()}

	_, err := svc.Enter(context.Background(), testAgent(), roomapi.Room{ID: uuid.New()})
	if err == nil {
		t.Fatal("expected error for banned account")
	}
}

func TestEnterCreatesPendingSession(t *testing.T) {
	db := newFakeDB()
	svc := &Service{DB: db, Broker: broker.NewMemory()}

	session, err := svc.Enter(context.Background(), testAgent(), roomapi.Room{ID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Status != roomapi.AgentStatusPending {
		t.Fatalf("expected pending status, got %v", session.Status)
	}
}

func TestSubscriptionCreatedMarksReadyAndBroadcasts(t *testing.T) {
	db := newFakeDB()
	mem := broker.NewMemory()
	svc := &Service{DB: db, Broker: mem}
	room := uuid.New()

	session, err := svc.Enter(context.Background(), testAgent(), roomapi.Room{ID: room})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := svc.SubscriptionCreated(context.Background(), *session); err != nil {
		t.Fatalf("subscription created: %v", err)
	}

	ready, err := svc.IsReady(context.Background(), testAgent(), roomapi.Room{ID: room})
	if err != nil || !ready {
		t.Fatalf("expected agent to be ready, ready=%v err=%v", ready, err)
	}
	if len(mem.Messages()) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(mem.Messages()))
	}
}

func TestLeaveMarksLeftAndHidesFromList(t *testing.T) {
	db := newFakeDB()
	svc := &Service{DB: db, Broker: broker.NewMemory()}
	room := roomapi.Room{ID: uuid.New()}

	session, _ := svc.Enter(context.Background(), testAgent(), room)
	if err := svc.Leave(context.Background(), *session); err != nil {
		t.Fatalf("leave: %v", err)
	}

	active, err := svc.List(context.Background(), room)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active agents after leave, got %d", len(active))
	}
}

func TestBanRecordsBanAndBroadcastsTwice(t *testing.T) {
	db := newFakeDB()
	mem := broker.NewMemory()
	svc := &Service{DB: db, Broker: mem}
	room := roomapi.Room{ID: uuid.New(), Audience: "example.org"}

	session, _ := svc.Enter(context.Background(), testAgent(), room)
	if err := svc.Ban(context.Background(), *session, room.Audience); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if len(db.bans) != 1 {
		t.Fatalf("expected 1 recorded ban, got %d", len(db.bans))
	}
	msgs := mem.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected room + audience broadcast, got %d", len(msgs))
	}
	if msgs[1].Subject != broker.AudienceSubject(room.Audience) {
		t.Fatalf("expected second broadcast on audience subject, got %q", msgs[1].Subject)
	}
}

func TestIsReadyServesFromSessionCacheAndInvalidatesOnLeave(t *testing.T) {
	db := newFakeDB()
	svc := &Service{DB: db, Broker: broker.NewMemory(), Sessions: caching.NewSessionCache(time.Minute, time.Minute)}
	room := roomapi.Room{ID: uuid.New()}

	session, err := svc.Enter(context.Background(), testAgent(), room)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := svc.SubscriptionCreated(context.Background(), *session); err != nil {
		t.Fatalf("subscription created: %v", err)
	}

	// SubscriptionCreated invalidates the cache entry, so this first IsReady
	// reads the ready row from the DB and caches it.
	if ready, err := svc.IsReady(context.Background(), testAgent(), room); err != nil || !ready {
		t.Fatalf("expected ready=true after subscription created, ready=%v err=%v", ready, err)
	}

	// mutate the underlying session row directly (bypassing UpdateAgentStatus)
	// to prove the next IsReady call is served from the cache, not a fresh
	// DB lookup.
	db.sessions[session.ID].Status = roomapi.AgentStatusBanned

	ready, err := svc.IsReady(context.Background(), testAgent(), room)
	if err != nil || !ready {
		t.Fatalf("expected cached ready=true, ready=%v err=%v", ready, err)
	}

	if err := svc.Leave(context.Background(), *session); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, ok := svc.Sessions.Get(sessionCacheKey(testAgent(), room.ID)); ok {
		t.Fatal("expected the session cache entry to be invalidated on leave")
	}
}

func TestIsReadyFalseWhenNoSession(t *testing.T) {
	db := newFakeDB()
	svc := &Service{DB: db, Broker: broker.NewMemory()}

	ready, err := svc.IsReady(context.Background(), testAgent(), roomapi.Room{ID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ready {
		t.Fatal("expected not ready when no session exists")
	}
}
