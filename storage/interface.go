// Package storage defines the durable-store contract (component A):
// transactional primitives plus the query primitives component C's
// state-aggregation engine is built on. storage/postgres provides the
// concrete implementation.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/pkg/roomapi"
)

// NewEventInput is everything a caller supplies to create_event; the store
// fills in OriginalOccurredAt/OriginalCreatedBy/CreatedAt per spec.md §4.B.
type NewEventInput struct {
	RoomID          uuid.UUID
	Kind            string
	Set             string
	Label           *string
	Data            []byte
	BinaryData      []byte
	OccurredAt      int64
	CreatedBy       roomapi.AgentID
	CreatedAtOverride *time.Time
	Priority        *int32
	Removed         bool
	Attribute       *string
	EntityType      *string
	EntityEventID   *uuid.UUID
	SourceCommandID *uuid.UUID
}

// EventRangeFilters narrows events_in_room_range.
type EventRangeFilters struct {
	Kind  string
	Set   string
	Label *string
}

// Direction is the paging direction for events_in_room_range.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Pagination bounds one page of events_in_room_range.
type Pagination struct {
	After     *int64 // original_occurred_at cursor
	Direction Direction
	Limit     int
}

// Database is the durable-store contract. All methods are safe for
// concurrent use; InsertEventWithOriginalTracking internally serializes
// concurrent inserts into the same (room,set,label) series via an advisory
// lock (spec.md §4.B).
type Database interface {
	// Rooms
	CreateRoom(ctx context.Context, room *roomapi.Room) error
	GetRoom(ctx context.Context, id uuid.UUID) (*roomapi.Room, error)
	UpdateRoom(ctx context.Context, room *roomapi.Room) error
	DeleteRoom(ctx context.Context, id uuid.UUID) error

	// Events
	InsertEventWithOriginalTracking(ctx context.Context, in NewEventInput) (roomapi.Event, error)
	BulkInsertEvents(ctx context.Context, roomID uuid.UUID, events []roomapi.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*roomapi.Event, error)
	EventsInRoomRange(ctx context.Context, roomID uuid.UUID, filters EventRangeFilters, page Pagination) ([]roomapi.Event, error)
	LatestPerLabel(ctx context.Context, roomID uuid.UUID, set string, pivot *int64, cursor *PerLabelCursor, dir Direction, limit int) ([]roomapi.Event, bool, error)
	EventsForAdjust(ctx context.Context, roomID uuid.UUID) ([]roomapi.Event, error)

	// Agent sessions
	CreateAgentSession(ctx context.Context, agentID roomapi.AgentID, roomID uuid.UUID) (*roomapi.AgentSession, error)
	UpdateAgentStatus(ctx context.Context, id uuid.UUID, status roomapi.AgentStatus) (*roomapi.AgentSession, error)
	GetAgentSession(ctx context.Context, agentID roomapi.AgentID, roomID uuid.UUID) (*roomapi.AgentSession, error)
	ListActiveAgents(ctx context.Context, roomID uuid.UUID) ([]roomapi.AgentSession, error)

	// Adjustments
	CreateAdjustment(ctx context.Context, adj roomapi.Adjustment) error
	GetAdjustment(ctx context.Context, roomID uuid.UUID) (*roomapi.Adjustment, error)

	// Editions / changes
	CreateEdition(ctx context.Context, e roomapi.Edition) error
	GetEdition(ctx context.Context, id uuid.UUID) (*roomapi.Edition, error)
	DeleteEdition(ctx context.Context, id uuid.UUID) error
	ListEditions(ctx context.Context, roomID uuid.UUID) ([]roomapi.Edition, error)
	CreateChange(ctx context.Context, c roomapi.Change) error
	DeleteChange(ctx context.Context, id uuid.UUID) error
	ListChanges(ctx context.Context, editionID uuid.UUID) ([]roomapi.Change, error)

	// Bans
	CreateBan(ctx context.Context, ban roomapi.RoomBan) error
	IsBanned(ctx context.Context, account roomapi.AccountID, roomID uuid.UUID) (bool, error)
}

// PerLabelCursor is the state.read pagination cursor: clients pass back the
// last seen event's OriginalOccurredAt to page within one set (spec.md §4.C).
type PerLabelCursor struct {
	OriginalOccurredAt int64
}

// ErrNotFound is returned by single-row lookups that find nothing; callers
// map it to problem.RoomNotFound/EditionNotFound/ChangeNotFound as appropriate.
var ErrNotFound = sql.ErrNoRows
