// Package postgres implements storage.Database against PostgreSQL, following
// the teacher's statement-struct-per-table convention
// (userapi/storage/postgres/users_table.go: a small struct wrapping *sql.DB,
// hand-built SQL with positional parameters, no ORM).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/vstream/roomevents/internal/caching"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
)

// Database composes the primary (read/write) and replica (read-only) pools
// behind storage.Database. Replica is used for the read-only list/state
// queries per spec.md §5; it may be the same *sql.DB as Primary when no
// replica is configured.
type Database struct {
	Primary *sql.DB
	Replica *sql.DB

	rooms       *roomsStatements
	events      *eventsStatements
	agents      *agentsStatements
	adjustments *adjustmentsStatements
	editions    *editionsStatements
	bans        *bansStatements

	// RoomCache holds hot room-by-id lookups (spec.md §5 "cache pool
	// (optional) for hot room/agent lookups"). A nil *RoomCache is an
	// always-miss cache; NewDatabase installs a disabled (maxItems 0) one and
	// Open replaces it with a 4096-entry cache.
	RoomCache *caching.RoomCache
}

// Open establishes the primary and replica connections and prepares every
// table's statement struct.
func Open(primaryDSN, replicaDSN string, maxOpenPrimary, maxOpenReplica int, connMaxLifetime time.Duration) (*Database, error) {
	primary, err := sql.Open("postgres", primaryDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open primary: %w", err)
	}
	primary.SetMaxOpenConns(maxOpenPrimary)
	primary.SetConnMaxLifetime(connMaxLifetime)

	replica := primary
	if replicaDSN != "" && replicaDSN != primaryDSN {
		replica, err = sql.Open("postgres", replicaDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: open replica: %w", err)
		}
		replica.SetMaxOpenConns(maxOpenReplica)
		replica.SetConnMaxLifetime(connMaxLifetime)
	}

	db, err := NewDatabase(primary, replica)
	if err != nil {
		return nil, err
	}
	cache, err := caching.NewRoomCache(4096)
	if err != nil {
		return nil, fmt.Errorf("postgres: room cache: %w", err)
	}
	db.RoomCache = cache
	return db, nil
}

// NewDatabase wraps already-open pools, useful for tests (e.g. sqlmock).
// RoomCache starts disabled (always-miss); callers needing the cache set
// Database.RoomCache after construction (Open does this automatically).
func NewDatabase(primary, replica *sql.DB) (*Database, error) {
	if replica == nil {
		replica = primary
	}
	disabledCache, err := caching.NewRoomCache(0)
	if err != nil {
		return nil, err
	}
	return &Database{
		Primary:     primary,
		Replica:     replica,
		rooms:       &roomsStatements{db: primary},
		events:      &eventsStatements{primary: primary, replica: replica},
		agents:      &agentsStatements{db: primary},
		adjustments: &adjustmentsStatements{db: primary},
		editions:    &editionsStatements{db: primary},
		bans:        &bansStatements{db: primary},
		RoomCache:   disabledCache,
	}, nil
}

var _ storage.Database = (*Database)(nil)

func (d *Database) Close() error {
	if d.Replica != d.Primary {
		_ = d.Replica.Close()
	}
	return d.Primary.Close()
}

// Every method below runs its statement under withRetry/withRetryValue:
// transient connection and serialization failures (classifyPqErr) are
// retried with internal/retry's bounded backoff per spec.md §7.

func (d *Database) CreateRoom(ctx context.Context, room *roomapi.Room) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return d.rooms.CreateRoom(ctx, room)
	})
}

func (d *Database) GetRoom(ctx context.Context, id uuid.UUID) (*roomapi.Room, error) {
	key := id.String()
	if cached, ok := d.RoomCache.Get(key); ok {
		room := cached.(roomapi.Room)
		return &room, nil
	}
	room, err := withRetryValue(ctx, func(ctx context.Context) (*roomapi.Room, error) {
		return d.rooms.GetRoom(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	d.RoomCache.Set(key, *room, 1)
	return room, nil
}

func (d *Database) UpdateRoom(ctx context.Context, room *roomapi.Room) error {
	if err := withRetry(ctx, func(ctx context.Context) error {
		return d.rooms.UpdateRoom(ctx, room)
	}); err != nil {
		return err
	}
	d.RoomCache.Del(room.ID.String())
	return nil
}

func (d *Database) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	if err := withRetry(ctx, func(ctx context.Context) error {
		return d.rooms.DeleteRoom(ctx, id)
	}); err != nil {
		return err
	}
	d.RoomCache.Del(id.String())
	return nil
}

func (d *Database) InsertEventWithOriginalTracking(ctx context.Context, in storage.NewEventInput) (roomapi.Event, error) {
	return withRetryValue(ctx, func(ctx context.Context) (roomapi.Event, error) {
		return d.events.InsertEventWithOriginalTracking(ctx, in)
	})
}

func (d *Database) BulkInsertEvents(ctx context.Context, roomID uuid.UUID, events []roomapi.Event) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return d.events.BulkInsertEvents(ctx, roomID, events)
	})
}

func (d *Database) GetEvent(ctx context.Context, id uuid.UUID) (*roomapi.Event, error) {
	return withRetryValue(ctx, func(ctx context.Context) (*roomapi.Event, error) {
		return d.events.GetEvent(ctx, id)
	})
}

func (d *Database) EventsInRoomRange(ctx context.Context, roomID uuid.UUID, filters storage.EventRangeFilters, page storage.Pagination) ([]roomapi.Event, error) {
	return withRetryValue(ctx, func(ctx context.Context) ([]roomapi.Event, error) {
		return d.events.EventsInRoomRange(ctx, roomID, filters, page)
	})
}

func (d *Database) LatestPerLabel(ctx context.Context, roomID uuid.UUID, set string, pivot *int64, cursor *storage.PerLabelCursor, dir storage.Direction, limit int) ([]roomapi.Event, bool, error) {
	type result struct {
		events  []roomapi.Event
		hasNext bool
	}
	r, err := withRetryValue(ctx, func(ctx context.Context) (result, error) {
		events, hasNext, err := d.events.LatestPerLabel(ctx, roomID, set, pivot, cursor, dir, limit)
		return result{events, hasNext}, err
	})
	return r.events, r.hasNext, err
}

func (d *Database) EventsForAdjust(ctx context.Context, roomID uuid.UUID) ([]roomapi.Event, error) {
	return withRetryValue(ctx, func(ctx context.Context) ([]roomapi.Event, error) {
		return d.events.EventsForAdjust(ctx, roomID)
	})
}

func (d *Database) CreateAgentSession(ctx context.Context, agentID roomapi.AgentID, roomID uuid.UUID) (*roomapi.AgentSession, error) {
	return withRetryValue(ctx, func(ctx context.Context) (*roomapi.AgentSession, error) {
		return d.agents.CreateAgentSession(ctx, agentID, roomID)
	})
}

func (d *Database) UpdateAgentStatus(ctx context.Context, id uuid.UUID, status roomapi.AgentStatus) (*roomapi.AgentSession, error) {
	return withRetryValue(ctx, func(ctx context.Context) (*roomapi.AgentSession, error) {
		return d.agents.UpdateAgentStatus(ctx, id, status)
	})
}

func (d *Database) GetAgentSession(ctx context.Context, agentID roomapi.AgentID, roomID uuid.UUID) (*roomapi.AgentSession, error) {
	return withRetryValue(ctx, func(ctx context.Context) (*roomapi.AgentSession, error) {
		return d.agents.GetAgentSession(ctx, agentID, roomID)
	})
}

func (d *Database) ListActiveAgents(ctx context.Context, roomID uuid.UUID) ([]roomapi.AgentSession, error) {
	return withRetryValue(ctx, func(ctx context.Context) ([]roomapi.AgentSession, error) {
		return d.agents.ListActiveAgents(ctx, roomID)
	})
}

func (d *Database) CreateAdjustment(ctx context.Context, adj roomapi.Adjustment) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return d.adjustments.CreateAdjustment(ctx, adj)
	})
}

func (d *Database) GetAdjustment(ctx context.Context, roomID uuid.UUID) (*roomapi.Adjustment, error) {
	return withRetryValue(ctx, func(ctx context.Context) (*roomapi.Adjustment, error) {
		return d.adjustments.GetAdjustment(ctx, roomID)
	})
}

func (d *Database) CreateEdition(ctx context.Context, e roomapi.Edition) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return d.editions.CreateEdition(ctx, e)
	})
}

func (d *Database) GetEdition(ctx context.Context, id uuid.UUID) (*roomapi.Edition, error) {
	return withRetryValue(ctx, func(ctx context.Context) (*roomapi.Edition, error) {
		return d.editions.GetEdition(ctx, id)
	})
}

func (d *Database) DeleteEdition(ctx context.Context, id uuid.UUID) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return d.editions.DeleteEdition(ctx, id)
	})
}

func (d *Database) ListEditions(ctx context.Context, roomID uuid.UUID) ([]roomapi.Edition, error) {
	return withRetryValue(ctx, func(ctx context.Context) ([]roomapi.Edition, error) {
		return d.editions.ListEditions(ctx, roomID)
	})
}

func (d *Database) CreateChange(ctx context.Context, c roomapi.Change) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return d.editions.CreateChange(ctx, c)
	})
}

func (d *Database) DeleteChange(ctx context.Context, id uuid.UUID) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return d.editions.DeleteChange(ctx, id)
	})
}

func (d *Database) ListChanges(ctx context.Context, editionID uuid.UUID) ([]roomapi.Change, error) {
	return withRetryValue(ctx, func(ctx context.Context) ([]roomapi.Change, error) {
		return d.editions.ListChanges(ctx, editionID)
	})
}

func (d *Database) CreateBan(ctx context.Context, ban roomapi.RoomBan) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return d.bans.CreateBan(ctx, ban)
	})
}

func (d *Database) IsBanned(ctx context.Context, account roomapi.AccountID, roomID uuid.UUID) (bool, error) {
	return withRetryValue(ctx, func(ctx context.Context) (bool, error) {
		return d.bans.IsBanned(ctx, account, roomID)
	})
}
