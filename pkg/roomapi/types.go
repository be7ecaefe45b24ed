// Package roomapi holds the data transfer types shared by every component of
// the event service: the durable store, the ingest/state-read pipelines, the
// adjust and edition-commit engines, and the transport layer.
package roomapi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the presence state of an agent session within a room.
type AgentStatus string

const (
	AgentStatusPending AgentStatus = "pending"
	AgentStatusReady   AgentStatus = "ready"
	AgentStatusLeft    AgentStatus = "left"
	AgentStatusBanned  AgentStatus = "banned"
)

// ChangeKind is the kind of a staged edition change.
type ChangeKind string

const (
	ChangeKindAddition     ChangeKind = "addition"
	ChangeKindModification ChangeKind = "modification"
	ChangeKindRemoval      ChangeKind = "removal"
)

// Segment is a half-open millisecond capture-window interval [Lo, Hi).
type Segment struct {
	Lo int64 `json:"lo"`
	Hi int64 `json:"hi"`
}

// Len returns the segment's length in milliseconds; zero for an inverted range.
func (s Segment) Len() int64 {
	if s.Hi <= s.Lo {
		return 0
	}
	return s.Hi - s.Lo
}

// Room is the top-level scope events are recorded against.
type Room struct {
	ID                uuid.UUID         `json:"id"`
	Audience          string            `json:"audience"`
	SourceRoomID      *uuid.UUID        `json:"source_room_id,omitempty"`
	ClassroomID       *uuid.UUID        `json:"classroom_id,omitempty"`
	Kind              string            `json:"kind"`
	OpenedAt          time.Time         `json:"opened_at"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
	Tags              json.RawMessage   `json:"tags,omitempty"`
	LockedTypes       map[string]bool   `json:"locked_types,omitempty"`
	WhiteboardAccess  map[string]bool   `json:"whiteboard_access,omitempty"`
	PreserveHistory   bool              `json:"preserve_history"`
	CreatedAt         time.Time         `json:"created_at"`
}

// IsOpen reports whether the room accepts events at instant `now`.
func (r Room) IsOpen(now time.Time) bool {
	if now.Before(r.OpenedAt) {
		return false
	}
	if r.ClosedAt != nil && !now.Before(*r.ClosedAt) {
		return false
	}
	return true
}

// Event is an append-only row in a room's event log.
type Event struct {
	ID       uuid.UUID `json:"id"`
	RoomID   uuid.UUID `json:"room_id"`
	Kind     string    `json:"kind"`
	Set      string    `json:"set"`
	Label    *string   `json:"label,omitempty"`

	Data       json.RawMessage `json:"data,omitempty"`
	BinaryData []byte          `json:"binary_data,omitempty"`

	OccurredAt int64 `json:"occurred_at"`
	CreatedBy  AgentID `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`

	OriginalOccurredAt int64   `json:"original_occurred_at"`
	OriginalCreatedBy  AgentID `json:"original_created_by"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Priority  *int32     `json:"priority,omitempty"`
	Removed   bool       `json:"removed"`
	Attribute *string    `json:"attribute,omitempty"`

	EntityType    *string    `json:"entity_type,omitempty"`
	EntityEventID *uuid.UUID `json:"entity_event_id,omitempty"`

	SourceCommandID *uuid.UUID `json:"source_command_id,omitempty"`
}

// AgentSession tracks one agent's presence within one room.
type AgentSession struct {
	ID        uuid.UUID   `json:"id"`
	AgentID   AgentID     `json:"agent_id"`
	RoomID    uuid.UUID   `json:"room_id"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Adjustment is the per-room singleton recording that an adjust has run.
type Adjustment struct {
	RoomID    uuid.UUID `json:"room_id"`
	StartedAt time.Time `json:"started_at"`
	Segments  []Segment `json:"segments"`
	Offset    int64     `json:"offset"`
	CreatedAt time.Time `json:"created_at"`
}

// Edition is a staged, curated re-edit of a source room.
type Edition struct {
	ID        uuid.UUID `json:"id"`
	SourceRoomID uuid.UUID `json:"source_room_id"`
	CreatedBy AgentID   `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Change is one staged addition/modification/removal under an Edition.
type Change struct {
	ID        uuid.UUID  `json:"id"`
	EditionID uuid.UUID  `json:"edition_id"`
	Kind      ChangeKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`

	// EventID is required for modification and removal, absent for addition.
	EventID *uuid.UUID `json:"event_id,omitempty"`

	// Addition/modification payload — only the fields the caller set are applied.
	Kind_      *string          `json:"kind_value,omitempty"`
	Set        *string          `json:"set,omitempty"`
	Label      *string          `json:"label,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
	OccurredAt *int64           `json:"occurred_at,omitempty"`
	CreatedBy  *AgentID         `json:"created_by,omitempty"`
	Removed    *bool            `json:"removed,omitempty"`
}

// RoomBan is a (account, room) ban record.
type RoomBan struct {
	Account   AccountID `json:"account"`
	RoomID    uuid.UUID `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ModifiedSegments subtracts cut intervals from capture segments, merging
// adjacent survivors and dropping any shorter than minLen. Exported because
// both the adjust and edition-commit pipelines need the same computation on
// their own segment/cut inputs.
func ModifiedSegments(segments []Segment, cuts []Segment, minLen int64) []Segment {
	var out []Segment
	for _, seg := range segments {
		remaining := []Segment{seg}
		for _, cut := range cuts {
			var next []Segment
			for _, r := range remaining {
				next = append(next, subtractInterval(r, cut)...)
			}
			remaining = next
		}
		out = append(out, remaining...)
	}
	return mergeAndFilter(out, minLen)
}

func subtractInterval(r, cut Segment) []Segment {
	lo, hi := cut.Lo, cut.Hi
	if hi <= r.Lo || lo >= r.Hi {
		return []Segment{r}
	}
	var out []Segment
	if lo > r.Lo {
		out = append(out, Segment{Lo: r.Lo, Hi: lo})
	}
	if hi < r.Hi {
		out = append(out, Segment{Lo: hi, Hi: r.Hi})
	}
	return out
}

func mergeAndFilter(segs []Segment, minLen int64) []Segment {
	if len(segs) == 0 {
		return nil
	}
	filtered := segs[:0:0]
	for _, s := range segs {
		if s.Len() > 0 {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	for i := 1; i < len(filtered); i++ {
		for j := i; j > 0 && filtered[j-1].Lo > filtered[j].Lo; j-- {
			filtered[j-1], filtered[j] = filtered[j], filtered[j-1]
		}
	}
	var merged []Segment
	cur := filtered[0]
	for _, s := range filtered[1:] {
		if s.Lo <= cur.Hi {
			if s.Hi > cur.Hi {
				cur.Hi = s.Hi
			}
			continue
		}
		merged = append(merged, cur)
		cur = s
	}
	merged = append(merged, cur)

	var out []Segment
	for _, s := range merged {
		if s.Len() >= minLen {
			out = append(out, s)
		}
	}
	return out
}
