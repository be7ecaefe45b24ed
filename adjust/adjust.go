package adjust

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/metrics"
	"github.com/vstream/roomevents/internal/problem"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
)

var log = logging.For("adjust")

// defaultMinSegmentLength is the shortest modified-room segment kept after
// cuts are subtracted, in capture-window milliseconds.
const defaultMinSegmentLength = 1000

// Engine runs room.adjust: it clones a source room into an "original" room
// whose event times are gap-collapsed against the supplied capture segments,
// derives a "modified" room with any stream.cut windows stripped out, and
// records the one-shot Adjustment (spec.md §4.E).
type Engine struct {
	DB               storage.Database
	Broker           broker.Publisher
	MinSegmentLength int64
}

// Request is the room.adjust contract of spec.md §4.E.
type Request struct {
	RoomID    uuid.UUID
	StartedAt time.Time
	Segments  []Segment
	Offset    int64 // milliseconds added to StartedAt to get the new rooms' opened_at
}

// Result is what a successful adjust produces.
type Result struct {
	SourceRoomID    uuid.UUID
	OriginalRoomID  uuid.UUID
	ModifiedRoomID  uuid.UUID
	ModifiedSegments []Segment
}

type notification struct {
	Status           string     `json:"status"`
	SourceRoomID     uuid.UUID  `json:"source_room_id"`
	OriginalRoomID   *uuid.UUID `json:"original_room_id,omitempty"`
	ModifiedRoomID   *uuid.UUID `json:"modified_room_id,omitempty"`
	ModifiedSegments []Segment  `json:"modified_segments,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

// Run executes the full adjust pipeline and publishes the terminal
// notification to the source room's audience topic, succeed or fail.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	res, err := e.run(ctx, req)
	if err != nil {
		metrics.AdjustTasks.WithLabelValues("error").Inc()
		e.notifyFailure(ctx, req.RoomID, err)
		return nil, err
	}
	metrics.AdjustTasks.WithLabelValues("ok").Inc()
	e.notifySuccess(ctx, *res)
	return res, nil
}

func (e *Engine) run(ctx context.Context, req Request) (*Result, error) {
	minLen := e.MinSegmentLength
	if minLen <= 0 {
		minLen = defaultMinSegmentLength
	}

	room, err := e.DB.GetRoom(ctx, req.RoomID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, problem.New(problem.RoomNotFound, "source room does not exist")
		}
		return nil, fmt.Errorf("adjust: get room: %w", err)
	}

	if existing, err := e.DB.GetAdjustment(ctx, req.RoomID); err == nil && existing != nil {
		return nil, problem.New(problem.RoomAdjustTaskFailed, "room has already been adjusted")
	} else if err != nil && err != storage.ErrNotFound {
		return nil, fmt.Errorf("adjust: get adjustment: %w", err)
	}

	segments, err := ValidateSegments(req.Segments)
	if err != nil {
		return nil, problem.New(problem.InvalidRoomTime, err.Error())
	}

	sourceEvents, err := e.DB.EventsForAdjust(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("adjust: load events: %w", err)
	}

	deltaNs := room.OpenedAt.Sub(req.StartedAt).Nanoseconds()

	original := roomapi.Room{
		ID:              uuid.New(),
		Audience:        room.Audience,
		SourceRoomID:    &room.ID,
		ClassroomID:     room.ClassroomID,
		Kind:            room.Kind,
		OpenedAt:        req.StartedAt.Add(time.Duration(req.Offset) * time.Millisecond),
		Tags:            room.Tags,
		LockedTypes:     room.LockedTypes,
		WhiteboardAccess: room.WhiteboardAccess,
		PreserveHistory: true,
		CreatedAt:       room.CreatedAt,
	}

	// originalEvents carry OccurredAt in collapsed capture milliseconds
	// through cut detection and the second collapse pass below; they are
	// only converted to the storage layer's nanosecond convention right
	// before the bulk inserts, so every Segment/Collapse/DetectCutPairs call
	// in between stays in one consistent unit.
	originalEvents := make([]roomapi.Event, len(sourceEvents))
	for i, ev := range sourceEvents {
		shiftedMs := (ev.OccurredAt + deltaNs) / int64(time.Millisecond)
		ev.ID = uuid.New()
		ev.RoomID = original.ID
		ev.OccurredAt = Collapse(shiftedMs, segments)
		originalEvents[i] = ev
	}
	sort.Slice(originalEvents, func(i, j int) bool { return originalEvents[i].OccurredAt < originalEvents[j].OccurredAt })
	recomputeOriginalTracking(originalEvents)

	cuts := DetectCutPairs(originalEvents)
	extent := CollapseExtent(segments)

	modified := roomapi.Room{
		ID:              uuid.New(),
		Audience:        room.Audience,
		SourceRoomID:    &room.ID,
		ClassroomID:     room.ClassroomID,
		Kind:            room.Kind,
		OpenedAt:        original.OpenedAt,
		Tags:            room.Tags,
		LockedTypes:     room.LockedTypes,
		WhiteboardAccess: room.WhiteboardAccess,
		PreserveHistory: room.PreserveHistory,
		CreatedAt:       room.CreatedAt,
	}

	keep := KeepSegmentsExcluding(cuts, extent)
	var modifiedEvents []roomapi.Event
	for _, ev := range originalEvents {
		if IsCutMarker(ev) || inAnyCut(ev.OccurredAt, cuts) {
			continue
		}
		mv := ev
		mv.ID = uuid.New()
		mv.RoomID = modified.ID
		mv.OccurredAt = Collapse(ev.OccurredAt, keep)
		modifiedEvents = append(modifiedEvents, mv)
	}
	recomputeOriginalTracking(modifiedEvents)

	modSegments := roomapi.ModifiedSegments(CollapsedSegments(segments), cuts, minLen)

	toStorageNanoseconds(originalEvents)
	toStorageNanoseconds(modifiedEvents)

	if err := e.DB.CreateRoom(ctx, &original); err != nil {
		return nil, fmt.Errorf("adjust: create original room: %w", err)
	}
	if err := e.DB.CreateRoom(ctx, &modified); err != nil {
		return nil, fmt.Errorf("adjust: create modified room: %w", err)
	}
	if len(originalEvents) > 0 {
		if err := e.DB.BulkInsertEvents(ctx, original.ID, originalEvents); err != nil {
			return nil, fmt.Errorf("adjust: insert original events: %w", err)
		}
	}
	if len(modifiedEvents) > 0 {
		if err := e.DB.BulkInsertEvents(ctx, modified.ID, modifiedEvents); err != nil {
			return nil, fmt.Errorf("adjust: insert modified events: %w", err)
		}
	}

	adj := roomapi.Adjustment{
		RoomID:    req.RoomID,
		StartedAt: req.StartedAt,
		Segments:  segments,
		Offset:    req.Offset,
		CreatedAt: room.CreatedAt,
	}
	if err := e.DB.CreateAdjustment(ctx, adj); err != nil {
		return nil, fmt.Errorf("adjust: record adjustment: %w", err)
	}

	return &Result{
		SourceRoomID:     req.RoomID,
		OriginalRoomID:   original.ID,
		ModifiedRoomID:   modified.ID,
		ModifiedSegments: modSegments,
	}, nil
}

// recomputeOriginalTracking assigns OriginalOccurredAt/OriginalCreatedBy per
// (set,label) group within a freshly built event slice: the earliest event in
// each group determines the group's original values, mirroring the
// transactional rule InsertEventWithOriginalTracking enforces for live
// inserts (spec.md §4.B). Bulk-copied rooms need the same invariant
// recomputed locally since they bypass the per-insert advisory lock.
func recomputeOriginalTracking(events []roomapi.Event) {
	type key struct {
		set   string
		label string
	}
	earliest := make(map[key]int)
	for i, ev := range events {
		label := ""
		if ev.Label != nil {
			label = *ev.Label
		}
		k := key{set: ev.Set, label: label}
		if cur, ok := earliest[k]; !ok || ev.OccurredAt < events[cur].OccurredAt ||
			(ev.OccurredAt == events[cur].OccurredAt && ev.CreatedAt.Before(events[cur].CreatedAt)) {
			earliest[k] = i
		}
	}
	for i, ev := range events {
		label := ""
		if ev.Label != nil {
			label = *ev.Label
		}
		src := events[earliest[key{set: ev.Set, label: label}]]
		events[i].OriginalOccurredAt = src.OccurredAt
		events[i].OriginalCreatedBy = src.CreatedBy
	}
}

// toStorageNanoseconds converts OccurredAt/OriginalOccurredAt from the
// collapsed-millisecond unit used throughout this pipeline's Segment math
// into the nanosecond convention the durable store and ingest pipeline use
// (spec.md §4.B, ingest.Service.CreateEvent).
func toStorageNanoseconds(events []roomapi.Event) {
	for i := range events {
		events[i].OccurredAt *= int64(time.Millisecond)
		events[i].OriginalOccurredAt *= int64(time.Millisecond)
	}
}

func (e *Engine) notifySuccess(ctx context.Context, res Result) {
	n := notification{
		Status:           "success",
		SourceRoomID:     res.SourceRoomID,
		OriginalRoomID:   &res.OriginalRoomID,
		ModifiedRoomID:   &res.ModifiedRoomID,
		ModifiedSegments: res.ModifiedSegments,
	}
	e.publish(ctx, res.SourceRoomID, n)
}

func (e *Engine) notifyFailure(ctx context.Context, roomID uuid.UUID, cause error) {
	n := notification{Status: "error", SourceRoomID: roomID, Reason: cause.Error()}
	e.publish(ctx, roomID, n)
}

func (e *Engine) publish(ctx context.Context, roomID uuid.UUID, n notification) {
	room, err := e.DB.GetRoom(ctx, roomID)
	if err != nil {
		log.WithError(err).Warn("adjust: could not load room to resolve audience for notification")
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		log.WithError(err).Warn("adjust: marshal notification failed")
		return
	}
	if err := e.Broker.Publish(ctx, broker.AudienceSubject(room.Audience), payload); err != nil {
		log.WithError(err).Warn("adjust: publish notification failed")
	}
}
