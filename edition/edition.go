// Package edition implements component F: applying a batch of staged
// additions/modifications/removals plus adjust-style shifting to a source
// room, producing a new committed room (spec.md §4.F). It reuses the
// gap-collapse primitives from the adjust package rather than duplicating
// them.
package edition

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/adjust"
	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/metrics"
	"github.com/vstream/roomevents/internal/problem"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
)

var log = logging.For("edition")

const defaultMinSegmentLength = 1000

// Engine runs edition.commit.
type Engine struct {
	DB               storage.Database
	Broker           broker.Publisher
	MinSegmentLength int64
}

// Request is the edition.commit contract of spec.md §4.F.
type Request struct {
	EditionID uuid.UUID
	Offset    int64 // milliseconds, applied on top of S's prior adjustment shift
}

// Result is what a successful commit produces.
type Result struct {
	SourceRoomID     uuid.UUID
	CommittedRoomID  uuid.UUID
	ModifiedSegments []adjust.Segment
}

type notification struct {
	Status           string            `json:"status"`
	SourceRoomID     uuid.UUID         `json:"source_room_id"`
	CommittedRoomID  *uuid.UUID        `json:"committed_room_id,omitempty"`
	ModifiedSegments []adjust.Segment  `json:"modified_segments,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// Run executes the commit pipeline and publishes the terminal notification to
// the source room's audience topic, succeed or fail.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	res, err := e.run(ctx, req)
	if err != nil {
		metrics.EditionCommitTasks.WithLabelValues("error").Inc()
		e.notifyFailure(ctx, req.EditionID, err)
		return nil, err
	}
	metrics.EditionCommitTasks.WithLabelValues("ok").Inc()
	e.notifySuccess(ctx, *res)
	return res, nil
}

func (e *Engine) run(ctx context.Context, req Request) (*Result, error) {
	minLen := e.MinSegmentLength
	if minLen <= 0 {
		minLen = defaultMinSegmentLength
	}

	ed, err := e.DB.GetEdition(ctx, req.EditionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, problem.New(problem.EditionNotFound, "edition does not exist")
		}
		return nil, fmt.Errorf("edition: get edition: %w", err)
	}

	source, err := e.DB.GetRoom(ctx, ed.SourceRoomID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, problem.New(problem.RoomNotFound, "source room does not exist")
		}
		return nil, fmt.Errorf("edition: get source room: %w", err)
	}

	changes, err := e.DB.ListChanges(ctx, req.EditionID)
	if err != nil {
		return nil, fmt.Errorf("edition: list changes: %w", err)
	}

	sourceEvents, err := e.DB.EventsForAdjust(ctx, ed.SourceRoomID)
	if err != nil {
		return nil, fmt.Errorf("edition: load source events: %w", err)
	}

	fated, additions := applyChanges(sourceEvents, changes)

	committed := roomapi.Room{
		ID:               uuid.New(),
		Audience:         source.Audience,
		SourceRoomID:     &source.ID,
		ClassroomID:      source.ClassroomID,
		Kind:             source.Kind,
		OpenedAt:         source.OpenedAt,
		ClosedAt:         source.ClosedAt,
		Tags:             source.Tags,
		LockedTypes:      source.LockedTypes,
		WhiteboardAccess: source.WhiteboardAccess,
		PreserveHistory:  source.PreserveHistory,
		CreatedAt:        source.CreatedAt,
	}

	events := append(fated, additions...)
	for i := range events {
		events[i].ID = uuid.New()
		events[i].RoomID = committed.ID
	}

	var segments []adjust.Segment
	prior, err := e.DB.GetAdjustment(ctx, ed.SourceRoomID)
	switch {
	case err == nil:
		segments = prior.Segments
	case err == storage.ErrNotFound:
		segments = nil
	default:
		return nil, fmt.Errorf("edition: get prior adjustment: %w", err)
	}

	offsetNs := req.Offset * int64(time.Millisecond)
	for i, ev := range events {
		if len(segments) == 0 {
			events[i].OccurredAt = ev.OccurredAt + offsetNs
			continue
		}
		shiftedMs := (ev.OccurredAt + offsetNs) / int64(time.Millisecond)
		events[i].OccurredAt = adjust.Collapse(shiftedMs, segments) * int64(time.Millisecond)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].OccurredAt < events[j].OccurredAt })
	recomputeOriginalTracking(events)

	var modSegments []adjust.Segment
	if len(segments) > 0 {
		modSegments = roomapi.ModifiedSegments(adjust.CollapsedSegments(segments), nil, minLen)
	}

	if err := e.DB.CreateRoom(ctx, &committed); err != nil {
		return nil, fmt.Errorf("edition: create committed room: %w", err)
	}
	if len(events) > 0 {
		if err := e.DB.BulkInsertEvents(ctx, committed.ID, events); err != nil {
			return nil, fmt.Errorf("edition: insert events: %w", err)
		}
	}

	return &Result{
		SourceRoomID:     ed.SourceRoomID,
		CommittedRoomID:  committed.ID,
		ModifiedSegments: modSegments,
	}, nil
}

// applyChanges determines every source event's fate (spec.md §4.F step 3)
// and returns the surviving/overridden events plus the events created by
// addition changes. Modification changes targeting the same event apply in
// the order ListChanges returns them (created_at ascending); later overrides
// win, matching the commit's determinism rule.
func applyChanges(sourceEvents []roomapi.Event, changes []roomapi.Change) (fated []roomapi.Event, additions []roomapi.Event) {
	removed := make(map[uuid.UUID]bool)
	overrides := make(map[uuid.UUID][]roomapi.Change)
	for _, c := range changes {
		switch c.Kind {
		case roomapi.ChangeKindRemoval:
			if c.EventID != nil {
				removed[*c.EventID] = true
			}
		case roomapi.ChangeKindModification:
			if c.EventID != nil {
				overrides[*c.EventID] = append(overrides[*c.EventID], c)
			}
		case roomapi.ChangeKindAddition:
			additions = append(additions, changeToEvent(c))
		}
	}

	for _, ev := range sourceEvents {
		if removed[ev.ID] {
			continue
		}
		for _, c := range overrides[ev.ID] {
			applyOverride(&ev, c)
		}
		fated = append(fated, ev)
	}
	return fated, additions
}

func applyOverride(ev *roomapi.Event, c roomapi.Change) {
	if c.Kind_ != nil {
		ev.Kind = *c.Kind_
	}
	if c.Set != nil {
		ev.Set = *c.Set
	}
	if c.Label != nil {
		ev.Label = c.Label
	}
	if len(c.Data) > 0 {
		ev.Data = c.Data
	}
	if c.OccurredAt != nil {
		ev.OccurredAt = *c.OccurredAt
	}
	if c.CreatedBy != nil {
		ev.CreatedBy = *c.CreatedBy
	}
	if c.Removed != nil {
		ev.Removed = *c.Removed
	}
}

func changeToEvent(c roomapi.Change) roomapi.Event {
	ev := roomapi.Event{CreatedAt: c.CreatedAt}
	if c.Kind_ != nil {
		ev.Kind = *c.Kind_
	}
	if c.Set != nil {
		ev.Set = *c.Set
	}
	ev.Label = c.Label
	ev.Data = c.Data
	if c.OccurredAt != nil {
		ev.OccurredAt = *c.OccurredAt
	}
	if c.CreatedBy != nil {
		ev.CreatedBy = *c.CreatedBy
	}
	if c.Removed != nil {
		ev.Removed = *c.Removed
	}
	return ev
}

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

func (e *Engine) notifySuccess(ctx context.Context, res Result) {
	n := notification{
		Status:           "success",
		SourceRoomID:     res.SourceRoomID,
		CommittedRoomID:  &res.CommittedRoomID,
		ModifiedSegments: res.ModifiedSegments,
	}
	e.publish(ctx, res.SourceRoomID, n)
}

func (e *Engine) notifyFailure(ctx context.Context, editionID uuid.UUID, cause error) {
	ed, err := e.DB.GetEdition(ctx, editionID)
	if err != nil {
		log.WithError(err).Warn("edition: could not resolve edition for failure notification")
		return
	}
	e.publish(ctx, ed.SourceRoomID, notification{Status: "error", SourceRoomID: ed.SourceRoomID, Reason: cause.Error()})
}

func (e *Engine) publish(ctx context.Context, roomID uuid.UUID, n notification) {
	room, err := e.DB.GetRoom(ctx, roomID)
	if err != nil {
		log.WithError(err).Warn("edition: could not load room to resolve audience for notification")
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		log.WithError(err).Warn("edition: marshal notification failed")
		return
	}
	if err := e.Broker.Publish(ctx, broker.AudienceSubject(room.Audience), payload); err != nil {
		log.WithError(err).Warn("edition: publish notification failed")
	}
}
