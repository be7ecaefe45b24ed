// Package gateway implements the method dispatch table shared by the HTTP
// and MQTT ingress surfaces (spec.md §6): one place that knows how to route
// a `method` string to the right component, so the two transports stay thin
// envelope adapters.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/adjust"
	"github.com/vstream/roomevents/edition"
	"github.com/vstream/roomevents/ingest"
	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/problem"
	"github.com/vstream/roomevents/presence"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/stateread"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
	"github.com/vstream/roomevents/worker"
)

var log = logging.For("gateway")

// Gateway wires every synchronous and background component behind the
// method names enumerated in spec.md §6.
type Gateway struct {
	DB       storage.Database
	Broker   broker.Publisher
	Ingest   *ingest.Service
	State    *stateread.Service
	Presence *presence.Service
	Adjust   *adjust.Engine
	Edition  *edition.Engine
	Workers  *worker.Pool
}

// Request is one decoded envelope (HTTP body or MQTT request payload),
// independent of the transport it arrived on.
type Request struct {
	Method  string
	Agent   roomapi.AgentID
	Payload json.RawMessage
}

// Response is what a handler produces; Accepted handlers (room.adjust,
// edition.commit) return Status 202 with no payload, the terminal result
// arriving later as a broker notification.
type Response struct {
	Status  int
	Payload any
}

// Dispatch routes req to its handler. Unknown methods return
// problem.UnknownMethod, matching the taxonomy in spec.md §7.
func (g *Gateway) Dispatch(ctx context.Context, req Request) (Response, error) {
	h, ok := handlers[req.Method]
	if !ok {
		return Response{}, problem.New(problem.UnknownMethod, fmt.Sprintf("no such method %q", req.Method))
	}
	return h(ctx, g, req)
}

type handlerFunc func(ctx context.Context, g *Gateway, req Request) (Response, error)

var handlers = map[string]handlerFunc{
	"room.create":                handleRoomCreate,
	"room.read":                  handleRoomRead,
	"room.update":                handleRoomUpdate,
	"room.enter":                 handleRoomEnter,
	"room.leave":                 handleRoomLeave,
	"room.adjust":                handleRoomAdjust,
	"room.dump_events":           handleRoomDumpEvents,
	"room.locked_types":          handleRoomLockedTypes,
	"room.whiteboard_access":     handleRoomWhiteboardAccess,
	"event.create":               handleEventCreate,
	"event.list":                 handleEventList,
	"agent.list":                 handleAgentList,
	"agent.update":               handleAgentUpdate,
	"state.read":                 handleStateRead,
	"edition.create":             handleEditionCreate,
	"edition.delete":             handleEditionDelete,
	"edition.commit":             handleEditionCommit,
	"edition.list":                handleEditionList,
	"change.create":               handleChangeCreate,
	"change.delete":               handleChangeDelete,
	"change.list":                 handleChangeList,
	"subscription.create":         handleSubscriptionCreate,
	"subscription.disconnected":   handleSubscriptionDisconnected,
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return problem.New(problem.InvalidPayload, err.Error())
	}
	return nil
}

// --- room.* ---

type roomCreateRequest struct {
	Audience         string            `json:"audience"`
	ClassroomID      *uuid.UUID        `json:"classroom_id,omitempty"`
	Kind             string            `json:"kind"`
	OpenedAt         time.Time         `json:"opened_at"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
	Tags             json.RawMessage   `json:"tags,omitempty"`
	LockedTypes      map[string]bool   `json:"locked_types,omitempty"`
	WhiteboardAccess map[string]bool   `json:"whiteboard_access,omitempty"`
	PreserveHistory  bool              `json:"preserve_history"`
}

func handleRoomCreate(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in roomCreateRequest
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	if in.ClosedAt != nil && !in.ClosedAt.After(in.OpenedAt) {
		return Response{}, problem.New(problem.InvalidRoomTime, "closed_at must be after opened_at")
	}
	room := roomapi.Room{
		ID: uuid.New(), Audience: in.Audience, ClassroomID: in.ClassroomID, Kind: in.Kind,
		OpenedAt: in.OpenedAt, ClosedAt: in.ClosedAt, Tags: in.Tags,
		LockedTypes: in.LockedTypes, WhiteboardAccess: in.WhiteboardAccess,
		PreserveHistory: in.PreserveHistory, CreatedAt: time.Now().UTC(),
	}
	if err := g.DB.CreateRoom(ctx, &room); err != nil {
		return Response{}, fmt.Errorf("gateway: create room: %w", err)
	}
	if err := publishAudience(ctx, g, room.Audience, "room.create", room); err != nil {
		return Response{}, err
	}
	return Response{Status: 201, Payload: room}, nil
}

func handleRoomRead(ctx context.Context, g *Gateway, req Request) (Response, error) {
	id, err := decodeRoomID(req.Payload)
	if err != nil {
		return Response{}, err
	}
	room, err := g.DB.GetRoom(ctx, id)
	if err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	return Response{Status: 200, Payload: room}, nil
}

type roomUpdateRequest struct {
	ID               uuid.UUID       `json:"id"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	ClassroomID      *uuid.UUID      `json:"classroom_id,omitempty"`
	Tags             json.RawMessage `json:"tags,omitempty"`
	LockedTypes      map[string]bool `json:"locked_types,omitempty"`
	WhiteboardAccess map[string]bool `json:"whiteboard_access,omitempty"`
}

func handleRoomUpdate(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in roomUpdateRequest
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	room, err := g.DB.GetRoom(ctx, in.ID)
	if err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	if in.ClosedAt != nil {
		room.ClosedAt = in.ClosedAt
	}
	if in.ClassroomID != nil {
		room.ClassroomID = in.ClassroomID
	}
	if len(in.Tags) > 0 {
		room.Tags = in.Tags
	}
	if in.LockedTypes != nil {
		room.LockedTypes = in.LockedTypes
	}
	if in.WhiteboardAccess != nil {
		room.WhiteboardAccess = in.WhiteboardAccess
	}
	if err := g.DB.UpdateRoom(ctx, room); err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	if err := publishRoom(ctx, g, room.ID, "room.update", room); err != nil {
		return Response{}, err
	}
	if err := publishAudience(ctx, g, room.Audience, "room.update", room); err != nil {
		return Response{}, err
	}
	return Response{Status: 200, Payload: room}, nil
}

func handleRoomLockedTypes(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		RoomID      uuid.UUID       `json:"room_id"`
		LockedTypes map[string]bool `json:"locked_types"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	room, err := g.DB.GetRoom(ctx, in.RoomID)
	if err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	room.LockedTypes = in.LockedTypes
	if err := g.DB.UpdateRoom(ctx, room); err != nil {
		return Response{}, fmt.Errorf("gateway: update locked_types: %w", err)
	}
	if err := publishRoom(ctx, g, room.ID, "room.update", room); err != nil {
		return Response{}, err
	}
	return Response{Status: 200, Payload: room}, nil
}

func handleRoomWhiteboardAccess(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		RoomID           uuid.UUID       `json:"room_id"`
		WhiteboardAccess map[string]bool `json:"whiteboard_access"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	room, err := g.DB.GetRoom(ctx, in.RoomID)
	if err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	room.WhiteboardAccess = in.WhiteboardAccess
	if err := g.DB.UpdateRoom(ctx, room); err != nil {
		return Response{}, fmt.Errorf("gateway: update whiteboard_access: %w", err)
	}
	if err := publishRoom(ctx, g, room.ID, "room.update", room); err != nil {
		return Response{}, err
	}
	return Response{Status: 200, Payload: room}, nil
}

// handleRoomDumpEvents only emits the notification the room's audience
// expects; executing the object-storage dump itself is an external
// collaborator (spec.md §1 non-goals).
func handleRoomDumpEvents(ctx context.Context, g *Gateway, req Request) (Response, error) {
	id, err := decodeRoomID(req.Payload)
	if err != nil {
		return Response{}, err
	}
	room, err := g.DB.GetRoom(ctx, id)
	if err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	if err := publishAudience(ctx, g, room.Audience, "room.dump_events", map[string]any{"room_id": room.ID}); err != nil {
		return Response{}, err
	}
	return Response{Status: 202}, nil
}

func handleRoomEnter(ctx context.Context, g *Gateway, req Request) (Response, error) {
	id, err := decodeRoomID(req.Payload)
	if err != nil {
		return Response{}, err
	}
	room, err := g.DB.GetRoom(ctx, id)
	if err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	session, err := g.Presence.Enter(ctx, req.Agent, *room)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: 201, Payload: session}, nil
}

func handleRoomLeave(ctx context.Context, g *Gateway, req Request) (Response, error) {
	id, err := decodeRoomID(req.Payload)
	if err != nil {
		return Response{}, err
	}
	session, err := g.DB.GetAgentSession(ctx, req.Agent, id)
	if err != nil {
		return Response{}, notFoundOr(err, problem.AgentNotEnteredTheRoom, "agent has not entered this room")
	}
	if err := g.Presence.Leave(ctx, *session); err != nil {
		return Response{}, err
	}
	return Response{Status: 200}, nil
}

// subscriptionEventRequest is the payload of the broker's subscription.create
// and subscription.disconnected system callbacks (spec.md §4.D): the broker's
// webhook-to-MQTT bridge republishes its own client-subscribe/disconnect
// notification as one of these against the agent's existing pending/ready
// session, not as an agent-originated request.
type subscriptionEventRequest struct {
	RoomID uuid.UUID       `json:"room_id"`
	Agent  roomapi.AgentID `json:"agent"`
}

func decodeSubscriptionEvent(raw json.RawMessage) (subscriptionEventRequest, error) {
	var in subscriptionEventRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return subscriptionEventRequest{}, problem.New(problem.InvalidSubscriptionObject, err.Error())
	}
	return in, nil
}

// handleSubscriptionCreate drives the pending -> ready transition spec.md
// §4.D describes: "on the broker's subscription.create callback the state
// flips to ready".
func handleSubscriptionCreate(ctx context.Context, g *Gateway, req Request) (Response, error) {
	in, err := decodeSubscriptionEvent(req.Payload)
	if err != nil {
		return Response{}, err
	}
	session, err := g.DB.GetAgentSession(ctx, in.Agent, in.RoomID)
	if err != nil {
		return Response{}, notFoundOr(err, problem.AgentNotEnteredTheRoom, "agent has not entered this room")
	}
	if err := g.Presence.SubscriptionCreated(ctx, *session); err != nil {
		return Response{}, err
	}
	return Response{Status: 200}, nil
}

// handleSubscriptionDisconnected treats a broker-reported client disconnect
// identically to room.leave, per spec.md §4.D ("a disconnected broker client
// is treated as left").
func handleSubscriptionDisconnected(ctx context.Context, g *Gateway, req Request) (Response, error) {
	in, err := decodeSubscriptionEvent(req.Payload)
	if err != nil {
		return Response{}, err
	}
	session, err := g.DB.GetAgentSession(ctx, in.Agent, in.RoomID)
	if err != nil {
		return Response{}, notFoundOr(err, problem.AgentNotEnteredTheRoom, "agent has not entered this room")
	}
	if err := g.Presence.Disconnected(ctx, *session); err != nil {
		return Response{}, err
	}
	return Response{Status: 200}, nil
}

type roomAdjustRequest struct {
	RoomID    uuid.UUID        `json:"room_id"`
	StartedAt time.Time        `json:"started_at"`
	Segments  []roomapi.Segment `json:"segments"`
	Offset    int64            `json:"offset"`
}

func handleRoomAdjust(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in roomAdjustRequest
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	adjReq := adjust.Request{RoomID: in.RoomID, StartedAt: in.StartedAt, Segments: in.Segments, Offset: in.Offset}
	g.Workers.Submit("room.adjust", func(ctx context.Context) error {
		_, err := g.Adjust.Run(ctx, adjReq)
		return err
	})
	return Response{Status: 202}, nil
}

// --- event.* ---

type eventCreateRequest struct {
	RoomID        uuid.UUID       `json:"room_id"`
	Kind          string          `json:"kind"`
	Set           string          `json:"set,omitempty"`
	Label         *string         `json:"label,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	BinaryData    []byte          `json:"binary_data,omitempty"`
	OccurredAt    *int64          `json:"occurred_at,omitempty"`
	Attribute     *string         `json:"attribute,omitempty"`
	IsPersistent  bool            `json:"is_persistent"`
	Removed       bool            `json:"removed"`
	IsClaim       bool            `json:"is_claim"`
}

func handleEventCreate(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in eventCreateRequest
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	room, err := g.DB.GetRoom(ctx, in.RoomID)
	if err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	event, err := g.Ingest.CreateEvent(ctx, ingest.CreateEventInput{
		RoomID: *room, Agent: req.Agent, Kind: in.Kind, Set: in.Set, Label: in.Label,
		Data: in.Data, BinaryData: in.BinaryData, OccurredAt: in.OccurredAt,
		Attribute: in.Attribute, IsPersistent: in.IsPersistent, Removed: in.Removed, IsClaim: in.IsClaim,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Status: 201, Payload: event}, nil
}

type eventListRequest struct {
	RoomID uuid.UUID `json:"room_id"`
	Kind   string    `json:"kind,omitempty"`
	Set    string    `json:"set,omitempty"`
	Label  *string   `json:"label,omitempty"`
	After  *int64    `json:"after,omitempty"`
	Backward bool    `json:"backward,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

func handleEventList(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in eventListRequest
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	dir := storage.Forward
	if in.Backward {
		dir = storage.Backward
	}
	events, err := g.DB.EventsInRoomRange(ctx, in.RoomID,
		storage.EventRangeFilters{Kind: in.Kind, Set: in.Set, Label: in.Label},
		storage.Pagination{After: in.After, Direction: dir, Limit: in.Limit})
	if err != nil {
		return Response{}, fmt.Errorf("gateway: list events: %w", err)
	}
	return Response{Status: 200, Payload: events}, nil
}

// --- agent.* ---

func handleAgentList(ctx context.Context, g *Gateway, req Request) (Response, error) {
	id, err := decodeRoomID(req.Payload)
	if err != nil {
		return Response{}, err
	}
	room, err := g.DB.GetRoom(ctx, id)
	if err != nil {
		return Response{}, notFoundOr(err, problem.RoomNotFound, "room does not exist")
	}
	agents, err := g.Presence.List(ctx, *room)
	if err != nil {
		return Response{}, fmt.Errorf("gateway: list agents: %w", err)
	}
	return Response{Status: 200, Payload: agents}, nil
}

func handleAgentUpdate(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		RoomID  uuid.UUID `json:"room_id"`
		Action  string    `json:"action"`
		Audience string   `json:"audience,omitempty"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	session, err := g.DB.GetAgentSession(ctx, req.Agent, in.RoomID)
	if err != nil {
		return Response{}, notFoundOr(err, problem.AgentNotEnteredTheRoom, "agent has not entered this room")
	}
	switch in.Action {
	case "ban":
		if err := g.Presence.Ban(ctx, *session, in.Audience); err != nil {
			return Response{}, err
		}
	default:
		return Response{}, problem.New(problem.InvalidPayload, "unsupported agent.update action")
	}
	return Response{Status: 200}, nil
}

// --- state.read ---

type stateReadRequest struct {
	RoomID             uuid.UUID `json:"room_id"`
	Sets               []string  `json:"sets"`
	OccurredAt         *int64    `json:"occurred_at,omitempty"`
	OriginalOccurredAt *int64    `json:"original_occurred_at,omitempty"`
	Backward           bool      `json:"backward,omitempty"`
	Limit              int       `json:"limit,omitempty"`
}

func handleStateRead(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in stateReadRequest
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	out, err := g.State.Read(ctx, stateread.Request{
		RoomID: in.RoomID, Sets: in.Sets, OccurredAt: in.OccurredAt,
		OriginalOccurredAt: in.OriginalOccurredAt, Backward: in.Backward, Limit: in.Limit,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Status: 200, Payload: out}, nil
}

// --- edition.* / change.* ---

func handleEditionCreate(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		SourceRoomID uuid.UUID `json:"source_room_id"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	e := roomapi.Edition{ID: uuid.New(), SourceRoomID: in.SourceRoomID, CreatedBy: req.Agent, CreatedAt: time.Now().UTC()}
	if err := g.DB.CreateEdition(ctx, e); err != nil {
		return Response{}, fmt.Errorf("gateway: create edition: %w", err)
	}
	return Response{Status: 201, Payload: e}, nil
}

func handleEditionDelete(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		ID uuid.UUID `json:"id"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	if err := g.DB.DeleteEdition(ctx, in.ID); err != nil {
		return Response{}, fmt.Errorf("gateway: delete edition: %w", err)
	}
	return Response{Status: 200}, nil
}

func handleEditionList(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		SourceRoomID uuid.UUID `json:"source_room_id"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	editions, err := g.DB.ListEditions(ctx, in.SourceRoomID)
	if err != nil {
		return Response{}, fmt.Errorf("gateway: list editions: %w", err)
	}
	return Response{Status: 200, Payload: editions}, nil
}

func handleEditionCommit(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		EditionID uuid.UUID `json:"edition_id"`
		Offset    int64     `json:"offset,omitempty"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	commitReq := edition.Request{EditionID: in.EditionID, Offset: in.Offset}
	g.Workers.Submit("edition.commit", func(ctx context.Context) error {
		_, err := g.Edition.Run(ctx, commitReq)
		return err
	})
	return Response{Status: 202}, nil
}

func handleChangeCreate(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var c roomapi.Change
	if err := decode(req.Payload, &c); err != nil {
		return Response{}, err
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now().UTC()
	if c.Kind != roomapi.ChangeKindAddition && c.EventID == nil {
		return Response{}, problem.New(problem.InvalidPayload, "event_id is required for modification and removal changes")
	}
	if err := g.DB.CreateChange(ctx, c); err != nil {
		return Response{}, fmt.Errorf("gateway: create change: %w", err)
	}
	return Response{Status: 201, Payload: c}, nil
}

func handleChangeDelete(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		ID uuid.UUID `json:"id"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	if err := g.DB.DeleteChange(ctx, in.ID); err != nil {
		return Response{}, fmt.Errorf("gateway: delete change: %w", err)
	}
	return Response{Status: 200}, nil
}

func handleChangeList(ctx context.Context, g *Gateway, req Request) (Response, error) {
	var in struct {
		EditionID uuid.UUID `json:"edition_id"`
	}
	if err := decode(req.Payload, &in); err != nil {
		return Response{}, err
	}
	changes, err := g.DB.ListChanges(ctx, in.EditionID)
	if err != nil {
		return Response{}, fmt.Errorf("gateway: list changes: %w", err)
	}
	return Response{Status: 200, Payload: changes}, nil
}

// --- helpers ---

func decodeRoomID(raw json.RawMessage) (uuid.UUID, error) {
	var in struct {
		RoomID uuid.UUID `json:"room_id"`
	}
	if err := decode(raw, &in); err != nil {
		return uuid.UUID{}, err
	}
	return in.RoomID, nil
}

func notFoundOr(err error, t problem.Type, detail string) error {
	if err == storage.ErrNotFound {
		return problem.New(t, detail)
	}
	return fmt.Errorf("gateway: %w", err)
}

func publishRoom(ctx context.Context, g *Gateway, roomID uuid.UUID, label string, payload any) error {
	return publish(ctx, g, broker.RoomSubject(roomID.String()), label, payload)
}

func publishAudience(ctx context.Context, g *Gateway, audience, label string, payload any) error {
	return publish(ctx, g, broker.AudienceSubject(audience), label, payload)
}

func publish(ctx context.Context, g *Gateway, subject, label string, payload any) error {
	envelope := struct {
		Label   string `json:"label"`
		Payload any    `json:"payload"`
	}{Label: label, Payload: payload}
	data, err := json.Marshal(envelope)
	if err != nil {
		return problem.New(problem.SerializationFailed, err.Error())
	}
	if err := g.Broker.Publish(ctx, subject, data); err != nil {
		log.WithError(err).Warn("gateway: publish failed")
		return problem.New(problem.PublishFailed, err.Error())
	}
	return nil
}
