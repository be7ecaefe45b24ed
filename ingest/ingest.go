// Package ingest implements component B: create_event's validation,
// original-tracking and broadcast contract from spec.md §4.B.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/metrics"
	"github.com/vstream/roomevents/internal/problem"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
)

var log = logging.For("ingest")

// PresenceChecker reports whether an agent is ready (subscribed) in a room,
// the gate spec.md §4.B requires before create_event is allowed.
type PresenceChecker interface {
	IsReady(ctx context.Context, agentID roomapi.AgentID, roomID roomapi.Room) (bool, error)
}

// Service implements create_event.
type Service struct {
	DB              storage.Database
	Broker          broker.Publisher
	Presence        PresenceChecker
	MaxPayloadBytes int64
}

// CreateEventInput is the create_event request payload (spec.md §4.B).
type CreateEventInput struct {
	RoomID       roomapi.Room
	Agent        roomapi.AgentID
	Kind         string
	Set          string
	Label        *string
	Data         json.RawMessage
	BinaryData   []byte
	OccurredAt   *int64
	Attribute    *string
	IsPersistent bool
	Removed      bool
	IsClaim      bool
	TrustedCaller bool
}

// BroadcastEnvelope is the notification published to rooms/{room}/events
// (and, for claims, audiences/{audience}/events) on event.create.
type BroadcastEnvelope struct {
	Label string        `json:"label"`
	Event roomapi.Event `json:"event"`
}

// CreateEvent runs the full ingest pipeline: validation, presence gate,
// original-tracking insert (unless IsPersistent is false), and broadcast.
func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (roomapi.Event, error) {
	room := in.RoomID
	now := time.Now().UTC()

	if !room.IsOpen(now) {
		if now.Before(room.OpenedAt) {
			return roomapi.Event{}, problem.New(problem.RoomClosed, "room is not open yet")
		}
		return roomapi.Event{}, problem.New(problem.RoomClosed, "room is closed")
	}

	if !in.TrustedCaller {
		ready, err := s.Presence.IsReady(ctx, in.Agent, room)
		if err != nil {
			return roomapi.Event{}, fmt.Errorf("ingest: presence check: %w", err)
		}
		if !ready {
			return roomapi.Event{}, problem.New(problem.AgentNotEnteredTheRoom, "agent is not ready in this room")
		}
	}

	if (len(in.Data) == 0) == (len(in.BinaryData) == 0) {
		return roomapi.Event{}, problem.New(problem.InvalidPayload, "exactly one of data or binary_data must be set")
	}
	// The size cap is waived for already soft-deleted rows (spec.md §3); since
	// create_event only ever produces live rows, it always applies here.
	if int64(len(in.Data)+len(in.BinaryData)) >= s.payloadLimit() {
		return roomapi.Event{}, problem.New(problem.InvalidPayload, "payload exceeds the configured size limit")
	}

	set := in.Set
	if set == "" {
		set = in.Kind
	}

	occurredAt := int64(now.Sub(room.OpenedAt))
	if in.OccurredAt != nil {
		occurredAt = *in.OccurredAt
	}

	event := roomapi.Event{
		RoomID: room.ID, Kind: in.Kind, Set: set, Label: in.Label,
		Data: in.Data, BinaryData: in.BinaryData, OccurredAt: occurredAt,
		CreatedBy: in.Agent, CreatedAt: now, Attribute: in.Attribute, Removed: in.Removed,
		OriginalOccurredAt: occurredAt, OriginalCreatedBy: in.Agent,
	}

	if in.IsPersistent {
		stored, err := s.DB.InsertEventWithOriginalTracking(ctx, storage.NewEventInput{
			RoomID: room.ID, Kind: in.Kind, Set: set, Label: in.Label,
			Data: in.Data, BinaryData: in.BinaryData, OccurredAt: occurredAt,
			CreatedBy: in.Agent, Attribute: in.Attribute, Removed: in.Removed,
		})
		if err != nil {
			return roomapi.Event{}, fmt.Errorf("ingest: %w", err)
		}
		event = stored
	}

	metrics.EventsCreated.WithLabelValues(room.Kind).Inc()

	payload, err := json.Marshal(BroadcastEnvelope{Label: "event.create", Event: event})
	if err != nil {
		return roomapi.Event{}, problem.New(problem.SerializationFailed, err.Error())
	}
	if err := s.Broker.Publish(ctx, broker.RoomSubject(room.ID.String()), payload); err != nil {
		log.WithError(err).Warn("publish room broadcast failed")
		return roomapi.Event{}, problem.New(problem.PublishFailed, err.Error())
	}
	if in.IsClaim {
		if err := s.Broker.Publish(ctx, broker.AudienceSubject(room.Audience), payload); err != nil {
			log.WithError(err).Warn("publish audience claim failed")
			return roomapi.Event{}, problem.New(problem.PublishFailed, err.Error())
		}
	}

	return event, nil
}

func (s *Service) payloadLimit() int64 {
	if s.MaxPayloadBytes > 0 {
		return s.MaxPayloadBytes
	}
	return 100 * 1024
}
