// Package presence implements component D: the pending → ready →
// (left|banned) agent session state machine and the room/audience
// broadcasts it triggers (spec.md §4.D).
package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/internal/caching"
	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/problem"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
	"github.com/vstream/roomevents/transport/broker"
)

var log = logging.For("presence")

// Service implements the presence state machine.
type Service struct {
	DB     storage.Database
	Broker broker.Publisher

	// Sessions caches (agent,room) -> status for the IsReady hot path that
	// ingest.Service.CreateEvent consults on every event. A nil cache is a
	// plain always-miss, so Service works unconfigured.
	Sessions *caching.SessionCache
}

func sessionCacheKey(agentID roomapi.AgentID, roomID uuid.UUID) string {
	return agentID.String() + "|" + roomID.String()
}

type broadcast struct {
	Label   string              `json:"label"`
	Session roomapi.AgentSession `json:"session"`
}

// Enter starts a new pending session for agentID in room, rejecting banned
// accounts outright (the room_ban/presence closure described in SPEC_FULL.md
// §10).
func (s *Service) Enter(ctx context.Context, agentID roomapi.AgentID, room roomapi.Room) (*roomapi.AgentSession, error) {
	banned, err := s.DB.IsBanned(ctx, agentID.AccountID, room.ID)
	if err != nil {
		return nil, fmt.Errorf("presence: check ban: %w", err)
	}
	if banned {
		return nil, problem.New(problem.AccessDenied, "account is banned from this room")
	}
	session, err := s.DB.CreateAgentSession(ctx, agentID, room.ID)
	if err != nil {
		return nil, fmt.Errorf("presence: create session: %w", err)
	}
	return session, nil
}

// SubscriptionCreated handles the broker's subscription.create callback:
// pending -> ready, followed by a room.enter broadcast.
func (s *Service) SubscriptionCreated(ctx context.Context, session roomapi.AgentSession) error {
	updated, err := s.DB.UpdateAgentStatus(ctx, session.ID, roomapi.AgentStatusReady)
	if err != nil {
		return fmt.Errorf("presence: mark ready: %w", err)
	}
	s.invalidateSession(*updated)
	return s.publishRoom(ctx, updated.RoomID, "room.enter", *updated)
}

// Leave drives pending|ready -> left and broadcasts the final snapshot.
func (s *Service) Leave(ctx context.Context, session roomapi.AgentSession) error {
	updated, err := s.DB.UpdateAgentStatus(ctx, session.ID, roomapi.AgentStatusLeft)
	if err != nil {
		return fmt.Errorf("presence: mark left: %w", err)
	}
	s.invalidateSession(*updated)
	return s.publishRoom(ctx, updated.RoomID, "room.leave", *updated)
}

// Disconnected treats a broker client drop identically to an explicit
// room.leave (spec.md §4.D).
func (s *Service) Disconnected(ctx context.Context, session roomapi.AgentSession) error {
	return s.Leave(ctx, session)
}

// Ban drives ready -> banned, broadcasting agent.update on the room topic
// and agent.ban on the audience topic, and records a RoomBan so future
// room.enter attempts are rejected.
func (s *Service) Ban(ctx context.Context, session roomapi.AgentSession, audience string) error {
	updated, err := s.DB.UpdateAgentStatus(ctx, session.ID, roomapi.AgentStatusBanned)
	if err != nil {
		return fmt.Errorf("presence: mark banned: %w", err)
	}
	s.invalidateSession(*updated)
	if err := s.DB.CreateBan(ctx, roomapi.RoomBan{Account: updated.AgentID.AccountID, RoomID: updated.RoomID}); err != nil {
		return fmt.Errorf("presence: record ban: %w", err)
	}
	if err := s.publishRoom(ctx, updated.RoomID, "agent.update", *updated); err != nil {
		return err
	}
	payload, err := json.Marshal(broadcast{Label: "agent.ban", Session: *updated})
	if err != nil {
		return problem.New(problem.SerializationFailed, err.Error())
	}
	if err := s.Broker.Publish(ctx, broker.AudienceSubject(audience), payload); err != nil {
		log.WithError(err).Warn("publish agent.ban failed")
		return problem.New(problem.PublishFailed, err.Error())
	}
	return nil
}

// IsReady implements ingest.PresenceChecker: only ready agents may publish
// events or receive broadcasts (spec.md §4.D). Consulted on every
// event.create call, so the result is cached by (agent,room).
func (s *Service) IsReady(ctx context.Context, agentID roomapi.AgentID, room roomapi.Room) (bool, error) {
	key := sessionCacheKey(agentID, room.ID)
	if s.Sessions != nil {
		if cached, ok := s.Sessions.Get(key); ok {
			return cached.(roomapi.AgentStatus) == roomapi.AgentStatusReady, nil
		}
	}
	session, err := s.DB.GetAgentSession(ctx, agentID, room.ID)
	if err != nil {
		if err == storage.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("presence: get session: %w", err)
	}
	if s.Sessions != nil {
		s.Sessions.Set(key, session.Status)
	}
	return session.Status == roomapi.AgentStatusReady, nil
}

// List implements agent.list: every non-left, non-banned session.
func (s *Service) List(ctx context.Context, roomID roomapi.Room) ([]roomapi.AgentSession, error) {
	return s.DB.ListActiveAgents(ctx, roomID.ID)
}

func (s *Service) invalidateSession(session roomapi.AgentSession) {
	if s.Sessions == nil {
		return
	}
	s.Sessions.Delete(sessionCacheKey(session.AgentID, session.RoomID))
}

func (s *Service) publishRoom(ctx context.Context, roomID uuid.UUID, label string, session roomapi.AgentSession) error {
	payload, err := json.Marshal(broadcast{Label: label, Session: session})
	if err != nil {
		return problem.New(problem.SerializationFailed, err.Error())
	}
	if err := s.Broker.Publish(ctx, broker.RoomSubject(roomID.String()), payload); err != nil {
		log.WithError(err).Warn("publish room broadcast failed")
		return problem.New(problem.PublishFailed, err.Error())
	}
	return nil
}
