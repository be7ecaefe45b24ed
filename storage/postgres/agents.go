package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
)

type agentsStatements struct {
	db *sql.DB
}

const insertAgentSessionSQL = `
	INSERT INTO agent_session (id, agent_id, room_id, status, created_at)
	VALUES ($1, $2, $3, $4, now())
`

// CreateAgentSession starts a new session in the pending state (spec.md
// §4.D: initial state on room.enter is pending). The partial unique index on
// (agent_id, room_id) WHERE status IN ('pending','ready') enforces at most
// one active session per agent/room.
func (s *agentsStatements) CreateAgentSession(ctx context.Context, agentID roomapi.AgentID, roomID uuid.UUID) (*roomapi.AgentSession, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, insertAgentSessionSQL, id, agentID.String(), roomID, roomapi.AgentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("postgres: create agent session: %w", err)
	}
	return s.GetAgentSession(ctx, agentID, roomID)
}

const updateAgentStatusSQL = `UPDATE agent_session SET status = $2 WHERE id = $1`

func (s *agentsStatements) UpdateAgentStatus(ctx context.Context, id uuid.UUID, status roomapi.AgentStatus) (*roomapi.AgentSession, error) {
	res, err := s.db.ExecContext(ctx, updateAgentStatusSQL, id, status)
	if err != nil {
		return nil, fmt.Errorf("postgres: update agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("postgres: update agent status rows affected: %w", err)
	}
	if n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.getByID(ctx, id)
}

const selectAgentSessionByIDSQL = `
	SELECT id, agent_id, room_id, status, created_at FROM agent_session WHERE id = $1
`

func (s *agentsStatements) getByID(ctx context.Context, id uuid.UUID) (*roomapi.AgentSession, error) {
	row := s.db.QueryRowContext(ctx, selectAgentSessionByIDSQL, id)
	return scanAgentSession(row)
}

const selectAgentSessionSQL = `
	SELECT id, agent_id, room_id, status, created_at
	FROM agent_session
	WHERE agent_id = $1 AND room_id = $2 AND status IN ('pending', 'ready')
	ORDER BY created_at DESC
	LIMIT 1
`

func (s *agentsStatements) GetAgentSession(ctx context.Context, agentID roomapi.AgentID, roomID uuid.UUID) (*roomapi.AgentSession, error) {
	row := s.db.QueryRowContext(ctx, selectAgentSessionSQL, agentID.String(), roomID)
	return scanAgentSession(row)
}

func scanAgentSession(row *sql.Row) (*roomapi.AgentSession, error) {
	var (
		as        roomapi.AgentSession
		agentID   string
		status    string
	)
	err := row.Scan(&as.ID, &agentID, &as.RoomID, &status, &as.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan agent session: %w", err)
	}
	parsed, err := roomapi.ParseAgentID(agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse agent_id: %w", err)
	}
	as.AgentID = parsed
	as.Status = roomapi.AgentStatus(status)
	return &as, nil
}

const listActiveAgentsSQL = `
	SELECT id, agent_id, room_id, status, created_at
	FROM agent_session
	WHERE room_id = $1 AND status IN ('pending', 'ready')
	ORDER BY created_at ASC
`

// ListActiveAgents filters out left/banned sessions, matching the
// agent.list contract in spec.md §4.D.
func (s *agentsStatements) ListActiveAgents(ctx context.Context, roomID uuid.UUID) ([]roomapi.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, listActiveAgentsSQL, roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active agents: %w", err)
	}
	defer rows.Close()

	var out []roomapi.AgentSession
	for rows.Next() {
		var (
			as      roomapi.AgentSession
			agentID string
			status  string
		)
		if err := rows.Scan(&as.ID, &agentID, &as.RoomID, &status, &as.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent session: %w", err)
		}
		parsed, err := roomapi.ParseAgentID(agentID)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse agent_id: %w", err)
		}
		as.AgentID = parsed
		as.Status = roomapi.AgentStatus(status)
		out = append(out, as)
	}
	return out, rows.Err()
}
