package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store over Postgres.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new Postgres-backed dispatch store
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// GetAgent loads an agent the user owns. Someone else's agent id reads the
// same as a missing one.
func (s *PGStore) GetAgent(ctx context.Context, agentID, userID uuid.UUID) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, name, created_at
		FROM agents
		WHERE id = $1 AND user_id = $2
	`, agentID, userID).Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

// InsertCall records a freshly placed call with billing_status unbilled.
func (s *PGStore) InsertCall(ctx context.Context, call *models.Call) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO calls (id, user_id, contact_id, agent_id, call_name, status, billing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, call.ID, call.UserID, call.ContactID, call.AgentID, call.CallName, call.Status, call.BillingStatus)
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}
	return nil
}
