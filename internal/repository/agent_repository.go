package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hexvault/multiscan-api/internal/models"
)

const agentColumns = `id, name, engine, endpoint, active, created_at, updated_at`

// AgentRepository manages the registered scan agents.
type AgentRepository struct {
	db *sqlx.DB
}

// NewAgentRepository constructs the repository.
func NewAgentRepository(db *sqlx.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create registers a new agent.
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	const query = `INSERT INTO agents (id, name, engine, endpoint, active, created_at, updated_at)
	VALUES (:id, :name, :engine, :endpoint, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, agent); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetByID retrieves one agent.
func (r *AgentRepository) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	var agent models.Agent
	if err := r.db.GetContext(ctx, &agent, query, id); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListActive returns the currently enabled agents. The orchestrator snapshots
// this set once per dispatch.
func (r *AgentRepository) ListActive(ctx context.Context) ([]models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE active = TRUE ORDER BY name, id`
	var agents []models.Agent
	if err := r.db.SelectContext(ctx, &agents, query); err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	return agents, nil
}

// List returns agents matching the filter.
func (r *AgentRepository) List(ctx context.Context, filter models.AgentFilter) ([]models.Agent, error) {
	baseQuery := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.Engine != nil {
		conditions = append(conditions, fmt.Sprintf("engine = $%d", len(args)+1))
		args = append(args, *filter.Engine)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}

	query := baseQuery
	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name, id"

	var agents []models.Agent
	if err := r.db.SelectContext(ctx, &agents, query, args...); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// Update persists mutable agent fields.
func (r *AgentRepository) Update(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	const query = `UPDATE agents SET name = :name, engine = :engine, endpoint = :endpoint, active = :active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, agent); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

// SetActive enables or disables an agent without touching its registration.
func (r *AgentRepository) SetActive(ctx context.Context, id string, active bool) error {
	const query = `UPDATE agents SET active = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, active, time.Now().UTC()); err != nil {
		return fmt.Errorf("set agent active: %w", err)
	}
	return nil
}

// Delete removes an agent registration. Historical scan rows keep the agent
// name and engine denormalised, so removal does not orphan results.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM agents WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}
