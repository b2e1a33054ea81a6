package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/models"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
)

type agentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context, filter models.AgentFilter) ([]models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

// AgentService manages the registered scan agents. Changes take effect on
// the next dispatch; running sessions keep their snapshot.
type AgentService struct {
	agents agentStore
	logger *zap.Logger
}

// NewAgentService constructs the service.
func NewAgentService(agents agentStore, logger *zap.Logger) *AgentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentService{agents: agents, logger: logger}
}

// RegisterAgentRequest carries a new agent registration.
type RegisterAgentRequest struct {
	Name     string `json:"name" binding:"required"`
	Engine   string `json:"engine" binding:"required"`
	Endpoint string `json:"endpoint" binding:"required,url"`
	Active   *bool  `json:"active"`
}

// Register stores a new agent, active by default.
func (s *AgentService) Register(ctx context.Context, req RegisterAgentRequest) (*models.Agent, error) {
	agent := &models.Agent{
		Name:     strings.TrimSpace(req.Name),
		Engine:   strings.ToLower(strings.TrimSpace(req.Engine)),
		Endpoint: strings.TrimRight(strings.TrimSpace(req.Endpoint), "/"),
		Active:   true,
	}
	if req.Active != nil {
		agent.Active = *req.Active
	}
	if agent.Name == "" || agent.Engine == "" || agent.Endpoint == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "name, engine and endpoint are required")
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register agent")
	}
	s.logger.Sugar().Infow("agent registered", "agent_id", agent.ID, "engine", agent.Engine)
	return agent, nil
}

// Get loads one agent.
func (s *AgentService) Get(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := s.agents.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "agent not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load agent")
	}
	return agent, nil
}

// List returns agents matching the filter.
func (s *AgentService) List(ctx context.Context, filter models.AgentFilter) ([]models.Agent, error) {
	agents, err := s.agents.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list agents")
	}
	return agents, nil
}

// UpdateAgentRequest carries mutable agent fields.
type UpdateAgentRequest struct {
	Name     *string `json:"name"`
	Engine   *string `json:"engine"`
	Endpoint *string `json:"endpoint"`
	Active   *bool   `json:"active"`
}

// Update applies the provided changes.
func (s *AgentService) Update(ctx context.Context, id string, req UpdateAgentRequest) (*models.Agent, error) {
	agent, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		agent.Name = strings.TrimSpace(*req.Name)
	}
	if req.Engine != nil {
		agent.Engine = strings.ToLower(strings.TrimSpace(*req.Engine))
	}
	if req.Endpoint != nil {
		agent.Endpoint = strings.TrimRight(strings.TrimSpace(*req.Endpoint), "/")
	}
	if req.Active != nil {
		agent.Active = *req.Active
	}
	if agent.Name == "" || agent.Engine == "" || agent.Endpoint == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "name, engine and endpoint cannot be emptied")
	}
	if err := s.agents.Update(ctx, agent); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update agent")
	}
	return agent, nil
}

// SetActive flips availability without touching the registration.
func (s *AgentService) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.agents.SetActive(ctx, id, active); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to change agent availability")
	}
	return nil
}

// Delete removes the registration. Past scan rows keep the denormalised
// agent name and engine.
func (s *AgentService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.agents.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete agent")
	}
	return nil
}
