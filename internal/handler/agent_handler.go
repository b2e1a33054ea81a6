package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/service"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
	"github.com/hexvault/multiscan-api/pkg/response"
)

// AgentHandler manages the scan agent registry.
type AgentHandler struct {
	service *service.AgentService
}

// NewAgentHandler constructs the handler.
func NewAgentHandler(svc *service.AgentService) *AgentHandler {
	return &AgentHandler{service: svc}
}

// Register godoc
// @Summary Register scan agent
// @Tags Agents
// @Accept json
// @Produce json
// @Param payload body service.RegisterAgentRequest true "Agent payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /agents [post]
func (h *AgentHandler) Register(c *gin.Context) {
	var req service.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid agent payload"))
		return
	}

	agent, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, agent)
}

// List godoc
// @Summary List agents
// @Tags Agents
// @Produce json
// @Param engine query string false "Engine filter"
// @Param active query bool false "Active filter"
// @Success 200 {object} response.Envelope
// @Router /agents [get]
func (h *AgentHandler) List(c *gin.Context) {
	var filter models.AgentFilter
	if engine := c.Query("engine"); engine != "" {
		filter.Engine = &engine
	}
	if active := c.Query("active"); active != "" {
		if val, err := strconv.ParseBool(active); err == nil {
			filter.Active = &val
		}
	}

	agents, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, agents, nil)
}

// Get godoc
// @Summary Get agent
// @Tags Agents
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /agents/{id} [get]
func (h *AgentHandler) Get(c *gin.Context) {
	agent, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, agent, nil)
}

// Update godoc
// @Summary Update agent
// @Tags Agents
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Param payload body service.UpdateAgentRequest true "Update payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /agents/{id} [put]
func (h *AgentHandler) Update(c *gin.Context) {
	var req service.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid update payload"))
		return
	}

	agent, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, agent, nil)
}

// SetActive godoc
// @Summary Toggle agent availability
// @Description Changes take effect on the next dispatch snapshot
// @Tags Agents
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Param payload body object true "Active flag"
// @Success 204 {object} response.Envelope
// @Router /agents/{id}/active [put]
func (h *AgentHandler) SetActive(c *gin.Context) {
	var payload struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "active flag required"))
		return
	}

	if err := h.service.SetActive(c.Request.Context(), c.Param("id"), *payload.Active); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Delete godoc
// @Summary Deregister agent
// @Tags Agents
// @Produce json
// @Param id path string true "Agent ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /agents/{id} [delete]
func (h *AgentHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
