package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hexvault/multiscan-api/internal/dto"
	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/service"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
	"github.com/hexvault/multiscan-api/pkg/response"
)

// DeliveryHandler exposes post-scan delivery actions.
type DeliveryHandler struct {
	service *service.DeliveryService
}

// NewDeliveryHandler constructs the handler.
func NewDeliveryHandler(svc *service.DeliveryService) *DeliveryHandler {
	return &DeliveryHandler{service: svc}
}

// Request godoc
// @Summary Request a delivery action
// @Description Queue a post-scan delivery; only complete sessions qualify
// @Tags Deliveries
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.DeliveryRequest true "Delivery payload"
// @Success 202 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /sessions/{id}/deliveries [post]
func (h *DeliveryHandler) Request(c *gin.Context) {
	var req dto.DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid delivery payload"))
		return
	}

	var createdBy *string
	if claims := claimsFromContext(c); claims != nil {
		createdBy = &claims.UserID
	}

	params := models.DeliveryJobParams{Target: req.Target, Recipient: req.Recipient, Extras: req.Extras}
	job, err := h.service.Request(c.Request.Context(), c.Param("id"), req.Type, params, createdBy)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, job, nil)
}

// ListBySession godoc
// @Summary List a session's delivery jobs
// @Tags Deliveries
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/deliveries [get]
func (h *DeliveryHandler) ListBySession(c *gin.Context) {
	jobs, err := h.service.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, jobs, nil)
}

// Get godoc
// @Summary Get delivery job
// @Tags Deliveries
// @Produce json
// @Param id path string true "Delivery job ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /deliveries/{id} [get]
func (h *DeliveryHandler) Get(c *gin.Context) {
	job, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, job, nil)
}

// ReceiptToken godoc
// @Summary Issue a signed receipt download token
// @Tags Deliveries
// @Produce json
// @Param id path string true "Delivery job ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /deliveries/{id}/receipt-token [post]
func (h *DeliveryHandler) ReceiptToken(c *gin.Context) {
	token, expiresAt, err := h.service.ReceiptToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.ReceiptTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	}, nil)
}

// DownloadReceipt godoc
// @Summary Download a receipt by signed token
// @Tags Deliveries
// @Produce application/pdf
// @Param token query string true "Signed download token"
// @Success 200 {file} binary
// @Failure 403 {object} response.Envelope
// @Router /deliveries/receipt [get]
func (h *DeliveryHandler) DownloadReceipt(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token required"))
		return
	}

	path, err := h.service.OpenReceipt(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.FileAttachment(path, "receipt.pdf")
}
