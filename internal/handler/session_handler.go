package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hexvault/multiscan-api/internal/dto"
	"github.com/hexvault/multiscan-api/internal/middleware"
	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/service"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
	"github.com/hexvault/multiscan-api/pkg/response"
)

// SessionHandler exposes the scan session lifecycle: creation, the four
// intake sources, dispatch, status polling and revocation.
type SessionHandler struct {
	intake   *service.IntakeService
	sessions *service.SessionService
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(intake *service.IntakeService, sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{intake: intake, sessions: sessions}
}

// Create godoc
// @Summary Create scan session
// @Description Open a new session for the given submission source
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body dto.CreateSessionRequest true "Session payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /sessions [post]
func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid session payload"))
		return
	}

	var ownerID *string
	if claims := claimsFromContext(c); claims != nil {
		ownerID = &claims.UserID
	}

	session, err := h.intake.CreateSession(c.Request.Context(), req.Source, ownerID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, session)
}

// List godoc
// @Summary List sessions
// @Tags Sessions
// @Produce json
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, total, err := h.sessions.List(c.Request.Context(), claims.UserID, limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessions, nil, map[string]interface{}{"total": total})
}

// Get godoc
// @Summary Get session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Upload godoc
// @Summary Upload files into a session
// @Description Admit one or more multipart uploads
// @Tags Sessions
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Session ID"
// @Param files formData file true "Files to scan"
// @Success 201 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /sessions/{id}/files [post]
func (h *SessionHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid multipart form"))
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}
	if len(headers) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "no files in request"))
		return
	}

	admitted := make([]*models.File, 0, len(headers))
	for _, header := range headers {
		file, err := h.intake.AdmitUpload(c.Request.Context(), c.Param("id"), header)
		if err != nil && !errors.Is(err, appErrors.ErrFileRejected) {
			response.Error(c, err)
			return
		}
		admitted = append(admitted, file)
	}

	response.Created(c, admitted)
}

// FromURL godoc
// @Summary Admit a remote file by URL
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.AdmitURLRequest true "URL payload"
// @Success 201 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /sessions/{id}/files/url [post]
func (h *SessionHandler) FromURL(c *gin.Context) {
	var req dto.AdmitURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid url payload"))
		return
	}

	file, err := h.intake.AdmitURL(c.Request.Context(), c.Param("id"), req.URL)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, file)
}

// FromDisk godoc
// @Summary Admit every file under a mounted directory
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.AdmitDiskRequest true "Directory payload"
// @Success 201 {object} response.Envelope
// @Router /sessions/{id}/files/disk [post]
func (h *SessionHandler) FromDisk(c *gin.Context) {
	var req dto.AdmitDiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid directory payload"))
		return
	}

	files, err := h.intake.AdmitDisk(c.Request.Context(), c.Param("id"), req.Directory)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, files)
}

// FromEmail godoc
// @Summary Admit the attachments of an RFC 822 message
// @Tags Sessions
// @Accept message/rfc822
// @Produce json
// @Param id path string true "Session ID"
// @Success 201 {object} response.Envelope
// @Router /sessions/{id}/files/email [post]
func (h *SessionHandler) FromEmail(c *gin.Context) {
	files, err := h.intake.AdmitEmail(c.Request.Context(), c.Param("id"), c.Request.Body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, files)
}

// Start godoc
// @Summary Start scanning a session
// @Description Snapshot the active agents and admit every leaf file into the dispatch queue
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /sessions/{id}/start [post]
func (h *SessionHandler) Start(c *gin.Context) {
	if err := h.sessions.Start(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"status": "scanning"}, nil)
}

// Status godoc
// @Summary Session status snapshot
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/status [get]
func (h *SessionHandler) Status(c *gin.Context) {
	status, cached, err := h.sessions.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, status, nil, middleware.ExtractMeta(c))
}

// Queue godoc
// @Summary Queue position
// @Description Work admitted ahead of this session and still undrained
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/queue [get]
func (h *SessionHandler) Queue(c *gin.Context) {
	position, err := h.sessions.Queue(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, position, nil)
}

// Files godoc
// @Summary List session files
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/files [get]
func (h *SessionHandler) Files(c *gin.Context) {
	files, err := h.sessions.Files(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, files, nil)
}

// Scans godoc
// @Summary List per-agent scan results
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/scans [get]
func (h *SessionHandler) Scans(c *gin.Context) {
	scans, err := h.sessions.Scans(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, scans, nil)
}

// Cancel godoc
// @Summary Revoke a session
// @Description Stamp every unresolved scan revoked; finished results stay
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 204 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id} [delete]
func (h *SessionHandler) Cancel(c *gin.Context) {
	if err := h.sessions.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
