package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/service"
	"gorm.io/gorm"
)

// AdminHandler exposes import sessions and upload slots to operators.
type AdminHandler struct {
	sessions *service.ExchangeSessionStore
	uploads  service.FileStreamConfig
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - sessions: import session store.
//   - uploads: upload storage settings, used for forced cleanups.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(sessions *service.ExchangeSessionStore, uploads service.FileStreamConfig) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		uploads:  uploads,
	}
}

// ListImportSessionsResponse represents a page of import sessions.
type ListImportSessionsResponse struct {
	Data   []domain.ImportSession `json:"data"`
	Total  int64                  `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// FailImportSessionRequest represents the force-fail API request.
type FailImportSessionRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// ListImportSessions handles GET /api/v1/import-sessions.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) ListImportSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	filter := repository.ImportSessionFilter{
		SessionKey: c.Query("key"),
		Limit:      limit,
		Offset:     offset,
	}
	if status := c.Query("status"); status != "" {
		filter.Status = domain.ImportStatus(status)
	}

	sessions, total, err := h.sessions.List(c.Request.Context(), filter)
	if err != nil {
		logger.FromContext(c.Request.Context()).WithError(err).Error("Failed to list import sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list import sessions"})
		return
	}

	c.JSON(http.StatusOK, ListImportSessionsResponse{
		Data:   sessions,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetImportSession handles GET /api/v1/import-sessions/:id.
func (h *AdminHandler) GetImportSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	session, err := h.sessions.Get(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Import session not found"})
		return
	}
	if err != nil {
		logger.FromContext(c.Request.Context()).WithError(err).Error("Failed to load import session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load import session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// FailImportSession handles POST /api/v1/import-sessions/:id/fail.
// It releases the session key of a stuck import so 1C can start a new one.
func (h *AdminHandler) FailImportSession(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req FailImportSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}

	session, err := h.sessions.ForceFail(ctx, id, req.Reason)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Import session not found"})
		return
	case errors.Is(err, service.ErrSessionFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.FromContext(ctx).WithError(err).Error("Failed to fail import session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update import session"})
		return
	}

	logger.CtxInfo(ctx, "Import session %d failed by operator, client_ip=%s", id, c.ClientIP())
	c.JSON(http.StatusOK, session)
}

// DeleteUploads handles DELETE /api/v1/uploads/:sessid.
// Every file of the exchange session is removed, locked or not.
func (h *AdminHandler) DeleteUploads(c *gin.Context) {
	ctx := c.Request.Context()

	files, err := service.NewFileStreamService(h.uploads, c.Param("sessid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}
	removed, err := files.CleanupSession(true)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to clean up uploads")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clean up uploads"})
		return
	}

	logger.CtxInfo(ctx, "Removed %d uploaded files of session %s, client_ip=%s", removed, files.SessionKey(), c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}
