package reconciliation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/festivals-labs/offline-core/internal/pkg/response"
)

// Handler wires the reconciliation HTTP surface: POST
// /sync/offline-transactions, GET /sync/offline-transactions/:id, and
// GET /auth/session. The sync and session bodies are emitted bare
// (not wrapped in the response envelope) because their shapes are the
// wire contract the device's transport decodes directly.
type Handler struct {
	service *Service
	auth    *Authenticator
}

func NewHandler(service *Service, auth *Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

// RegisterRoutes attaches the reconciliation endpoints to r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/session", h.issueSession)

	authed := r.Group("/")
	authed.Use(h.requireBearer())
	authed.POST("/sync/offline-transactions", h.uploadBatch)
	authed.GET("/sync/offline-transactions/:id", h.getSyncedTransaction)
}

// requireBearer validates the Authorization: Bearer <token> header and
// stores the authenticated deviceId in the gin context.
func (h *Handler) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			response.Unauthorized(c, "missing bearer token")
			c.Abort()
			return
		}
		deviceID, err := h.auth.VerifyToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			response.Unauthorized(c, "invalid or expired session token")
			c.Abort()
			return
		}
		c.Set("deviceId", deviceID)
		c.Next()
	}
}

type sessionRequest struct {
	DeviceID   string `form:"deviceId" binding:"required"`
	FestivalID string `form:"festivalId" binding:"required"`
}

func (h *Handler) issueSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "INVALID_REQUEST", "deviceId and festivalId are required", nil)
		return
	}

	session, token, err := h.auth.IssueSession(c.Request.Context(), req.DeviceID, req.FestivalID)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}

	c.Header("X-Session-Token", token)
	c.JSON(http.StatusOK, session)
}

func (h *Handler) uploadBatch(c *gin.Context) {
	var req BatchUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "INVALID_REQUEST", "malformed batch upload", nil)
		return
	}

	authedDeviceID := c.GetString("deviceId")
	if authedDeviceID != "" && authedDeviceID != req.DeviceID {
		response.Forbidden(c, "deviceId does not match authenticated session")
		return
	}

	result, err := h.service.ProcessBatch(c.Request.Context(), req)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

// getSyncedTransaction lets an operator (or a device chasing a
// quarantined record) look up the server-side record for a
// serverTransactionId returned by an earlier batch upload.
func (h *Handler) getSyncedTransaction(c *gin.Context) {
	tx, ok, err := h.service.GetSyncedTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	if !ok {
		response.NotFound(c, "no synced transaction with that id")
		return
	}
	response.OK(c, tx)
}
