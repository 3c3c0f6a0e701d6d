package device

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/qrcache"
	"github.com/festivals-labs/offline-core/internal/infrastructure/metrics"
	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"
	"github.com/festivals-labs/offline-core/internal/pkg/response"
)

// Handler is the terminal-local operator surface: a small gin API
// fronting the Engine for the POS application shell to drive, plus a
// health check and a quarantine listing for operator resolution.
type Handler struct {
	engine                    *Engine
	metrics                   *metrics.Metrics
	allowDeviceSecretFallback bool
}

// NewHandler wires the operator-facing API onto engine. allowDeviceSecretFallback
// mirrors config.DeviceConfig.AllowDeviceSecretFallback (default false): the
// server can only verify a transaction against a provisioned SigningKey, so
// leaving this false surfaces ErrNoSigningKey to the operator immediately
// instead of letting an unsendable transaction sit in the ledger.
func NewHandler(engine *Engine, allowDeviceSecretFallback bool) *Handler {
	return &Handler{engine: engine, allowDeviceSecretFallback: allowDeviceSecretFallback}
}

// SetMetrics attaches the device's collectors so health can report the
// duplicate-guard hit ratio. Optional.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.health)
	r.GET("/wallets/:id", h.walletBalance)
	r.GET("/wallets/:id/qr", h.displayQR)
	r.GET("/wallets/:id/qr.png", h.displayQRPNG)
	r.POST("/transactions", h.createPurchase)
	r.GET("/transactions/quarantined", h.quarantined)
	r.POST("/qr/scan", h.scanQR)
}

func (h *Handler) displayQR(c *gin.Context) {
	code, err := h.engine.DisplayQR(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	response.OK(c, code)
}

// displayQRPNG renders the same cached QR code as displayQR but as a
// PNG image, for a terminal screen that needs to reverse-scan rather
// than read the JSON payload directly.
func (h *Handler) displayQRPNG(c *gin.Context) {
	code, err := h.engine.DisplayQR(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	png, err := qrcache.RenderPNG(code)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.metrics != nil {
		body["duplicateGuardHitRatio"] = h.metrics.HitRatio()
	}
	response.OK(c, body)
}

// quarantined lists the transactions the server rejected for
// non-retryable reasons, for operator resolution.
func (h *Handler) quarantined(c *gin.Context) {
	response.OK(c, gin.H{"transactions": h.engine.QuarantinedTransactions()})
}

func (h *Handler) walletBalance(c *gin.Context) {
	walletID := c.Param("id")
	wallet, effective, err := h.engine.WalletBalance(c.Request.Context(), walletID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	response.OK(c, gin.H{
		"wallet":           wallet,
		"effectiveBalance": effective,
	})
}

type purchaseRequest struct {
	WalletID     string           `json:"walletId" binding:"required"`
	UserID       string           `json:"userId"`
	CustomerName string           `json:"customerName"`
	Amount       int64            `json:"amount" binding:"required"`
	Items        []model.LineItem `json:"items"`
	StandID      string           `json:"standId"`
	StandName    string           `json:"standName"`
	StaffID      string           `json:"staffId"`
}

func (h *Handler) createPurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "INVALID_REQUEST", "malformed purchase request", nil)
		return
	}

	t, err := h.engine.ProcessPurchase(c.Request.Context(), PurchaseRequest{
		WalletID:                  req.WalletID,
		UserID:                    req.UserID,
		CustomerName:              req.CustomerName,
		Amount:                    req.Amount,
		Items:                     req.Items,
		StandID:                   req.StandID,
		StandName:                 req.StandName,
		StaffID:                   req.StaffID,
		AllowDeviceSecretFallback: h.allowDeviceSecretFallback,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	response.Created(c, t)
}

type qrScanRequest struct {
	Payload       string `json:"payload" binding:"required"`
	TransactionID string `json:"transactionId"`
}

func (h *Handler) scanQR(c *gin.Context) {
	var req qrScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "INVALID_REQUEST", "malformed qr scan request", nil)
		return
	}

	result, err := h.engine.ScanQR(c.Request.Context(), []byte(req.Payload), req.TransactionID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	response.OK(c, result)
}

// writeAppError maps the domain error taxonomy to an HTTP status the
// way the reconciliation server's response package does for its own
// errors.
func writeAppError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		response.InternalError(c, err.Error())
		return
	}

	switch appErr.Kind {
	case apperrors.KindValidation:
		response.BadRequest(c, "VALIDATION_ERROR", appErr.Error(), appErr.Fields)
	case apperrors.KindAuthorization:
		response.Forbidden(c, appErr.Error())
	case apperrors.KindLedger:
		if errors.Is(appErr, apperrors.ErrDuplicateTransaction) {
			c.JSON(http.StatusConflict, response.ErrorResponse{
				Error: response.ErrorDetail{Code: "DUPLICATE_TRANSACTION", Message: appErr.Error()},
			})
			return
		}
		response.InternalError(c, appErr.Error())
	default:
		response.InternalError(c, appErr.Error())
	}
}
