package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agriconnect/settlement/internal/escrow"
	"github.com/agriconnect/settlement/internal/fx"
)

// signatureHeaders maps gateway names to the header carrying the webhook
// signature. Gateways not listed use X-Webhook-Signature.
var signatureHeaders = map[string]string{
	"paystack":    "X-Paystack-Signature",
	"flutterwave": "verif-hash",
	"stripe":      "Stripe-Signature",
}

// Handler provides HTTP endpoints for webhook ingestion and transaction reads.
type Handler struct {
	adapter *Adapter
}

// NewHandler creates a new gateway handler.
func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// RegisterRoutes sets up gateway routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:gateway", h.ReceiveWebhook)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:gateway/:reference", h.GetTransaction)
}

// ReceiveWebhook handles POST /v1/webhooks/:gateway
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	gatewayName := c.Param("gateway")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	header, ok := signatureHeaders[gatewayName]
	if !ok {
		header = "X-Webhook-Signature"
	}
	signature := c.GetHeader(header)

	tx, err := h.adapter.Ingest(c.Request.Context(), gatewayName, signature, body)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrUnknownGateway):
			status = http.StatusNotFound
			code = "unknown_gateway"
		case errors.Is(err, ErrInvalidSignature):
			status = http.StatusUnauthorized
			code = "invalid_signature"
		case errors.Is(err, ErrInvalidPayload):
			status = http.StatusBadRequest
			code = "invalid_payload"
		case errors.Is(err, fx.ErrRateUnavailable):
			// Receipt is stored; ask the gateway to redeliver.
			status = http.StatusServiceUnavailable
			code = "rate_unavailable"
		case errors.Is(err, escrow.ErrNotFound):
			status = http.StatusUnprocessableEntity
			code = "no_escrow_for_order"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:gateway/:reference
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.adapter.GetByReference(c.Request.Context(), c.Param("gateway"), c.Param("reference"))
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txs, err := h.adapter.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}
