package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agriconnect/settlement/internal/escrow"
)

// Handler provides HTTP endpoints for settlement operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/milestones/:name/settle", h.Settle)
	r.POST("/reconcile", h.RunReconcile)
}

type settleRequest struct {
	Evidence string `json:"evidence"`
}

// Settle handles POST /v1/escrows/:id/milestones/:name/settle
func (h *Handler) Settle(c *gin.Context) {
	var req settleRequest
	_ = c.ShouldBindJSON(&req) // evidence is optional

	acct, err := h.engine.Settle(c.Request.Context(), c.Param("id"), c.Param("name"), req.Evidence)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, escrow.ErrUnknownMilestone):
			status = http.StatusNotFound
			code = "unknown_milestone"
		case errors.Is(err, escrow.ErrEscrowFrozen):
			status = http.StatusConflict
			code = "escrow_frozen"
		case errors.Is(err, escrow.ErrAlreadyClosed), errors.Is(err, escrow.ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, escrow.ErrInsufficientHeldFunds):
			status = http.StatusUnprocessableEntity
			code = "insufficient_held_funds"
		case errors.Is(err, ErrSettlementFailed):
			// Confirmation is durable; the payout retries in the background.
			status = http.StatusAccepted
			code = "settlement_queued"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// RunReconcile handles POST /v1/reconcile
func (h *Handler) RunReconcile(c *gin.Context) {
	report, err := h.engine.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
