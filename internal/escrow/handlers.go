package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agriconnect/settlement/internal/metrics"
	"github.com/agriconnect/settlement/internal/money"
	"github.com/agriconnect/settlement/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.OpenEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/ledger", h.GetLedger)
	r.POST("/escrows/:id/milestones/:name/confirm", h.ConfirmMilestone)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.GET("/orders/:orderId/escrow", h.GetByOrder)
}

// OpenEscrow handles POST /v1/escrows
func (h *Handler) OpenEscrow(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidParty("buyer", req.Buyer),
		validation.ValidParty("seller", req.Seller),
		validation.ValidAmount("total", req.Total),
	}
	for _, m := range req.Milestones {
		validators = append(validators, validation.ValidAmount("milestones.amount", m.Amount))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	acct, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrDuplicateOrder):
			status = http.StatusConflict
			code = "duplicate_order"
		case errors.Is(err, ErrInvalidMilestones), errors.Is(err, money.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": acct})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	acct, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// GetByOrder handles GET /v1/orders/:orderId/escrow
func (h *Handler) GetByOrder(c *gin.Context) {
	acct, err := h.service.GetByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow account for order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	accts, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": accts,
		"count":   len(accts),
	})
}

// GetLedger handles GET /v1/escrows/:id/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.service.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	entries, err := h.service.History(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

type confirmRequest struct {
	Evidence string `json:"evidence"`
}

// ConfirmMilestone handles POST /v1/escrows/:id/milestones/:name/confirm
func (h *Handler) ConfirmMilestone(c *gin.Context) {
	var req confirmRequest
	_ = c.ShouldBindJSON(&req) // evidence is optional

	acct, err := h.service.ConfirmMilestone(c.Request.Context(), c.Param("id"), c.Param("name"),
		validation.SanitizeString(req.Evidence, validation.MaxStringLength))
	if err != nil {
		h.writeMutationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

type amountRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	acct, err := h.service.Release(c.Request.Context(), c.Param("id"), amount, req.Reference)
	if err != nil {
		h.writeMutationError(c, err)
		return
	}

	metrics.ReleasesTotal.WithLabelValues("manual").Inc()
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	acct, err := h.service.Refund(c.Request.Context(), c.Param("id"), amount, req.Reference)
	if err != nil {
		h.writeMutationError(c, err)
		return
	}

	metrics.RefundsTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

func (h *Handler) writeMutationError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnknownMilestone):
		status = http.StatusNotFound
		code = "unknown_milestone"
	case errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrEscrowFrozen):
		status = http.StatusConflict
		code = "escrow_frozen"
	case errors.Is(err, ErrInsufficientHeldFunds):
		status = http.StatusUnprocessableEntity
		code = "insufficient_held_funds"
	case errors.Is(err, money.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
