package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agriconnect/settlement/internal/escrow"
	"github.com/agriconnect/settlement/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.GET("/escrows/:id/disputes", h.ListByEscrow)
}

type openRequest struct {
	EscrowID string `json:"escrowId" binding:"required"`
	OpenedBy string `json:"openedBy" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId, openedBy, and reason are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidParty("openedBy", req.OpenedBy),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), req.EscrowID, req.OpenedBy,
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			status = http.StatusNotFound
			code = "escrow_not_found"
		case errors.Is(err, ErrAlreadyOpen):
			status = http.StatusConflict
			code = "dispute_already_open"
		case errors.Is(err, ErrEscrowTerminal):
			status = http.StatusConflict
			code = "escrow_closed"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var res Resolution
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (buyer, seller, or split)",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), res)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrNothingToDistribute):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrInvalidSplitRatio), errors.Is(err, ErrInvalidResolution):
			status = http.StatusBadRequest
			code = "invalid_resolution"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByEscrow handles GET /v1/escrows/:id/disputes
func (h *Handler) ListByEscrow(c *gin.Context) {
	disputes, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	disputes, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}
