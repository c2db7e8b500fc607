package transaction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/fairhold/fairhold/internal/wallet"
)

// Handler provides HTTP endpoints for transaction operations. The acting
// user's identity is injected by the auth middleware under "userID" and
// "userRole".
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/code/:code", h.GetByCode)
	r.GET("/transactions/:id/logs", h.GetLogs)
	r.GET("/users/:userId/transactions", h.ListByUser)

	r.POST("/transactions/:id/fund", h.FundTransaction)
	r.PATCH("/transactions/:id/delivery", h.UpdateDelivery)
	r.POST("/transactions/:id/confirm", h.ConfirmDelivery)
	r.POST("/transactions/:id/release", h.ReleaseEscrow)
	r.POST("/transactions/:id/cancel", h.CancelTransaction)
	r.POST("/transactions/:id/refund-request", h.RequestRefund)
	r.POST("/transactions/:id/dispute", h.OpenDispute)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/dispute/resolve", h.ResolveDispute)
	r.POST("/transactions/:id/refund-request/approve", h.ApproveRefund)
	r.POST("/transactions/:id/refund-request/deny", h.DenyRefund)
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	// The authenticated user must be the buyer.
	if c.GetString("userID") != req.BuyerID {
		forbidden(c, "Authenticated user must be the buyer")
		return
	}

	txn, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// canRead reports whether the caller may read this transaction: the
// parties themselves, or an operator. Non-parties get a 404 rather
// than a 403 so IDs do not leak existence.
func canRead(c *gin.Context, txn *Transaction) bool {
	uid := c.GetString("userID")
	return uid == txn.BuyerID || uid == txn.SellerID || c.GetString("userRole") == "admin"
}

func respondNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !canRead(c, txn) {
		respondNotFound(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// GetByCode handles GET /v1/transactions/code/:code
func (h *Handler) GetByCode(c *gin.Context) {
	txn, err := h.service.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !canRead(c, txn) {
		respondNotFound(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// GetLogs handles GET /v1/transactions/:id/logs
func (h *Handler) GetLogs(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !canRead(c, txn) {
		respondNotFound(c)
		return
	}
	logs, err := h.service.Logs(c.Request.Context(), txn.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// ListByUser handles GET /v1/users/:userId/transactions
func (h *Handler) ListByUser(c *gin.Context) {
	if c.Param("userId") != c.GetString("userID") && c.GetString("userRole") != "admin" {
		forbidden(c, "Cannot list another user's transactions")
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	txns, next, more, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
		"nextCursor":   next,
		"hasMore":      more,
	})
}

type fundRequest struct {
	Gateway string `json:"gateway" binding:"required"`
	Email   string `json:"email"`
}

// FundTransaction handles POST /v1/transactions/:id/fund
func (h *Handler) FundTransaction(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	intent, err := h.service.Fund(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.Gateway, req.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": intent})
}

// UpdateDelivery handles PATCH /v1/transactions/:id/delivery
func (h *Handler) UpdateDelivery(c *gin.Context) {
	var upd DeliveryUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	txn, err := h.service.UpdateDelivery(c.Request.Context(), c.Param("id"), c.GetString("userID"), upd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ConfirmDelivery handles POST /v1/transactions/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	txn, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ReleaseEscrow handles POST /v1/transactions/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	txn, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CancelTransaction handles POST /v1/transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	txn, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// RequestRefund handles POST /v1/transactions/:id/refund-request
func (h *Handler) RequestRefund(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		badRequest(c, "A reason is required")
		return
	}
	txn, err := h.service.RequestRefund(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		badRequest(c, "A reason is required")
		return
	}
	txn, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

type resolveRequest struct {
	Resolution   string `json:"resolution" binding:"required"`
	RefundAmount string `json:"refundAmount"`
}

// ResolveDispute handles POST /v1/transactions/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	refund := decimal.Zero
	if req.RefundAmount != "" {
		var err error
		if refund, err = decimal.NewFromString(req.RefundAmount); err != nil {
			badRequest(c, "Invalid refund amount")
			return
		}
	}
	txn, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.Resolution, refund)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ApproveRefund handles POST /v1/transactions/:id/refund-request/approve
func (h *Handler) ApproveRefund(c *gin.Context) {
	txn, err := h.service.ApproveRefund(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// DenyRefund handles POST /v1/transactions/:id/refund-request/deny
func (h *Handler) DenyRefund(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	txn, err := h.service.DenyRefund(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// respondError maps service errors to HTTP responses. Validation and
// funds errors get specific reasons; everything else is generic.
func respondError(c *gin.Context, err error) {
	var te *TransitionError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.Is(err, ErrUnauthorized):
		forbidden(c, "Not authorized for this operation")
	case errors.As(err, &te):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal_transition", "message": te.Error()})
	case errors.Is(err, ErrSelfDealing),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAlreadyPaid),
		errors.Is(err, ErrNotPaid),
		errors.Is(err, ErrInvalidDelivery),
		errors.Is(err, ErrUnknownGateway),
		errors.Is(err, ErrInvalidCursor),
		errors.Is(err, ErrNotDisputed),
		errors.Is(err, ErrInvalidResolution),
		errors.Is(err, ErrInvalidSplit):
		badRequest(c, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Wallet balance is insufficient"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Transaction was modified concurrently, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": msg})
}

func forbidden(c *gin.Context, msg string) {
	c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": msg})
}
