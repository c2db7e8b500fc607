package wallet

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler exposes the wallet ledger over HTTP.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes mounts user-facing wallet routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/wallet", h.open)
	r.GET("/wallet", h.get)
	r.GET("/wallet/history", h.history)
	r.POST("/wallet/withdrawals", h.requestWithdrawal)
	r.GET("/wallet/withdrawals", h.listWithdrawals)
	r.GET("/wallet/withdrawals/:id", h.getWithdrawal)
}

// RegisterAdminRoutes mounts the payout operator routes.
func (h *Handler) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/deposits", h.recordDeposit)
	r.POST("/withdrawals/:id/process", h.markProcessing)
	r.POST("/withdrawals/:id/complete", h.completeWithdrawal)
	r.POST("/withdrawals/:id/fail", h.failWithdrawal)
}

func (h *Handler) open(c *gin.Context) {
	userID := c.GetString("userID")
	w, err := h.ledger.Open(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handler) get(c *gin.Context) {
	w, err := h.ledger.Get(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) history(c *gin.Context) {
	entries, err := h.ledger.History(c.Request.Context(), c.GetString("userID"), 50)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type withdrawalRequest struct {
	Amount        string `json:"amount" binding:"required"`
	BankName      string `json:"bankName" binding:"required"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	AccountName   string `json:"accountName" binding:"required"`
}

func (h *Handler) requestWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	wd, err := h.ledger.RequestWithdrawal(c.Request.Context(), c.GetString("userID"), amount, BankDetails{
		BankName:      req.BankName,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wd)
}

func (h *Handler) listWithdrawals(c *gin.Context) {
	out, err := h.ledger.ListWithdrawals(c.Request.Context(), c.GetString("userID"), 50)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if out == nil {
		out = []*Withdrawal{}
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": out})
}

func (h *Handler) getWithdrawal(c *gin.Context) {
	wd, err := h.ledger.GetWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if wd.UserID != c.GetString("userID") {
		c.JSON(http.StatusNotFound, gin.H{"error": "withdrawal not found"})
		return
	}
	c.JSON(http.StatusOK, wd)
}

type depositRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	Note      string `json:"note"`
}

// recordDeposit credits a wallet for a payment settled outside the
// gateways, e.g. a reconciled bank transfer. The caller's reference is
// the dedup key, so replaying the same deposit is rejected.
func (h *Handler) recordDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	desc := req.Note
	if desc == "" {
		desc = "Manual deposit"
	}
	entry, err := h.ledger.Credit(c.Request.Context(), req.UserID, amount, TypeDeposit, "deposit:"+req.Reference, desc, "", "")
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) markProcessing(c *gin.Context) {
	wd, err := h.ledger.MarkProcessing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wd)
}

func (h *Handler) completeWithdrawal(c *gin.Context) {
	wd, err := h.ledger.CompleteWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wd)
}

func (h *Handler) failWithdrawal(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	wd, err := h.ledger.FailWithdrawal(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wd)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrWalletExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidWithdrawal):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrWalletInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.logger.Error("wallet handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
