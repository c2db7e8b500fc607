package payment

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes payment endpoints. Webhook routes read the raw body
// because signature verification covers the exact bytes the gateway
// sent.
type Handler struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

func NewHandler(reconciler *Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reconciler: reconciler, logger: logger}
}

// RegisterWebhookRoutes mounts the gateway-facing routes. These carry
// no user auth; the signature is the authentication.
func (h *Handler) RegisterWebhookRoutes(r gin.IRouter) {
	r.POST("/webhooks/:gateway", h.webhook)
}

// RegisterRoutes mounts the user-facing payment routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/payments/:id", h.get)
	r.GET("/payments/verify/:gateway/:reference", h.verifyCallback)
	r.GET("/transactions/:id/payments", h.listByTransaction)
}

// webhook applies a gateway notification. After the signature checks
// out we always return 200: a processing failure on our side must not
// make the gateway retry into the same failure forever, and reconcile
// is idempotent for whatever does get retried.
func (h *Handler) webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	err = h.reconciler.HandleWebhook(c.Request.Context(), c.Param("gateway"), body, c.Request.Header)
	switch {
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
	case errors.Is(err, ErrUnknownGateway):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gateway"})
	case err != nil:
		h.logger.Error("webhook processing failed",
			"gateway", c.Param("gateway"), "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (h *Handler) verifyCallback(c *gin.Context) {
	p, err := h.reconciler.VerifyCallback(c.Request.Context(), c.Param("gateway"), c.Param("reference"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) get(c *gin.Context) {
	p, err := h.reconciler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if p.UserID != c.GetString("userID") && c.GetString("userRole") != "admin" {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// listByTransaction returns the caller's own charge attempts against
// the transaction. Payments carry the paying user, so non-parties see
// an empty list; operators see everything.
func (h *Handler) listByTransaction(c *gin.Context) {
	payments, err := h.reconciler.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if c.GetString("userRole") != "admin" {
		uid := c.GetString("userID")
		own := make([]*Payment, 0, len(payments))
		for _, p := range payments {
			if p.UserID == uid {
				own = append(own, p)
			}
		}
		payments = own
	}
	if payments == nil {
		payments = []*Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrUnknownGateway):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAmountMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("payment handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
