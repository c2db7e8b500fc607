package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fairhold/fairhold/internal/idgen"
)

// Handler exposes subscription management for the authenticated user.
type Handler struct {
	store    Store
	urlCheck func(string) error
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// WithURLCheck attaches an extra destination check, typically the SSRF
// guard, applied after basic URL validation.
func (h *Handler) WithURLCheck(check func(string) error) *Handler {
	h.urlCheck = check
	return h
}

// RegisterRoutes mounts the subscription routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhook-subscriptions", h.create)
	r.GET("/webhook-subscriptions", h.list)
	r.DELETE("/webhook-subscriptions/:id", h.delete)
}

type createRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

func (h *Handler) create(c *gin.Context) {
	userID := c.GetString("userID")

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "Invalid request body",
		})
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_url", "message": "URL must be an absolute http(s) URL",
		})
		return
	}
	if h.urlCheck != nil {
		if err := h.urlCheck(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid_url", "message": err.Error(),
			})
			return
		}
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		t := EventType(e)
		if !IsKnownEvent(t) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "unknown_event", "message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, t)
	}

	secret := newSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "create_failed", "message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret,
		"usage": gin.H{
			"header":    "X-Fairhold-Signature",
			"signature": "hex(HMAC-SHA256(body, secret))",
			"warning":   "The secret is shown only once. Store it now.",
		},
	})
}

func (h *Handler) list(c *gin.Context) {
	subs, err := h.store.GetByUser(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "list_failed", "message": "Failed to list subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handler) delete(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not_found", "message": "Subscription not found",
		})
		return
	}
	if sub.UserID != c.GetString("userID") {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "forbidden", "message": "Subscription belongs to another user",
		})
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "delete_failed", "message": "Failed to delete subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func newSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
