package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes the audit trail to operators.
type Handler struct {
	recorder *Recorder
}

func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterAdminRoutes mounts the operator-only audit routes.
func (h *Handler) RegisterAdminRoutes(r gin.IRouter) {
	r.GET("/audit", h.list)
	r.GET("/audit/security", h.listSecurity)
}

func (h *Handler) list(c *gin.Context) {
	h.respond(c, h.filterFromQuery(c))
}

func (h *Handler) listSecurity(c *gin.Context) {
	f := h.filterFromQuery(c)
	f.Kind = KindSecurity
	h.respond(c, f)
}

func (h *Handler) filterFromQuery(c *gin.Context) Filter {
	f := Filter{
		UserID:   c.Query("userId"),
		Entity:   c.Query("entity"),
		EntityID: c.Query("entityId"),
		Action:   c.Query("action"),
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 {
		f.Limit = limit
	}
	if hours, err := strconv.Atoi(c.Query("sinceHours")); err == nil && hours > 0 {
		f.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	return f
}

func (h *Handler) respond(c *gin.Context, f Filter) {
	events, err := h.recorder.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
