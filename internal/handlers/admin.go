package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/perkstack/loyalty-core/internal/rate"
	"github.com/perkstack/loyalty-core/internal/security"
	"github.com/perkstack/loyalty-core/libs/auth"
)

type AdminHandler struct {
	Security *security.Logger
	Limiter  *rate.Limiter
}

func NewAdminHandler(sec *security.Logger, limiter *rate.Limiter) *AdminHandler {
	return &AdminHandler{Security: sec, Limiter: limiter}
}

func (h *AdminHandler) RegisterRoutes(r *gin.Engine, jwtSecret []byte) {
	admin := r.Group("/v1/admin", auth.Middleware(jwtSecret), auth.RequireRole("admin"))
	admin.GET("/security/events", h.SecurityEvents)
	admin.GET("/rate-limits", h.RateLimitStatus)
}

func (h *AdminHandler) SecurityEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	minSeverity := security.Severity(c.DefaultQuery("severity", string(security.SeverityLow)))
	c.JSON(http.StatusOK, gin.H{"events": h.Security.Recent(limit, minSeverity)})
}

func (h *AdminHandler) RateLimitStatus(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "key is required")
		return
	}

	rec, ok := h.Limiter.Snapshot(key)
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no record for key")
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}
