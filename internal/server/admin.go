package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerAdminRoutes() {
	group := s.engine.Group("/v1/billing/webhook-events")
	group.Use(s.AuthRequired())
	group.POST("/:provider/:event_id/replay", s.replayWebhookEvent)

	trail := s.engine.Group("/v1/billing/audit-logs")
	trail.Use(s.AuthRequired())
	trail.GET("/:target_type/:target_id", s.listAuditTrail)
}

// replayWebhookEvent reprocesses a stored event that failed, after the
// operator fixed the underlying cause (a missing price mapping, usually).
func (s *Server) replayWebhookEvent(c *gin.Context) {
	provider := c.Param("provider")
	eventID := c.Param("event_id")

	result, err := s.reconcilerSvc.Replay(c.Request.Context(), provider, eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditSvc.Record(c.Request.Context(), currentUserID(c), "billing.webhook_replay", "subscription_event", eventID, map[string]any{
		"provider":   provider,
		"event_type": result.EventType,
	})

	resp := gin.H{"replayed": !result.Duplicate, "event_type": result.EventType}
	if result.Duplicate {
		resp["already_processed"] = true
	}
	c.JSON(http.StatusOK, resp)
}

// listAuditTrail returns the newest audit entries for one target, newest
// first.
func (s *Server) listAuditTrail(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	entries, err := s.auditSvc.Trail(c.Request.Context(), c.Param("target_type"), c.Param("target_id"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
