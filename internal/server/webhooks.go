package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

func (s *Server) registerWebhookRoutes() {
	// no auth middleware here: deliveries authenticate by signature
	s.engine.POST("/v1/billing/webhooks/:provider", s.handleWebhook)
}

func (s *Server) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, newValidationError("body", "unreadable", "webhook body unreadable or too large"))
		return
	}

	result, err := s.reconcilerSvc.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"received": true}
	if result.Duplicate {
		resp["duplicate"] = true
	}
	c.JSON(http.StatusOK, resp)
}
