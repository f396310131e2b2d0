package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	billingdomain "github.com/compstack/billing/internal/billing/domain"
	"github.com/compstack/billing/internal/checkout"
)

func (s *Server) registerBillingRoutes() {
	group := s.engine.Group("/v1/billing")
	group.Use(s.AuthRequired())
	group.POST("/checkout", s.createCheckout)
}

type checkoutRequest struct {
	TierID         string `json:"tier_id"`
	Interval       string `json:"billing_interval"`
	Country        string `json:"country"`
	Currency       string `json:"currency"`
	RiskLevel      string `json:"risk_level"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) createCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_json", "request body must be valid json"))
		return
	}

	resp, err := s.checkoutSvc.CreateSession(c.Request.Context(), checkout.Request{
		UserID:         currentUserID(c),
		Email:          currentUserEmail(c),
		TierID:         req.TierID,
		Interval:       billingdomain.BillingInterval(req.Interval),
		Country:        req.Country,
		Currency:       req.Currency,
		RiskLevel:      req.RiskLevel,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
