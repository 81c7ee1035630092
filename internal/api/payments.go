package api

import (
	"net/http"

	"marketplace-service/internal/orderapi"

	"github.com/gin-gonic/gin"
)

type paymentFailedRequest struct {
	OrderIDs []string `json:"order_ids" binding:"required,min=1"`
	Reason   string   `json:"reason"`
}

func (h *Handler) gatewayKey(c *gin.Context) {
	key, err := h.Payments.GetGatewayKey(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (h *Handler) createIntent(c *gin.Context) {
	var req orderapi.IntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	intent, err := h.Payments.CreateGatewayIntent(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

func (h *Handler) verifyPayment(c *gin.Context) {
	var req orderapi.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ok, err := h.Payments.VerifyPayment(c.Request.Context(), req.IntentID, req.PaymentID, req.Signature)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": ok})
}

func (h *Handler) capturePayment(c *gin.Context) {
	var req orderapi.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.Orders.CaptureAndMarkPaid(c.Request.Context(), req.OrderIDs, req.Confirmation); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paid", "order_ids": req.OrderIDs})
}

func (h *Handler) paymentFailed(c *gin.Context) {
	var req paymentFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.Orders.MarkPaymentFailed(c.Request.Context(), req.OrderIDs, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "failed", "order_ids": req.OrderIDs})
}
