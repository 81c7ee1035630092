package api

import (
	"net/http"
	"strings"

	"marketplace-service/internal/models"
	"marketplace-service/internal/orderapi"

	"github.com/gin-gonic/gin"
)

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// createOrder handles idempotent order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req orderapi.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	resp, err := h.Orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.IsDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// listOrders lists orders by user, seller or status
func (h *Handler) listOrders(c *gin.Context) {
	page, limit := pageParams(c)
	filter := models.OrderFilter{
		UserID:        c.Query("user_id"),
		SellerID:      c.Query("seller_id"),
		Status:        c.Query("status"),
		PaymentStatus: c.Query("payment_status"),
		Page:          page,
		Limit:         limit,
	}
	orders, err := h.Orders.GetOrders(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.Orders.GetOrderByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, err := h.Orders.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) advanceOrder(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, err := h.Orders.AdvanceStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) refundOrder(c *gin.Context) {
	order, err := h.Orders.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// reorder returns the cart lines of a finished order
func (h *Handler) reorder(c *gin.Context) {
	lines, err := h.Orders.Reorder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func (h *Handler) quote(c *gin.Context) {
	var req orderapi.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	q, err := h.Orders.Quote(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}
