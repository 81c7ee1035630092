package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/cart"
	"marketplace-service/internal/checkout"
	"marketplace-service/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	headerSession = "X-Session-ID"
	headerUser    = "X-User-ID"

	maxWait = 30 * time.Second
)

// requireHeaders rejects requests missing any of the identity headers.
func requireHeaders(names ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range names {
			if strings.TrimSpace(c.GetHeader(name)) == "" {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Missing " + name + " header",
				})
				return
			}
		}
		c.Next()
	}
}

type submitCheckoutRequest struct {
	Lines           []cart.Line            `json:"lines"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	PaymentMethod   string                 `json:"payment_method"`
	CouponCode      string                 `json:"coupon_code"`
	Email           string                 `json:"email"`
}

// respondAttempt writes the attempt view with the status of its error.
func (h *Handler) respondAttempt(c *gin.Context, a *checkout.Attempt, err error, okStatus int) {
	if a == nil {
		h.respondError(c, err)
		return
	}
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{
			"attempt": a,
			"error":   apperr.Message(err),
			"kind":    apperr.Kind(err),
		})
		return
	}
	c.JSON(okStatus, gin.H{"attempt": a})
}

// submitCheckout handles the storefront "place order" action
func (h *Handler) submitCheckout(c *gin.Context) {
	var req submitCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	a, err := h.Checkout.Submit(c.Request.Context(), checkout.SubmitInput{
		SessionID:       c.GetHeader(headerSession),
		UserID:          c.GetHeader(headerUser),
		Email:           req.Email,
		Lines:           req.Lines,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		CouponCode:      req.CouponCode,
	})
	status := http.StatusCreated
	if a != nil && a.State == checkout.StateAwaitingCollection {
		status = http.StatusAccepted
	}
	h.respondAttempt(c, a, err, status)
}

// getCheckout returns an attempt; ?wait=10s blocks until it finishes.
func (h *Handler) getCheckout(c *gin.Context) {
	session, key := c.GetHeader(headerSession), c.Param("key")

	a, err := h.Checkout.Attempt(session, key)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if raw := c.Query("wait"); raw != "" && !a.State.Terminal() {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wait duration"})
			return
		}
		if wait > maxWait {
			wait = maxWait
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()
		a, _ = h.Checkout.Await(ctx, key)
	}
	c.JSON(http.StatusOK, gin.H{"attempt": a})
}

// confirmCheckout receives the collection UI's payment confirmation
func (h *Handler) confirmCheckout(c *gin.Context) {
	var conf models.PaymentConfirmation
	if err := c.ShouldBindJSON(&conf); err != nil {
		badRequest(c, err)
		return
	}
	a, err := h.Checkout.Confirm(c.Request.Context(), c.GetHeader(headerSession), c.Param("key"), conf)
	h.respondAttempt(c, a, err, http.StatusOK)
}

// cancelCheckout handles the user dismissing the collection UI
func (h *Handler) cancelCheckout(c *gin.Context) {
	a, err := h.Checkout.Cancel(c.Request.Context(), c.GetHeader(headerSession), c.Param("key"))
	if a != nil && errors.Is(err, apperr.ErrPaymentCancelled) {
		c.JSON(http.StatusOK, gin.H{"attempt": a})
		return
	}
	h.respondAttempt(c, a, err, http.StatusOK)
}

// checkoutStats reports attempts by state
func (h *Handler) checkoutStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"attempts": h.Checkout.Counts()})
}
