package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/checkout"
	"marketplace-service/internal/service"
	"marketplace-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the handlers call.
type Deps struct {
	Checkout    *checkout.Coordinator
	Orders      *service.OrderService
	Payments    *service.PaymentService
	Wallets     *service.WalletService
	Withdrawals *service.WithdrawalService
	Settlement  *service.SettlementOrchestrator
	Ready       map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	Deps
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		Deps:   deps,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(tracingMiddleware())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		co := v1.Group("/checkout", requireHeaders(headerSession, headerUser))
		co.POST("", h.submitCheckout)
		co.GET("/:key", h.getCheckout)
		co.POST("/:key/confirm", h.confirmCheckout)
		co.POST("/:key/cancel", h.cancelCheckout)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/status", h.advanceOrder)
		v1.POST("/orders/:id/refund", h.refundOrder)
		v1.POST("/orders/:id/reorder", h.reorder)

		v1.POST("/quote", h.quote)
		v1.GET("/payments/key", h.gatewayKey)
		v1.POST("/payments/intents", h.createIntent)
		v1.POST("/payments/verify", h.verifyPayment)
		v1.POST("/payments/capture", h.capturePayment)
		v1.POST("/payments/failed", h.paymentFailed)

		v1.GET("/sellers/:id/wallet", h.getWallet)
		v1.GET("/sellers/:id/wallet/transactions", h.walletTransactions)
		v1.POST("/sellers/:id/withdrawals", h.fileWithdrawal)

		admin := v1.Group("/admin")
		admin.GET("/wallets", h.sellerEarnings)
		admin.GET("/wallets/overview", h.walletOverview)
		admin.GET("/wallets/:id/verify", h.verifyLedger)
		admin.GET("/withdrawals", h.listWithdrawals)
		admin.GET("/withdrawals/export", h.exportWithdrawals)
		admin.POST("/withdrawals/bulk", h.bulkWithdrawals)
		admin.POST("/withdrawals/:id/approve", h.approveWithdrawal)
		admin.POST("/withdrawals/:id/reject", h.rejectWithdrawal)
		admin.POST("/withdrawals/:id/process", h.processWithdrawal)
		admin.POST("/settlement/reconcile", h.reconcile)
		admin.GET("/checkout/stats", h.checkoutStats)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK
	for name, p := range h.Ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// respondError maps err onto its HTTP status and user-facing message.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFor(c.Request.Context()).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error": apperr.Message(err),
		"kind":  apperr.Kind(err),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, limit
}

// tracingMiddleware continues the caller's trace, if any, and opens a server
// span the service spans nest under.
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := util.StartSpan(ctx, c.Request.Method+" "+route,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
