package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-service/config"
	"marketplace-service/internal/api"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/checkout"
	"marketplace-service/internal/gateway"
	"marketplace-service/internal/pricing"
	"marketplace-service/internal/redisclient"
	"marketplace-service/internal/service"
	"marketplace-service/internal/store"
	"marketplace-service/internal/store/memstore"
	"marketplace-service/internal/util"
	"marketplace-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	if err := util.SetLogLevel(cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to set log level: %v", err)
	}

	logger := util.GetLogger()
	logger.Info("Starting marketplace service")

	tp, err := util.InitTracer(cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	coupons, err := pricing.ParseCoupons(cfg.Business.Coupons)
	if err != nil {
		logger.Fatal("Invalid coupon configuration", zap.Error(err))
	}

	ready := map[string]api.Pinger{}

	var repo service.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = memstore.New()
		logger.Warn("Using in-memory store, data is lost on restart")
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database connected")
		repo = db
		ready["database"] = db
	}

	var locker checkout.Locker
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")
		locker = redisClient
		ready["redis"] = redisClient
	}

	var gw gateway.Gateway
	if cfg.Gateway.KeyID == "" {
		logger.Warn("RAZORPAY_KEY_ID not set, using sandbox gateway")
		gw = gateway.NewSandbox("rzp_test_sandbox", "sandbox_secret")
	} else {
		gw = gateway.NewRazorpay(cfg.Gateway.KeyID, cfg.Gateway.KeySecret)
	}

	// Settlement is attached to the event path below, once it exists.
	var sink broker.Sink
	bus := broker.NewLocalBus(nil)
	sink = bus
	var producer *broker.Producer
	if cfg.Kafka.Enabled {
		producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		sink = producer
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}
	eventPublisher := broker.NewEventPublisher(sink)

	orderService := service.NewOrderService(repo, repo, gw, eventPublisher, service.OrderServiceOptions{
		Coupons:       coupons,
		Currency:      cfg.Business.Currency,
		ManualCapture: cfg.Gateway.ManualCapture,
	})
	paymentService := service.NewPaymentService(repo, gw, cfg.Business.Currency)
	walletService := service.NewWalletService(repo, eventPublisher)
	withdrawalService := service.NewWithdrawalService(repo, repo, eventPublisher, cfg.Business.BulkConcurrency)
	settlement := service.NewSettlementOrchestrator(repo, repo, walletService)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var settlementWorker *worker.SettlementWorker
	if producer != nil {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		settlementWorker = worker.NewSettlementWorker(consumer, settlement, cfg.Business.ReconcileInterval)
		go func() {
			if err := settlementWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Settlement worker error", zap.Error(err))
			}
		}()
	} else {
		handler := broker.NewEventHandler()
		settlement.Register(handler)
		bus.Attach(handler)
		go worker.NewReconciler(settlement, cfg.Business.ReconcileInterval).Run(workerCtx)
		logger.Info("Kafka disabled, settling in process",
			zap.Duration("reconcile_interval", cfg.Business.ReconcileInterval))
	}

	guard := checkout.NewGuard(cfg.Business.CheckoutAttemptTimeout, locker, cfg.Business.SessionLockGrace)
	coordinator := checkout.NewCoordinator(service.NewBackend(orderService, paymentService), guard, checkout.Options{
		Currency: cfg.Business.Currency,
		Retries:  cfg.Business.CreateOrderRetries,
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Checkout:    coordinator,
		Orders:      orderService,
		Payments:    paymentService,
		Wallets:     walletService,
		Withdrawals: withdrawalService,
		Settlement:  settlement,
		Ready:       ready,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Observ.PrometheusPort),
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Starting metrics server", zap.String("port", cfg.Observ.PrometheusPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	workerCancel()
	if settlementWorker != nil {
		if err := settlementWorker.Stop(); err != nil {
			logger.Warn("Error stopping settlement worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
