package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_attempts_total",
		Help: "Total number of checkout attempts that passed the submission guard",
	})

	CheckoutOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_outcomes_total",
		Help: "Terminal checkout outcomes",
	}, []string{"outcome"})

	CheckoutRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_rejected_total",
		Help: "Checkout submissions rejected before any order was created",
	}, []string{"reason"})

	CheckoutAttemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_attempt_duration_seconds",
		Help:    "Time from guard acquisition to terminal outcome",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of per-seller orders created",
	})

	OrdersDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_duplicate_submissions_total",
		Help: "Order submissions answered from an existing idempotency key",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders marked paid",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrderTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_rejected_total",
		Help: "Order lifecycle transitions rejected by the state machine",
	}, []string{"reason"})

	GatewayIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_intents_total",
		Help: "Gateway payment intents by result",
	}, []string{"result"})

	PaymentVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Payment signature verifications by result",
	}, []string{"result"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	WalletEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_entries_total",
		Help: "Wallet ledger entries appended, by type",
	}, []string{"type"})

	WalletCreditsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_credits_skipped_total",
		Help: "Credits skipped because the order was already credited",
	})

	WithdrawalTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawal_transitions_total",
		Help: "Withdrawal request transitions by target status and result",
	}, []string{"status", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
