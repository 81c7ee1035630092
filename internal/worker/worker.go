package worker

import (
	"context"
	"time"

	"marketplace-service/internal/broker"
	"marketplace-service/internal/service"
	"marketplace-service/internal/util"

	"go.uber.org/zap"
)

// Source delivers order events to a handler until its context ends.
type Source interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// SettlementWorker credits seller wallets from ORDER_PAID events and
// periodically sweeps paid orders whose event never arrived.
type SettlementWorker struct {
	source            Source
	eventHandler      *broker.EventHandler
	reconciler        *Reconciler
	reconcileInterval time.Duration
	logger            *zap.Logger
}

// NewSettlementWorker creates a new settlement worker. A zero interval
// disables the reconcile sweep.
func NewSettlementWorker(
	source Source,
	settlement *service.SettlementOrchestrator,
	reconcileInterval time.Duration,
) *SettlementWorker {
	eventHandler := broker.NewEventHandler()
	settlement.Register(eventHandler)

	return &SettlementWorker{
		source:            source,
		eventHandler:      eventHandler,
		reconciler:        NewReconciler(settlement, reconcileInterval),
		reconcileInterval: reconcileInterval,
		logger:            util.GetLogger(),
	}
}

// Start blocks consuming events until ctx ends.
func (w *SettlementWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting settlement worker",
		zap.Duration("reconcile_interval", w.reconcileInterval))

	if w.reconcileInterval > 0 {
		go w.reconciler.Run(ctx)
	}
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SettlementWorker) Stop() error {
	w.logger.Info("Stopping settlement worker")
	return w.source.Close()
}

// Reconciler sweeps paid orders that were never credited. It backs up
// whichever delivery path carries ORDER_PAID, Kafka or the in-process bus.
type Reconciler struct {
	settlement *service.SettlementOrchestrator
	interval   time.Duration
	logger     *zap.Logger
}

func NewReconciler(settlement *service.SettlementOrchestrator, interval time.Duration) *Reconciler {
	return &Reconciler{
		settlement: settlement,
		interval:   interval,
		logger:     util.GetLogger(),
	}
}

// Run sweeps every interval until ctx ends. A non-positive interval returns
// immediately.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			credited, err := r.settlement.Reconcile(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("Reconcile sweep failed", zap.Error(err))
				}
				continue
			}
			if credited > 0 {
				r.logger.Warn("Reconcile credited orders missed by event delivery",
					zap.Int("credited", credited))
			}
		}
	}
}
