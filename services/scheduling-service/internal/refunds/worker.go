package refunds

import (
	"context"
	"log/slog"
	"time"

	"github.com/careloop-health/careslot/libs/db"
	otelx "github.com/careloop-health/careslot/libs/otel"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/payments"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

// Worker drains refund_tasks against the payment gateway. Tasks are claimed
// with FOR UPDATE SKIP LOCKED so replicas never double-refund; a task that
// exhausts its attempts flags the booking for manual intervention.
type Worker struct {
	pool      *db.Pool
	repo      *Repository
	bookings  *storage.BookingRepository
	gateway   payments.Gateway
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	Backoff   time.Duration
}

func NewWorker(pool *db.Pool, repo *Repository, bookings *storage.BookingRepository, gateway payments.Gateway, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Minute
	}
	return &Worker{
		pool:      pool,
		repo:      repo,
		bookings:  bookings,
		gateway:   gateway,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		backoff:   cfg.Backoff,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("refund batch failed", "err", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tasks, err := w.repo.FetchDue(ctx, tx, w.batchSize)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return tx.Commit(ctx)
	}

	for _, task := range tasks {
		taskCtx := otelx.ContextWithTraceContext(ctx, task.Traceparent, task.Tracestate)
		if err := w.processTask(taskCtx, tx, task); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (w *Worker) processTask(ctx context.Context, q storage.Querier, task Task) error {
	result, refundErr := w.execute(ctx, q, task)
	if refundErr == nil {
		if err := w.bookings.ClearRefundFailure(ctx, q, task.BookingID); err != nil {
			return err
		}
		w.logger.Info("refund completed", "booking", task.BookingCode, "refund_id", result.RefundID, "amount_cents", result.AmountCents)
		return w.repo.MarkDone(ctx, q, task.ID, result.RefundID)
	}

	attempts := task.Attempts + 1
	nextRunAt := time.Now().UTC().Add(w.backoff * time.Duration(attempts))
	w.logger.Warn("refund attempt failed", "booking", task.BookingCode, "attempt", attempts, "err", refundErr)
	if err := w.repo.MarkFailed(ctx, q, task.ID, attempts, task.MaxAttempts, nextRunAt, refundErr.Error()); err != nil {
		return err
	}
	if attempts >= task.MaxAttempts {
		// Out of retries. Leave the failure on the booking so operators
		// can settle it by hand.
		return w.bookings.SetRefundFailure(ctx, q, task.BookingID, "refund retries exhausted: "+refundErr.Error())
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, q storage.Querier, task Task) (payments.Result, error) {
	b, err := w.bookings.GetByCode(ctx, q, task.BookingCode)
	if err != nil {
		return payments.Result{}, err
	}
	ref, _ := b.Metadata["payment_intent"].(string)
	if ref == "" {
		return payments.Result{}, payments.ErrNoPaymentReference
	}
	if task.AmountCents >= b.AmountCents && b.Status == model.StatusCancelled {
		return w.gateway.Refund(ctx, b.Code, ref)
	}
	return w.gateway.PartialRefund(ctx, b.Code, ref, task.AmountCents, task.Reason)
}
