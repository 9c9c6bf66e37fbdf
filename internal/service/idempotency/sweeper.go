package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 100
)

var (
	checkoutSweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_checkout_sweeper_runs_total",
		Help: "Total number of stale pending checkout sweeps grouped by result.",
	}, []string{"result"})
	checkoutSweepRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_checkout_sweeper_recovered_total",
		Help: "Total number of stale pending checkout records handed to recovery grouped by result.",
	}, []string{"result"})
	checkoutSweepLastFound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_checkout_sweeper_last_found",
		Help: "Number of stale pending checkout records found during the last sweep.",
	})
)

// Recoverer доводит зависшую pending-запись до терминального статуса (оркестратор checkout).
type Recoverer interface {
	RecoverStalePending(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) error
}

// SweepOptions задает параметры воркера восстановления зависших записей.
type SweepOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
}

// SweepOption настраивает SweepWorker.
type SweepOption func(*SweepOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) SweepOption {
	return func(opts *SweepOptions) {
		opts.Logger = logger
	}
}

// WithInterval задает интервал между проходами.
func WithInterval(interval time.Duration) SweepOption {
	return func(opts *SweepOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задает максимальное число записей за один проход.
func WithBatchSize(batchSize int) SweepOption {
	return func(opts *SweepOptions) {
		opts.BatchSize = batchSize
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) SweepOption {
	return func(opts *SweepOptions) {
		opts.Clock = clock
	}
}

// SweepWorker периодически находит pending-записи checkout с истекшей арендой
// и передает их в восстановление, не дожидаясь повтора от клиента.
type SweepWorker struct {
	repo      domain.BillingRepository
	recoverer Recoverer
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	clock     func() time.Time
}

// NewSweepWorker создает воркер восстановления.
func NewSweepWorker(repo domain.BillingRepository, recoverer Recoverer, options ...SweepOption) *SweepWorker {
	opts := SweepOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &SweepWorker{
		repo:      repo,
		recoverer: recoverer,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		clock:     opts.Clock,
	}
}

// Run запускает периодические проходы до отмены ctx.
func (w *SweepWorker) Run(ctx context.Context) {
	if w.repo == nil || w.recoverer == nil {
		w.logger.Warn("checkout sweeper is disabled: repo or recoverer is nil")
		return
	}

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SweepWorker) sweep(ctx context.Context) {
	found, err := w.SweepOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		checkoutSweepRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("checkout sweep run failed")
		return
	}

	checkoutSweepRunsTotal.WithLabelValues("ok").Inc()
	checkoutSweepLastFound.Set(float64(found))
	if found > 0 {
		w.logger.WithField("found", found).Info("checkout sweep completed")
	}
}

// SweepOnce выполняет один проход и возвращает число найденных зависших записей.
// Ошибка восстановления отдельной записи не прерывает проход.
func (w *SweepWorker) SweepOnce(ctx context.Context) (int, error) {
	now := w.clock()

	var stale []domain.IdempotencyRecord
	err := w.repo.WithinTx(ctx, func(ctx context.Context, tx domain.BillingTx) error {
		var err error
		stale, err = tx.ListStalePendingIdempotency(ctx, domain.IdempotencyActionCheckout, now, w.batchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list stale pending records: %w", err)
	}

	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return len(stale), err
		}
		if err := w.recoverer.RecoverStalePending(ctx, rec, now); err != nil {
			checkoutSweepRecoveredTotal.WithLabelValues("error").Inc()
			w.logger.WithError(err).WithFields(log.Fields{
				"idempotency_row_id": rec.ID,
				"operation_key":      rec.OperationKey,
			}).Warn("stale pending checkout recovery failed")
			continue
		}
		checkoutSweepRecoveredTotal.WithLabelValues("ok").Inc()
	}
	return len(stale), nil
}
