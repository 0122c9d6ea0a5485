package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/campus-enroll-api/pkg/errors"
)

// TxFunc runs inside a transaction. It must only use q for database access so
// every statement shares the same commit.
type TxFunc = func(q sqlx.ExtContext) error

// TxBeginner is satisfied by *sqlx.DB.
type TxBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// TxOptions tunes retry behaviour of the runner.
type TxOptions struct {
	MaxRetries int
	Backoff    time.Duration
	Logger     *zap.Logger
	OnRetry    func(op string)
}

// TxRunner executes units of work atomically and replays them on transient
// lock failures.
type TxRunner struct {
	db         TxBeginner
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
	onRetry    func(op string)
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewTxRunner constructs a TxRunner.
func NewTxRunner(db TxBeginner, opts TxOptions) *TxRunner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	return &TxRunner{
		db:         db,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     opts.Logger,
		onRetry:    opts.OnRetry,
		sleep:      sleepContext,
	}
}

// WithinTx runs fn in a READ COMMITTED transaction. Serialization failures,
// deadlocks and lock timeouts roll back and replay fn up to the configured
// retry count; after that the caller receives ErrTransient. Any other error
// rolls back and is returned unchanged.
func (r *TxRunner) WithinTx(ctx context.Context, op string, fn TxFunc) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff * time.Duration(1<<uint(attempt-1))
			r.logger.Warn("retrying transaction",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			if r.onRetry != nil {
				r.onRetry(op)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = r.runOnce(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	r.logger.Error("transaction retries exhausted", zap.String("op", op), zap.Error(lastErr))
	return appErrors.Transient(lastErr)
}

func (r *TxRunner) runOnce(ctx context.Context, fn TxFunc) (err error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
