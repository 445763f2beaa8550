package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payment-core/internal/metrics"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSameAccount       = errors.New("source and destination accounts are the same")
	ErrUnknownToken      = errors.New("unknown routing token")
	ErrAmountMismatch    = errors.New("event does not match the pending transaction")
	ErrInvalidEvent      = errors.New("invalid bank event")
	ErrRetryExhausted    = errors.New("storage conflict retries exhausted")
)

// Config tunes settlement behavior. Zero values fall back to defaults.
type Config struct {
	// SettlementWindow is the minimum age a merchant balance must reach
	// before it becomes eligible for sweeping.
	SettlementWindow time.Duration
	// SettlementFeeBps is the platform fee in basis points deducted from
	// the swept amount before it is wired out.
	SettlementFeeBps int64
	// SettlementMaxParallel bounds concurrent per-merchant sweeps in one
	// pass.
	SettlementMaxParallel int
}

const (
	defaultSettlementWindow      = 48 * time.Hour
	defaultSettlementMaxParallel = 4

	maxTxAttempts  = 3
	retryBackoff   = 25 * time.Millisecond
	retryJitterCap = 25 * time.Millisecond
)

type Store struct {
	db      *pgxpool.Pool
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(db *pgxpool.Pool, cfg Config, m *metrics.Metrics) *Store {
	if cfg.SettlementWindow <= 0 {
		cfg.SettlementWindow = defaultSettlementWindow
	}
	if cfg.SettlementMaxParallel <= 0 {
		cfg.SettlementMaxParallel = defaultSettlementMaxParallel
	}
	return &Store{db: db, cfg: cfg, metrics: m, log: slog.Default()}
}

// withSerializableTx runs fn inside one serializable transaction: the
// atomic unit every balance mutation and status transition shares.
// Serialization conflicts are retried from scratch; every other error is
// terminal and returned as-is.
func (s *Store) withSerializableTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			s.metrics.ObserveConflictRetry()
			s.log.Warn("atomic unit conflicted, retrying", "attempt", attempt, "error", lastErr)
			if err := sleepCtx(ctx, backoffFor(attempt)); err != nil {
				return err
			}
		}
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isSerializationFailure reports whether err is a transient conflict worth
// retrying: serialization_failure (40001) or deadlock_detected (40P01).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func backoffFor(attempt int) time.Duration {
	d := retryBackoff * time.Duration(attempt)
	return d + time.Duration(mathrand.Int63n(int64(retryJitterCap)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newRoutingToken mints the identifier handed to the external bank at
// initiation. It is the idempotency key for the later confirmation event.
func newRoutingToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "rt_" + hex.EncodeToString(b[:]), nil
}
