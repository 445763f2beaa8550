package settle

import (
	"context"
	"log/slog"
	"time"

	"payment-core/internal/clock"
	"payment-core/internal/domain"
)

// Sweeper runs one settlement pass. Implemented by the store; faked in
// tests.
type Sweeper interface {
	RunSettlementPass(ctx context.Context, now time.Time) ([]domain.SettlementReceipt, error)
}

// Scheduler triggers settlement passes on a fixed interval. A pass failing
// does not stop the loop; the next tick retries eligible merchants because
// sweeps are idempotent per merchant per window.
type Scheduler struct {
	Sweeper  Sweeper
	Clock    clock.Clock
	Interval time.Duration
	Log      *slog.Logger
}

const defaultInterval = 48 * time.Hour

// Run blocks until ctx is cancelled, sweeping once immediately and then on
// every interval tick.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.pass(ctx, clk, log)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pass(ctx, clk, log)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, clk clock.Clock, log *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	started := clk.Now()
	receipts, err := s.Sweeper.RunSettlementPass(ctx, started)
	if err != nil {
		log.Error("settlement pass failed", "error", err, "initiated", len(receipts))
		return
	}
	log.Info("settlement pass complete", "initiated", len(receipts), "took", clk.Now().Sub(started).String())
}
