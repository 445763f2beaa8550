package store

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"payment-core/internal/domain"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("LEDGER_DB_DSN"))
	if dsn == "" {
		t.Skip("missing LEDGER_DB_DSN env var")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	// Concurrency tests. Keep it bounded.
	cfg.MaxConns = 20
	cfg.MinConns = 1

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func fund(t *testing.T, s *Store, account uuid.UUID, amount int64) {
	t.Helper()
	if err := fundErr(s, account, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func fundErr(s *Store, account uuid.UUID, amount int64) error {
	ctx := context.Background()
	op, err := s.InitiateOnRamp(ctx, account, amount, "bank-conc", "t-conc")
	if err != nil {
		return err
	}
	_, err = s.ApplyBankEvent(ctx, domain.BankEvent{
		RoutingToken: op.RoutingToken,
		AccountID:    account,
		AmountCents:  amount,
	}, "t-conc")
	return err
}

func TestConcurrentSameToken_ExactlyOneCredit(t *testing.T) {
	// Not parallel. Shares DB.
	pool := newTestPool(t)
	s := New(pool, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	account := uuid.New()
	op, err := s.InitiateOnRamp(ctx, account, 500, "bank-conc", "t-conc-1")
	if err != nil {
		t.Fatalf("InitiateOnRamp: %v", err)
	}
	ev := domain.BankEvent{RoutingToken: op.RoutingToken, AccountID: account, AmountCents: 500}

	const N = 32
	var wg sync.WaitGroup
	wg.Add(N)

	outcomes := make([]domain.BankEventOutcome, N)
	errs := make([]error, N)
	for i := 0; i < N; i++ {
		i := i
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = s.ApplyBankEvent(ctx, ev, "t-conc-1")
		}()
	}
	wg.Wait()

	captured, deduplicated := 0, 0
	for i := 0; i < N; i++ {
		if errs[i] != nil {
			t.Fatalf("delivery %d failed: %v", i, errs[i])
		}
		switch outcomes[i].Result {
		case domain.ResultCaptured:
			captured++
		case domain.ResultDeduplicated:
			deduplicated++
		default:
			t.Fatalf("delivery %d: unexpected result %q", i, outcomes[i].Result)
		}
	}
	if captured != 1 || deduplicated != N-1 {
		t.Fatalf("want 1 capture and %d duplicates, got %d/%d", N-1, captured, deduplicated)
	}

	bal, err := s.Balance(ctx, account)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.AvailableCents != 500 {
		t.Fatalf("balance credited %d times", bal.AvailableCents/500)
	}
}

func TestConcurrentOpposingTransfers_NoDeadlockNoLoss(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	a, b := uuid.New(), uuid.New()
	fund(t, s, a, 10000)
	fund(t, s, b, 10000)

	// Opposite directions over the same pair. Deterministic lock order
	// must keep this deadlock-free and conservative.
	const N = 40
	var wg sync.WaitGroup
	wg.Add(2 * N)
	errs := make([]error, 2*N)
	for i := 0; i < N; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, errs[i] = s.TransferP2P(ctx, a, b, 7, "t-conc-2")
		}()
		go func() {
			defer wg.Done()
			_, errs[N+i] = s.TransferP2P(ctx, b, a, 7, "t-conc-2")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("transfer %d failed: %v", i, err)
		}
	}

	balA, err := s.Balance(ctx, a)
	if err != nil {
		t.Fatalf("Balance a: %v", err)
	}
	balB, err := s.Balance(ctx, b)
	if err != nil {
		t.Fatalf("Balance b: %v", err)
	}
	if balA.AvailableCents != 10000 || balB.AvailableCents != 10000 {
		t.Fatalf("funds not conserved: a=%d b=%d", balA.AvailableCents, balB.AvailableCents)
	}
}

func TestRandomInterleavings_NeverNegative(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	src := uuid.New()
	sink := uuid.New()
	fund(t, s, src, 200)

	// Random mix of credits and guarded debits racing on one account.
	// Whatever the interleaving, the available balance must never go
	// negative and the books must add up afterwards.
	const N = 60
	rng := rand.New(rand.NewSource(1))
	ops := make([]int64, N) // >0 credit amount, <0 debit amount
	for i := range ops {
		if rng.Intn(2) == 0 {
			ops[i] = int64(rng.Intn(90) + 10)
		} else {
			ops[i] = -int64(rng.Intn(90) + 10)
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int64
		debited  int64
	)
	wg.Add(N)
	for _, op := range ops {
		op := op
		go func() {
			defer wg.Done()
			if op > 0 {
				if err := fundErr(s, src, op); err != nil {
					t.Errorf("credit %d: %v", op, err)
					return
				}
				mu.Lock()
				credited += op
				mu.Unlock()
				return
			}
			_, err := s.TransferP2P(ctx, src, sink, -op, "t-conc-3")
			if err == nil {
				mu.Lock()
				debited += -op
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("debit %d: %v", -op, err)
			}
		}()
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	balSrc, err := s.Balance(ctx, src)
	if err != nil {
		t.Fatalf("Balance src: %v", err)
	}
	balSink, err := s.Balance(ctx, sink)
	if err != nil {
		t.Fatalf("Balance sink: %v", err)
	}
	if balSrc.AvailableCents < 0 || balSink.AvailableCents < 0 {
		t.Fatalf("negative balance observed: src=%d sink=%d", balSrc.AvailableCents, balSink.AvailableCents)
	}
	if want := 200 + credited - debited; balSrc.AvailableCents != want {
		t.Fatalf("src balance: got %d want %d", balSrc.AvailableCents, want)
	}
	if balSink.AvailableCents != debited {
		t.Fatalf("sink balance: got %d want %d", balSink.AvailableCents, debited)
	}
}
