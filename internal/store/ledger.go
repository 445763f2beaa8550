package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"payment-core/internal/domain"
)

// The ledger exclusively owns balance mutation. Every helper here operates
// on an already-open atomic unit and takes the account row lock before
// touching it, so callers compose multi-account mutations that commit or
// abort together.

// ensureAccount lazily creates the account with zero balances. Existing
// rows are left untouched.
func ensureAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error {
	if accountID == uuid.Nil {
		return ErrValidation
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO accounts(account_id) VALUES($1) ON CONFLICT (account_id) DO NOTHING`,
		accountID,
	)
	return err
}

// lockAccount ensures the row exists and takes its row lock for the
// remainder of the unit, returning the current buckets.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (available, locked int64, err error) {
	if err := ensureAccount(ctx, tx, accountID); err != nil {
		return 0, 0, err
	}
	err = tx.QueryRow(ctx,
		`SELECT available_cents, locked_cents FROM accounts WHERE account_id=$1 FOR UPDATE`,
		accountID,
	).Scan(&available, &locked)
	return available, locked, err
}

// adjustAvailable applies delta to the available bucket. With requireFunds
// set, a delta that would take the balance negative fails with
// ErrInsufficientFunds and leaves the row unchanged. Negative balances are
// rejected here, never clamped.
func adjustAvailable(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta int64, requireFunds bool) (int64, error) {
	available, _, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	next := available + delta
	if next < 0 {
		if requireFunds {
			return available, ErrInsufficientFunds
		}
		return available, fmt.Errorf("%w: balance would go negative", ErrValidation)
	}
	_, err = tx.Exec(ctx,
		`UPDATE accounts SET available_cents=$2 WHERE account_id=$1`,
		accountID, next,
	)
	return next, err
}

// moveToLocked earmarks amount out of available. Used by settlement to
// keep swept funds out of reach of concurrent spends until the bank
// confirms.
func moveToLocked(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error {
	available, locked, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if amount <= 0 || available-amount < 0 {
		return ErrInsufficientFunds
	}
	_, err = tx.Exec(ctx,
		`UPDATE accounts SET available_cents=$2, locked_cents=$3 WHERE account_id=$1`,
		accountID, available-amount, locked+amount,
	)
	return err
}

// releaseLocked drains amount from the locked bucket. With refund set the
// funds return to available (failed settlement); otherwise they leave the
// platform (confirmed settlement).
func releaseLocked(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, refund bool) error {
	available, locked, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if amount <= 0 || locked-amount < 0 {
		return fmt.Errorf("%w: locked funds underflow", ErrValidation)
	}
	nextAvailable := available
	if refund {
		nextAvailable += amount
	}
	_, err = tx.Exec(ctx,
		`UPDATE accounts SET available_cents=$2, locked_cents=$3 WHERE account_id=$1`,
		accountID, nextAvailable, locked-amount,
	)
	return err
}

// lockAccountsOrdered locks both rows in ascending account-id order so two
// opposing transfers between the same pair cannot deadlock.
func lockAccountsOrdered(ctx context.Context, tx pgx.Tx, a, b uuid.UUID) error {
	first, second := a, b
	if bytes.Compare(b[:], a[:]) < 0 {
		first, second = b, a
	}
	if _, _, err := lockAccount(ctx, tx, first); err != nil {
		return err
	}
	_, _, err := lockAccount(ctx, tx, second)
	return err
}

// Balance reads both buckets outside any unit.
func (s *Store) Balance(ctx context.Context, accountID uuid.UUID) (domain.BalanceResponse, error) {
	if accountID == uuid.Nil {
		return domain.BalanceResponse{}, ErrValidation
	}
	resp := domain.BalanceResponse{AccountID: accountID}
	err := s.db.QueryRow(ctx,
		`SELECT available_cents, locked_cents FROM accounts WHERE account_id=$1`,
		accountID,
	).Scan(&resp.AvailableCents, &resp.LockedCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BalanceResponse{}, ErrNotFound
		}
		return domain.BalanceResponse{}, err
	}
	return resp, nil
}

// RegisterMerchant creates a merchant account with the bank descriptor the
// settlement sweep wires funds to.
func (s *Store) RegisterMerchant(ctx context.Context, label, settlementBank, correlationID string) (uuid.UUID, error) {
	label = strings.TrimSpace(label)
	settlementBank = strings.TrimSpace(settlementBank)
	if label == "" || settlementBank == "" || strings.TrimSpace(correlationID) == "" {
		return uuid.Nil, ErrValidation
	}

	accountID := uuid.New()
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts(account_id, label, kind, settlement_bank)
			 VALUES($1,$2,$3,$4)`,
			accountID, label, domain.AccountKindMerchant, settlementBank,
		)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, "MERCHANT_REGISTERED", "ACCOUNT", accountID.String(), correlationID,
			merchantRegisteredPayload{
				AccountID:      accountID.String(),
				Label:          label,
				SettlementBank: settlementBank,
			})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return accountID, nil
}
