package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"payment-core/internal/domain"
)

// InitiateOnRamp opens a PENDING deposit before the caller redirects the
// user to the bank. The returned routing token travels with the bank and
// comes back on the confirmation event.
func (s *Store) InitiateOnRamp(ctx context.Context, accountID uuid.UUID, amountCents int64, bankDescriptor, correlationID string) (domain.InitiateOnRampResponse, error) {
	bankDescriptor = strings.TrimSpace(bankDescriptor)
	if accountID == uuid.Nil || amountCents <= 0 || bankDescriptor == "" || strings.TrimSpace(correlationID) == "" {
		return domain.InitiateOnRampResponse{}, ErrValidation
	}

	token, err := newRoutingToken()
	if err != nil {
		return domain.InitiateOnRampResponse{}, err
	}
	txID := uuid.New()

	err = s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, accountID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO onramp_tx(tx_id, account_id, amount_cents, bank_descriptor, routing_token, status)
			 VALUES($1,$2,$3,$4,$5,$6)`,
			txID, accountID, amountCents, bankDescriptor, token, domain.StatusPending,
		)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, "ONRAMP_INITIATED", "ONRAMP_TX", txID.String(), correlationID,
			onrampInitiatedPayload{
				TxID:         txID.String(),
				AccountID:    accountID.String(),
				AmountCents:  amountCents,
				Bank:         bankDescriptor,
				RoutingToken: token,
			})
	})
	if err != nil {
		return domain.InitiateOnRampResponse{}, err
	}
	s.metrics.ObserveOnRampInitiated()
	return domain.InitiateOnRampResponse{TxID: txID, RoutingToken: token}, nil
}

// tokenClaim is what a routing token resolved to inside the current unit.
type tokenClaim struct {
	kind        domain.TxKind
	txID        uuid.UUID
	accountID   uuid.UUID
	amountCents int64
	status      domain.Status
}

// claimRoutingToken serializes concurrent deliveries of one token and
// re-reads the owning transaction under its row lock. The status gate is
// the idempotency guard: PENDING means this delivery may finalize, a
// terminal status means an earlier delivery already did.
func claimRoutingToken(ctx context.Context, tx pgx.Tx, token string) (tokenClaim, error) {
	// Per-token serialization, same trick as per-key idempotency.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, token); err != nil {
		return tokenClaim{}, err
	}

	var c tokenClaim
	c.kind = domain.TxKindOnRamp
	err := tx.QueryRow(ctx,
		`SELECT tx_id, account_id, amount_cents, status FROM onramp_tx WHERE routing_token=$1 FOR UPDATE`,
		token,
	).Scan(&c.txID, &c.accountID, &c.amountCents, &c.status)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tokenClaim{}, err
	}

	c.kind = domain.TxKindSettlement
	err = tx.QueryRow(ctx,
		`SELECT tx_id, merchant_account_id, amount_cents, status FROM settlement_tx WHERE routing_token=$1 FOR UPDATE`,
		token,
	).Scan(&c.txID, &c.accountID, &c.amountCents, &c.status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokenClaim{}, ErrUnknownToken
		}
		return tokenClaim{}, err
	}
	return c, nil
}

func setRecordStatus(ctx context.Context, tx pgx.Tx, kind domain.TxKind, txID uuid.UUID, status domain.Status) error {
	table := "onramp_tx"
	if kind == domain.TxKindSettlement {
		table = "settlement_tx"
	}
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status=$2 WHERE tx_id=$1 AND status=$3`, table),
		txID, status, domain.StatusPending,
	)
	if err != nil {
		return err
	}
	// Transitions not on the state machine never reach the table.
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: transaction %s is not pending", ErrValidation, txID)
	}
	return nil
}

// ApplyBankEvent reconciles one inbound bank confirmation. Delivery is
// at-least-once and unordered, so the whole operation is a token-gated
// re-read-then-transition inside one atomic unit: exactly one delivery
// performs the credit, every other one observes a terminal status and is
// acknowledged as a duplicate.
func (s *Store) ApplyBankEvent(ctx context.Context, ev domain.BankEvent, correlationID string) (domain.BankEventOutcome, error) {
	ev.RoutingToken = strings.TrimSpace(ev.RoutingToken)
	if ev.RoutingToken == "" || ev.AmountCents <= 0 || ev.AccountID == uuid.Nil {
		s.metrics.ObserveBankEvent("invalid")
		return domain.BankEventOutcome{}, ErrInvalidEvent
	}
	if strings.TrimSpace(correlationID) == "" {
		correlationID = uuid.NewString()
	}

	var (
		outcome  domain.BankEventOutcome
		mismatch bool
	)
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		outcome = domain.BankEventOutcome{}
		mismatch = false

		claim, err := claimRoutingToken(ctx, tx, ev.RoutingToken)
		if err != nil {
			return err
		}
		outcome.Kind = claim.kind
		outcome.TxID = claim.txID

		if claim.status != domain.StatusPending {
			// Already terminal: successfully deduplicated, nothing to apply.
			outcome.Result = domain.ResultDeduplicated
			return nil
		}

		if claim.accountID != ev.AccountID || claim.amountCents != ev.AmountCents {
			// Hard failure: flip the record, leave the ledger alone. The
			// unit still commits so the transition is durable.
			mismatch = true
			if err := setRecordStatus(ctx, tx, claim.kind, claim.txID, domain.StatusFailure); err != nil {
				return err
			}
			if claim.kind == domain.TxKindSettlement {
				// Failed settlements make the earmarked funds eligible again.
				if err := releaseLocked(ctx, tx, claim.accountID, claim.amountCents, true); err != nil {
					return err
				}
			}
			return insertEvent(ctx, tx, "BANK_EVENT_REJECTED", aggregateFor(claim.kind), claim.txID.String(), correlationID,
				bankEventAppliedPayload{
					TxID:         claim.txID.String(),
					Kind:         string(claim.kind),
					RoutingToken: ev.RoutingToken,
					AccountID:    ev.AccountID.String(),
					AmountCents:  ev.AmountCents,
					Status:       string(domain.StatusFailure),
					Reason:       "AMOUNT_MISMATCH",
				})
		}

		switch claim.kind {
		case domain.TxKindOnRamp:
			if _, err := adjustAvailable(ctx, tx, claim.accountID, claim.amountCents, false); err != nil {
				return err
			}
		case domain.TxKindSettlement:
			// Funds were earmarked at scheduling time; confirmation means
			// they left the platform.
			if err := releaseLocked(ctx, tx, claim.accountID, claim.amountCents, false); err != nil {
				return err
			}
		}
		if err := setRecordStatus(ctx, tx, claim.kind, claim.txID, domain.StatusSuccess); err != nil {
			return err
		}
		outcome.Result = domain.ResultCaptured

		return insertEvent(ctx, tx, "BANK_EVENT_CAPTURED", aggregateFor(claim.kind), claim.txID.String(), correlationID,
			bankEventAppliedPayload{
				TxID:         claim.txID.String(),
				Kind:         string(claim.kind),
				RoutingToken: ev.RoutingToken,
				AccountID:    ev.AccountID.String(),
				AmountCents:  ev.AmountCents,
				Status:       string(domain.StatusSuccess),
			})
	})
	if err != nil {
		if errors.Is(err, ErrUnknownToken) {
			s.metrics.ObserveBankEvent("unknown_token")
		}
		return domain.BankEventOutcome{}, err
	}
	if mismatch {
		s.metrics.ObserveBankEvent("amount_mismatch")
		return domain.BankEventOutcome{}, fmt.Errorf("%w: token %s", ErrAmountMismatch, ev.RoutingToken)
	}
	s.metrics.ObserveBankEvent(strings.ToLower(string(outcome.Result)))
	return outcome, nil
}

func aggregateFor(kind domain.TxKind) string {
	if kind == domain.TxKindSettlement {
		return "SETTLEMENT_TX"
	}
	return "ONRAMP_TX"
}
