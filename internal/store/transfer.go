package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"payment-core/internal/domain"
)

// TransferP2P atomically debits the source and credits the destination.
// P2P is synchronous: the record is created terminal, no PENDING state
// persists past the call. An insufficient-funds attempt commits a FAILURE
// record with the balances untouched.
func (s *Store) TransferP2P(ctx context.Context, from, to uuid.UUID, amountCents int64, correlationID string) (domain.TransferResponse, error) {
	if from == uuid.Nil || to == uuid.Nil {
		return domain.TransferResponse{}, ErrValidation
	}
	if from == to {
		return domain.TransferResponse{}, ErrSameAccount
	}
	if amountCents <= 0 {
		return domain.TransferResponse{}, ErrValidation
	}
	if strings.TrimSpace(correlationID) == "" {
		correlationID = uuid.NewString()
	}

	txID := uuid.New()
	var shortFunds bool

	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		shortFunds = false

		// Total lock order over account ids, not call order.
		if err := lockAccountsOrdered(ctx, tx, from, to); err != nil {
			return err
		}

		status := domain.StatusSuccess
		reason := ""
		if _, err := adjustAvailable(ctx, tx, from, -amountCents, true); err != nil {
			if !errors.Is(err, ErrInsufficientFunds) {
				return err
			}
			shortFunds = true
			status = domain.StatusFailure
			reason = "INSUFFICIENT_FUNDS"
		} else {
			if _, err := adjustAvailable(ctx, tx, to, amountCents, false); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO p2p_tx(tx_id, from_account, to_account, amount_cents, status, reason)
			 VALUES($1,$2,$3,$4,$5,$6)`,
			txID, from, to, amountCents, status, reason,
		)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, "TRANSFER_POSTED", "P2P_TX", txID.String(), correlationID,
			transferPostedPayload{
				TxID:        txID.String(),
				From:        from.String(),
				To:          to.String(),
				AmountCents: amountCents,
				Status:      string(status),
				Reason:      reason,
			})
	})
	if err != nil {
		s.metrics.ObserveTransfer("error")
		return domain.TransferResponse{}, err
	}
	if shortFunds {
		s.metrics.ObserveTransfer("insufficient_funds")
		return domain.TransferResponse{TxID: txID, Status: domain.StatusFailure}, ErrInsufficientFunds
	}
	s.metrics.ObserveTransfer("success")
	return domain.TransferResponse{TxID: txID, Status: domain.StatusSuccess}, nil
}
