package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"payment-core/internal/domain"
)

// errNotEligible marks a merchant that lost eligibility between the
// candidate scan and its own atomic unit. Not an error for the pass.
var errNotEligible = errors.New("merchant not eligible")

// settlementFee computes the platform fee on a swept amount, in basis
// points, rounded half away from zero.
func settlementFee(amountCents, feeBps int64) int64 {
	if feeBps <= 0 || amountCents <= 0 {
		return 0
	}
	fee := decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromInt(feeBps)).
		Div(decimal.NewFromInt(10000))
	return fee.Round(0).IntPart()
}

// RunSettlementPass sweeps every eligible merchant balance into a PENDING
// settlement. Each merchant is its own atomic unit, so cancelling the
// pass mid-way leaves no partial per-merchant state; merchants already
// swept stay swept, the rest are picked up next pass. Finalization rides
// the bank event path via the settlement's routing token.
func (s *Store) RunSettlementPass(ctx context.Context, now time.Time) ([]domain.SettlementReceipt, error) {
	cutoff := now.Add(-s.cfg.SettlementWindow)

	rows, err := s.db.Query(ctx,
		`SELECT account_id FROM accounts
		  WHERE kind=$1
		    AND available_cents > 0
		    AND (last_swept_at IS NULL OR last_swept_at <= $2)
		    AND NOT EXISTS (
		        SELECT 1 FROM settlement_tx
		         WHERE merchant_account_id = accounts.account_id AND status = $3
		    )
		  ORDER BY account_id`,
		domain.AccountKindMerchant, cutoff, domain.StatusPending,
	)
	if err != nil {
		s.metrics.ObserveSettlementPass(err)
		return nil, err
	}
	candidates, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		s.metrics.ObserveSettlementPass(err)
		return nil, err
	}

	var (
		mu       sync.Mutex
		receipts []domain.SettlementReceipt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SettlementMaxParallel)

	for _, merchantID := range candidates {
		merchantID := merchantID
		g.Go(func() error {
			receipt, err := s.sweepMerchant(gctx, merchantID, now, cutoff)
			if err != nil {
				if errors.Is(err, errNotEligible) {
					return nil
				}
				return err
			}
			mu.Lock()
			receipts = append(receipts, receipt)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.ObserveSettlementPass(err)
		return receipts, err
	}

	s.metrics.ObserveSettlementPass(nil)
	s.metrics.ObserveSettlementInitiated(len(receipts))
	return receipts, nil
}

// sweepMerchant earmarks the merchant's full available balance and opens
// the PENDING settlement record, all in one unit. Eligibility is
// re-checked under the account row lock, so a pass can never schedule the
// same balance twice.
func (s *Store) sweepMerchant(ctx context.Context, merchantID uuid.UUID, now time.Time, cutoff time.Time) (domain.SettlementReceipt, error) {
	var receipt domain.SettlementReceipt

	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var (
			kind           domain.AccountKind
			settlementBank string
			available      int64
			lastSweptAt    *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT kind, settlement_bank, available_cents, last_swept_at
			   FROM accounts WHERE account_id=$1 FOR UPDATE`,
			merchantID,
		).Scan(&kind, &settlementBank, &available, &lastSweptAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errNotEligible
			}
			return err
		}
		if kind != domain.AccountKindMerchant || available <= 0 {
			return errNotEligible
		}
		if lastSweptAt != nil && lastSweptAt.After(cutoff) {
			return errNotEligible
		}

		var pending bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM settlement_tx WHERE merchant_account_id=$1 AND status=$2)`,
			merchantID, domain.StatusPending,
		).Scan(&pending)
		if err != nil {
			return err
		}
		if pending {
			return errNotEligible
		}

		token, err := newRoutingToken()
		if err != nil {
			return err
		}
		txID := uuid.New()
		fee := settlementFee(available, s.cfg.SettlementFeeBps)

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_tx(
				tx_id, merchant_account_id, amount_cents, fee_cents, net_cents,
				bank_descriptor, routing_token, status, eligible_at
			 ) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			txID, merchantID, available, fee, available-fee,
			settlementBank, token, domain.StatusPending, now,
		)
		if err != nil {
			return err
		}

		if err := moveToLocked(ctx, tx, merchantID, available); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET last_swept_at=$2 WHERE account_id=$1`,
			merchantID, now,
		); err != nil {
			return err
		}

		receipt = domain.SettlementReceipt{
			TxID:              txID,
			MerchantAccountID: merchantID,
			AmountCents:       available,
			FeeCents:          fee,
			NetCents:          available - fee,
			RoutingToken:      token,
			EligibleAt:        now,
		}
		return insertEvent(ctx, tx, "SETTLEMENT_SCHEDULED", "SETTLEMENT_TX", txID.String(), uuid.NewString(),
			settlementScheduledPayload{
				TxID:         txID.String(),
				MerchantID:   merchantID.String(),
				AmountCents:  receipt.AmountCents,
				FeeCents:     fee,
				NetCents:     receipt.NetCents,
				Bank:         settlementBank,
				RoutingToken: token,
			})
	})
	if err != nil {
		return domain.SettlementReceipt{}, err
	}
	return receipt, nil
}
