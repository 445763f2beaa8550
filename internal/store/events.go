package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
)

type JSONBytes = json.RawMessage

// jcsPayload returns both representations the event_log schema wants:
// regular JSON bytes (cast to jsonb in SQL) and the RFC 8785 canonical
// form used for stable hashing and diffing downstream.
func jcsPayload(v any) (payloadJSON JSONBytes, payloadCanonical string, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", err
	}
	return JSONBytes(raw), string(canon), nil
}

// insertEvent is the single entry point for event_log appends. Every
// committed state change of the core writes exactly one row here, inside
// the same atomic unit as the change itself.
func insertEvent(
	ctx context.Context,
	tx pgx.Tx,
	eventType, aggregateType, aggregateID, correlationID string,
	payload any,
) error {
	if strings.TrimSpace(eventType) == "" ||
		strings.TrimSpace(aggregateType) == "" ||
		strings.TrimSpace(aggregateID) == "" ||
		strings.TrimSpace(correlationID) == "" {
		return ErrValidation
	}

	payloadJSON, payloadCanonical, err := jcsPayload(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO event_log(
			event_id, event_type, aggregate_type, aggregate_id, correlation_id, payload_json, payload_canonical
		) VALUES($1,$2,$3,$4,$5,$6::jsonb,$7)`,
		uuid.New(), eventType, aggregateType, aggregateID, correlationID, payloadJSON, payloadCanonical,
	)
	return err
}

type onrampInitiatedPayload struct {
	TxID         string `json:"tx_id"`
	AccountID    string `json:"account_id"`
	AmountCents  int64  `json:"amount_cents"`
	Bank         string `json:"bank"`
	RoutingToken string `json:"routing_token"`
}

type bankEventAppliedPayload struct {
	TxID         string `json:"tx_id"`
	Kind         string `json:"kind"`
	RoutingToken string `json:"routing_token"`
	AccountID    string `json:"account_id"`
	AmountCents  int64  `json:"amount_cents"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

type transferPostedPayload struct {
	TxID        string `json:"tx_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

type settlementScheduledPayload struct {
	TxID         string `json:"tx_id"`
	MerchantID   string `json:"merchant_id"`
	AmountCents  int64  `json:"amount_cents"`
	FeeCents     int64  `json:"fee_cents"`
	NetCents     int64  `json:"net_cents"`
	Bank         string `json:"bank"`
	RoutingToken string `json:"routing_token"`
}

type merchantRegisteredPayload struct {
	AccountID      string `json:"account_id"`
	Label          string `json:"label"`
	SettlementBank string `json:"settlement_bank"`
}
