package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the closed lifecycle of a transaction record. On-ramp and
// settlement records start PENDING and leave it exactly once; P2P records
// are written terminal.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Result classifies the outcome of applying an inbound bank event.
type Result string

const (
	// ResultCaptured means this delivery performed the credit.
	ResultCaptured Result = "CAPTURED"
	// ResultDeduplicated means an earlier delivery already finalized the
	// transaction; the event is acknowledged without re-mutating state.
	ResultDeduplicated Result = "DEDUPLICATED"
)

// TxKind tags which record table a routing token resolved to.
type TxKind string

const (
	TxKindOnRamp     TxKind = "ONRAMP"
	TxKindSettlement TxKind = "SETTLEMENT"
)

type AccountKind string

const (
	AccountKindUser     AccountKind = "USER"
	AccountKindMerchant AccountKind = "MERCHANT"
)

// BankEvent is the minimal inbound shape the core consumes from the bank
// collaborator. Authenticity verification happens at the HTTP boundary.
type BankEvent struct {
	RoutingToken string    `json:"routing_token"`
	AccountID    uuid.UUID `json:"account_id"`
	AmountCents  int64     `json:"amount_cents"`
}

type BankEventOutcome struct {
	Result Result    `json:"result"`
	Kind   TxKind    `json:"kind"`
	TxID   uuid.UUID `json:"tx_id"`
}

type InitiateOnRampRequest struct {
	AccountID      uuid.UUID `json:"account_id"`
	AmountCents    int64     `json:"amount_cents"`
	BankDescriptor string    `json:"bank_descriptor"`
}

type InitiateOnRampResponse struct {
	TxID         uuid.UUID `json:"tx_id"`
	RoutingToken string    `json:"routing_token"`
}

type TransferRequest struct {
	FromAccountID uuid.UUID `json:"from_account_id"`
	ToAccountID   uuid.UUID `json:"to_account_id"`
	AmountCents   int64     `json:"amount_cents"`
	CorrelationID string    `json:"correlation_id"`
}

type TransferResponse struct {
	TxID   uuid.UUID `json:"tx_id"`
	Status Status    `json:"status"`
}

type RegisterMerchantRequest struct {
	Label          string `json:"label"`
	SettlementBank string `json:"settlement_bank"`
}

type RegisterMerchantResponse struct {
	AccountID uuid.UUID `json:"account_id"`
}

type BalanceResponse struct {
	AccountID      uuid.UUID `json:"account_id"`
	AvailableCents int64     `json:"available_cents"`
	LockedCents    int64     `json:"locked_cents"`
}

// SettlementReceipt describes one settlement initiated by a sweep pass.
// Finalization arrives later through the bank event path, keyed by
// RoutingToken.
type SettlementReceipt struct {
	TxID              uuid.UUID `json:"tx_id"`
	MerchantAccountID uuid.UUID `json:"merchant_account_id"`
	AmountCents       int64     `json:"amount_cents"`
	FeeCents          int64     `json:"fee_cents"`
	NetCents          int64     `json:"net_cents"`
	RoutingToken      string    `json:"routing_token"`
	EligibleAt        time.Time `json:"eligible_at"`
}

type RunSettlementResponse struct {
	Initiated []SettlementReceipt `json:"initiated"`
}
