package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-core/internal/clock"
	"payment-core/internal/domain"
	"payment-core/internal/store"
)

type Handlers struct {
	st   *store.Store
	auth EventAuthenticator
	clk  clock.Clock
}

func NewHandlers(st *store.Store, auth EventAuthenticator, clk clock.Clock) *Handlers {
	if auth == nil {
		auth = InsecureAuthenticator{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Handlers{st: st, auth: auth, clk: clk}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Store-level semantic errors
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, store.ErrInvalidEvent),
		errors.Is(err, store.ErrSameAccount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAmountMismatch):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrRetryExhausted):
		return http.StatusServiceUnavailable

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don't leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

// reasonForErr is the stable reason code the calling surface keys user
// messaging on.
func reasonForErr(err error) string {
	switch {
	case errors.Is(err, store.ErrUnknownToken):
		return "UNKNOWN_TOKEN"
	case errors.Is(err, store.ErrAmountMismatch):
		return "AMOUNT_MISMATCH"
	case errors.Is(err, store.ErrInvalidEvent):
		return "INVALID_EVENT"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, store.ErrSameAccount):
		return "SAME_ACCOUNT"
	case errors.Is(err, store.ErrValidation):
		return "VALIDATION"
	default:
		return "INTERNAL"
	}
}

func correlationID(r *http.Request) string {
	corr := r.Header.Get("X-Correlation-Id")
	if strings.TrimSpace(corr) == "" {
		corr = uuid.New().String()
	}
	return corr
}

// POST /v1/onramps
func (h *Handlers) InitiateOnRamp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req domain.InitiateOnRampRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp, err := h.st.InitiateOnRamp(ctx, req.AccountID, req.AmountCents, req.BankDescriptor, correlationID(r))
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

type bankEventResult struct {
	Result string     `json:"result"`
	Reason string     `json:"reason,omitempty"`
	Kind   string     `json:"kind,omitempty"`
	TxID   *uuid.UUID `json:"tx_id,omitempty"`
}

// POST /v1/bank-events is the bank webhook boundary. The raw body is
// authenticated before it is parsed.
func (h *Handlers) ReceiveBankEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	r.Body.Close()
	if err != nil {
		writeErr(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := h.auth.Verify(r, body); err != nil {
		writeErr(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var ev domain.BankEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, bankEventResult{Result: "REJECTED", Reason: "INVALID_EVENT"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	outcome, err := h.st.ApplyBankEvent(ctx, ev, correlationID(r))
	if err != nil {
		code := httpStatusForErr(err)
		if code < 500 {
			writeJSON(w, code, bankEventResult{Result: "REJECTED", Reason: reasonForErr(err)})
			return
		}
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, bankEventResult{
		Result: string(outcome.Result),
		Kind:   string(outcome.Kind),
		TxID:   &outcome.TxID,
	})
}

// POST /v1/transfers
func (h *Handlers) PostTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.CorrelationID) == "" {
		req.CorrelationID = correlationID(r)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp, err := h.st.TransferP2P(ctx, req.FromAccountID, req.ToAccountID, req.AmountCents, req.CorrelationID)
	if err != nil {
		code := httpStatusForErr(err)
		writeJSON(w, code, map[string]any{
			"status": domain.StatusFailure,
			"reason": reasonForErr(err),
		})
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// POST /v1/merchants
func (h *Handlers) RegisterMerchant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req domain.RegisterMerchantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id, err := h.st.RegisterMerchant(ctx, req.Label, req.SettlementBank, correlationID(r))
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusCreated, domain.RegisterMerchantResponse{AccountID: id})
}

// GET /v1/accounts/{uuid}/balance
func (h *Handlers) GetBalanceByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "balance" {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}

	accID, err := uuid.Parse(parts[0])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp, err := h.st.Balance(ctx, accID)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /v1/settlements/run is the external cron trigger. Idempotent per
// merchant per window.
func (h *Handlers) RunSettlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	receipts, err := h.st.RunSettlementPass(ctx, h.clk.Now())
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	if receipts == nil {
		receipts = []domain.SettlementReceipt{}
	}
	writeJSON(w, http.StatusOK, domain.RunSettlementResponse{Initiated: receipts})
}
