package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"payment-core/internal/store"
)

func TestHTTPStatusForErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", store.ErrValidation, http.StatusBadRequest},
		{"invalid event", store.ErrInvalidEvent, http.StatusBadRequest},
		{"same account", store.ErrSameAccount, http.StatusBadRequest},
		{"notfound", store.ErrNotFound, http.StatusNotFound},
		{"unknown token", store.ErrUnknownToken, http.StatusNotFound},
		{"mismatch", store.ErrAmountMismatch, http.StatusConflict},
		{"insufficient", store.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{"retries exhausted", store.ErrRetryExhausted, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, http.StatusRequestTimeout},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := httpStatusForErr(tc.err)
			if got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
		})
	}
}

func TestReasonForErr(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{store.ErrUnknownToken, "UNKNOWN_TOKEN"},
		{store.ErrAmountMismatch, "AMOUNT_MISMATCH"},
		{store.ErrInvalidEvent, "INVALID_EVENT"},
		{store.ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
		{store.ErrSameAccount, "SAME_ACCOUNT"},
		{store.ErrValidation, "VALIDATION"},
		{errors.New("x"), "INTERNAL"},
	}
	for _, tc := range cases {
		if got := reasonForErr(tc.err); got != tc.want {
			t.Fatalf("reasonForErr(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestHMACAuthenticator(t *testing.T) {
	auth := HMACAuthenticator{Secret: []byte("s3cret")}
	body := []byte(`{"routing_token":"rt_x","amount_cents":500}`)

	r := httptest.NewRequest(http.MethodPost, "/v1/bank-events", nil)
	r.Header.Set(SignatureHeader, auth.Sign(body))
	if err := auth.Verify(r, body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	r.Header.Set(SignatureHeader, auth.Sign([]byte("other body")))
	if err := auth.Verify(r, body); err == nil {
		t.Fatal("tampered body accepted")
	}

	r.Header.Set(SignatureHeader, "not-hex")
	if err := auth.Verify(r, body); err == nil {
		t.Fatal("malformed signature accepted")
	}

	r.Header.Del(SignatureHeader)
	if err := auth.Verify(r, body); err == nil {
		t.Fatal("missing signature accepted")
	}
}

func TestBankEventSignatureGate(t *testing.T) {
	// Store is never reached: the signature check fails first.
	h := NewHandlers(nil, HMACAuthenticator{Secret: []byte("k")}, nil)

	body := strings.NewReader(`{"routing_token":"rt_x"}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/bank-events", body)
	w := httptest.NewRecorder()
	h.ReceiveBankEvent(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned event: got %d want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMethodGates(t *testing.T) {
	h := NewHandlers(nil, nil, nil)

	cases := []struct {
		name    string
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{"onramps", http.MethodGet, "/v1/onramps", h.InitiateOnRamp},
		{"bank-events", http.MethodGet, "/v1/bank-events", h.ReceiveBankEvent},
		{"transfers", http.MethodDelete, "/v1/transfers", h.PostTransfer},
		{"merchants", http.MethodGet, "/v1/merchants", h.RegisterMerchant},
		{"balance", http.MethodPost, "/v1/accounts/x/balance", h.GetBalanceByPath},
		{"settlements", http.MethodGet, "/v1/settlements/run", h.RunSettlements},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.path, nil)
			w := httptest.NewRecorder()
			tc.handler(w, r)
			if w.Code != http.StatusMethodNotAllowed {
				t.Fatalf("got %d want %d", w.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestBalancePathParsing(t *testing.T) {
	h := NewHandlers(nil, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/v1/accounts/not-a-uuid/balance", nil)
	w := httptest.NewRecorder()
	h.GetBalanceByPath(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad uuid: got %d want %d", w.Code, http.StatusBadRequest)
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/accounts/xyz", nil)
	w = httptest.NewRecorder()
	h.GetBalanceByPath(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("bad path: got %d want %d", w.Code, http.StatusNotFound)
	}
}

func TestConcurrencyLimitFastFails(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-block
	})
	limited := withConcurrencyLimit(inner, 1)

	go limited.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	<-entered // the single slot is now held

	w := httptest.NewRecorder()
	limited.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	close(block)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected fast-fail 503, got %d", w.Code)
	}
}
