package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/atlasbank/ledger-service/internal/domain"
)

// newAuthedRequest builds a request that looks like it already passed the
// auth middleware.
func newAuthedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := context.WithValue(req.Context(), authUserIDKey, uuid.New())
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("response is not an error body: %v", err)
	}
	return resp.Error
}

func TestInternalTransferHandlerValidation(t *testing.T) {
	// Validation rejections happen before the service or guard is touched,
	// so neither needs to be wired.
	h := NewLedgerHandlers(nil, nil, nil, nil, 0)

	validBody := `{"recipient_email":"bob@example.com","amount_minor":100,"currency":"NGN"}`

	tests := []struct {
		name     string
		key      string
		body     string
		wantCode string
	}{
		{name: "missing idempotency key", key: "", body: validBody, wantCode: "missing_idempotency_key"},
		{name: "oversized idempotency key", key: strings.Repeat("k", domain.IdempotencyKeyMaxLength+1), body: validBody, wantCode: "idempotency_key_too_long"},
		{name: "invalid json", key: "key-1", body: `{`, wantCode: "invalid_json"},
		{name: "invalid recipient email", key: "key-1", body: `{"recipient_email":"not-an-email","amount_minor":100}`, wantCode: "invalid_recipient_email"},
		{name: "zero amount", key: "key-1", body: `{"recipient_email":"bob@example.com","amount_minor":0}`, wantCode: "invalid_amount"},
		{name: "negative amount", key: "key-1", body: `{"recipient_email":"bob@example.com","amount_minor":-5}`, wantCode: "invalid_amount"},
		{name: "unsupported currency", key: "key-1", body: `{"recipient_email":"bob@example.com","amount_minor":100,"currency":"USD"}`, wantCode: "unsupported_currency"},
		{name: "memo too long", key: "key-1", body: `{"recipient_email":"bob@example.com","amount_minor":100,"memo":"` + strings.Repeat("x", domain.MemoMaxLength+1) + `"}`, wantCode: "memo_too_long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newAuthedRequest(http.MethodPost, "/transfers/internal", tt.body)
			if tt.key != "" {
				req.Header.Set("Idempotency-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.InternalTransferHandler(rec, req)

			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d", rec.Code)
			}
			if got := decodeError(t, rec); got != tt.wantCode {
				t.Fatalf("expected error %q, got %q", tt.wantCode, got)
			}
		})
	}
}

func TestInternalTransferHandlerRequiresAuthContext(t *testing.T) {
	h := NewLedgerHandlers(nil, nil, nil, nil, 0)
	req := httptest.NewRequest(http.MethodPost, "/transfers/internal", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.InternalTransferHandler(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without auth context, got %d", rec.Code)
	}
}

func TestReverseTransferHandlerRejectsBadTransferID(t *testing.T) {
	h := NewLedgerHandlers(nil, nil, nil, nil, 0)
	req := newAuthedRequest(http.MethodPost, "/transfers/not-a-uuid/reverse", "")
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	h.ReverseTransferHandler(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got != "invalid_transfer_id" {
		t.Fatalf("expected invalid_transfer_id, got %q", got)
	}
}

func TestStatusForDomainCode(t *testing.T) {
	tests := []struct {
		code domain.Code
		want int
	}{
		{code: domain.CodeRecipientNotFound, want: http.StatusNotFound},
		{code: domain.CodeSenderAccountNotFound, want: http.StatusNotFound},
		{code: domain.CodeRecipientAccountNotFound, want: http.StatusNotFound},
		{code: domain.CodeAccountNotFound, want: http.StatusNotFound},
		{code: domain.CodeTransferNotFound, want: http.StatusNotFound},
		{code: domain.CodeInsufficientFunds, want: http.StatusConflict},
		{code: domain.CodeCannotTransferToSelf, want: http.StatusConflict},
		{code: domain.CodeNotAllowed, want: http.StatusConflict},
		{code: domain.CodeAlreadyReversed, want: http.StatusConflict},
		{code: domain.CodeNotReversible, want: http.StatusConflict},
		{code: domain.CodeReversalInsufficientFunds, want: http.StatusConflict},
		{code: domain.CodeRequestInProgress, want: http.StatusConflict},
		{code: domain.CodeIdempotencyKeyReuse, want: http.StatusUnprocessableEntity},
		{code: domain.CodeInternal, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := statusForDomainCode(tt.code); got != tt.want {
				t.Fatalf("statusForDomainCode(%q) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}
