package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode Code
		wantOK   bool
	}{
		{name: "direct", err: NewError(CodeInsufficientFunds), wantCode: CodeInsufficientFunds, wantOK: true},
		{name: "wrapped", err: fmt.Errorf("transfer rejected: %w", NewError(CodeNotAllowed)), wantCode: CodeNotAllowed, wantOK: true},
		{name: "plain error", err: errors.New("connection refused"), wantOK: false},
		{name: "nil", err: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := ErrorCode(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("ErrorCode(%v) ok = %v, want %v", tt.err, ok, tt.wantOK)
			}
			if ok && code != tt.wantCode {
				t.Fatalf("ErrorCode(%v) = %q, want %q", tt.err, code, tt.wantCode)
			}
			if IsDomainError(tt.err) != tt.wantOK {
				t.Fatalf("IsDomainError(%v) = %v, want %v", tt.err, IsDomainError(tt.err), tt.wantOK)
			}
		})
	}
}

func TestErrorMessageIsTheCode(t *testing.T) {
	err := NewError(CodeAlreadyReversed)
	if err.Error() != string(CodeAlreadyReversed) {
		t.Fatalf("expected %q, got %q", CodeAlreadyReversed, err.Error())
	}
}

func TestIsSupportedCurrency(t *testing.T) {
	if !IsSupportedCurrency("NGN") {
		t.Fatalf("NGN must be supported")
	}
	if IsSupportedCurrency("USD") {
		t.Fatalf("USD must not be supported")
	}
	if IsSupportedCurrency("") {
		t.Fatalf("empty currency must not be supported")
	}
}
