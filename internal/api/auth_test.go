package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testIssuer() *TokenIssuer {
	return NewTokenIssuer("test-signing-key", "atlas-bank", "atlas-bank-users", 15*time.Minute)
}

func TestTokenRoundTrip(t *testing.T) {
	issuer := testIssuer()
	userID := uuid.New()

	token, expiresAt, err := issuer.Issue(userID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected a future expiry, got %v", expiresAt)
	}

	got, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if got != userID {
		t.Fatalf("expected subject %s, got %s", userID, got)
	}
}

func TestTokenValidationRejections(t *testing.T) {
	issuer := testIssuer()

	t.Run("garbage token", func(t *testing.T) {
		if _, err := issuer.Validate("not-a-token"); err == nil {
			t.Fatalf("expected rejection")
		}
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other := NewTokenIssuer("different-key", "atlas-bank", "atlas-bank-users", 15*time.Minute)
		token, _, err := other.Issue(uuid.New())
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		if _, err := issuer.Validate(token); err == nil {
			t.Fatalf("expected signature rejection")
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewTokenIssuer("test-signing-key", "atlas-bank", "another-audience", 15*time.Minute)
		token, _, err := other.Issue(uuid.New())
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		if _, err := issuer.Validate(token); err == nil {
			t.Fatalf("expected audience rejection")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		expired := NewTokenIssuer("test-signing-key", "atlas-bank", "atlas-bank-users", -time.Minute)
		token, _, err := expired.Issue(uuid.New())
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		if _, err := issuer.Validate(token); err == nil {
			t.Fatalf("expected expiry rejection")
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	issuer := testIssuer()
	userID := uuid.New()
	token, _, err := issuer.Issue(userID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	var gotUserID uuid.UUID
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotUserID, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := AuthMiddleware(issuer)(next)

	t.Run("valid bearer token", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/transfers/abc", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if !called {
			t.Fatalf("expected next handler to run")
		}
		if gotUserID != userID {
			t.Fatalf("expected user id %s on context, got %s", userID, gotUserID)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/transfers/abc", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if called {
			t.Fatalf("handler must not run without credentials")
		}
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/transfers/abc", nil)
		req.Header.Set("Authorization", token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if called || rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for non-bearer header, got %d", rec.Code)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/transfers/abc", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if called || rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
		}
	})
}
