/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * Mutating endpoints require an Idempotency-Key header and run through the
 * idempotency guard, so a stored response is replayed byte-for-byte on retry.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and typed errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atlasbank/ledger-service/internal/app"
	"github.com/atlasbank/ledger-service/internal/domain"
	"github.com/atlasbank/ledger-service/internal/store"
)

const maxBodyBytes = 1 << 20

// LedgerHandlers holds the collaborators the HTTP handlers use.
type LedgerHandlers struct {
	service *app.Service
	guard   *app.Guard
	limiter *app.RedisRateLimiter
	tokens  *TokenIssuer

	transferRateLimitPerMinute int
}

// NewLedgerHandlers creates the handler set. limiter may be nil, which
// disables rate limiting.
func NewLedgerHandlers(service *app.Service, guard *app.Guard, limiter *app.RedisRateLimiter, tokens *TokenIssuer, transferRateLimitPerMinute int) *LedgerHandlers {
	return &LedgerHandlers{
		service: service,
		guard:   guard,
		limiter: limiter,
		tokens:  tokens,

		transferRateLimitPerMinute: transferRateLimitPerMinute,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type transferRequest struct {
	RecipientEmail string `json:"recipient_email"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Memo           string `json:"memo"`
}

type transferResponse struct {
	TransferID  string `json:"transfer_id"`
	JournalID   string `json:"journal_id"`
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

type reversalResponse struct {
	TransferID        string `json:"transfer_id"`
	OriginalJournalID string `json:"original_journal_id"`
	ReversalJournalID string `json:"reversal_journal_id"`
	Reference         string `json:"reference"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
}

type transferView struct {
	TransferID        string     `json:"transfer_id"`
	JournalID         string     `json:"journal_id"`
	SenderUserID      string     `json:"sender_user_id"`
	RecipientUserID   string     `json:"recipient_user_id"`
	AmountMinor       int64      `json:"amount_minor"`
	Currency          string     `json:"currency"`
	Memo              string     `json:"memo"`
	Status            string     `json:"status"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	ReversalJournalID *string    `json:"reversal_journal_id,omitempty"`
	ReversedAt        *time.Time `json:"reversed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RegisterHandler provisions a user and their default-currency account.
func (h *LedgerHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_json")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(req.Email); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_email")
		return
	}
	if len(req.Password) < 8 {
		h.writeError(w, http.StatusUnprocessableEntity, "password_too_short")
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			h.writeError(w, http.StatusConflict, "email_taken")
			return
		}
		log.Printf("level=error component=api endpoint=register outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, string(domain.CodeInternal))
		return
	}

	log.Printf("level=info component=api endpoint=register outcome=created user_id=%s", user.ID)
	h.writeJSON(w, http.StatusCreated, registerResponse{UserID: user.ID.String(), Email: user.Email})
}

// LoginHandler verifies credentials and mints an access token.
func (h *LedgerHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_json")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		log.Printf("level=error component=api endpoint=login outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, string(domain.CodeInternal))
		return
	}

	token, expiresAt, err := h.tokens.Issue(user.ID)
	if err != nil {
		log.Printf("level=error component=api endpoint=login outcome=failed reason=token_issue err=%v", err)
		h.writeError(w, http.StatusInternalServerError, string(domain.CodeInternal))
		return
	}

	h.writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expiresAt).Seconds()),
	})
}

// InternalTransferHandler moves money between two users of the service.
func (h *LedgerHandlers) InternalTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	if !h.allowRate(w, r, "transfer", senderID) {
		return
	}

	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_body")
		return
	}
	var req transferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_json")
		return
	}

	req.RecipientEmail = strings.ToLower(strings.TrimSpace(req.RecipientEmail))
	if _, err := mail.ParseAddress(req.RecipientEmail); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_recipient_email")
		return
	}
	if req.AmountMinor <= 0 {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_amount")
		return
	}
	if req.Currency == "" {
		req.Currency = domain.SupportedCurrencies[0]
	}
	if !domain.IsSupportedCurrency(req.Currency) {
		h.writeError(w, http.StatusUnprocessableEntity, "unsupported_currency")
		return
	}
	if len(req.Memo) > domain.MemoMaxLength {
		h.writeError(w, http.StatusUnprocessableEntity, "memo_too_long")
		return
	}

	fingerprint := app.Fingerprint(r.Method, r.URL.Path, body)
	outcome, replayed, err := h.guard.Execute(r.Context(), senderID, key, fingerprint, func(ctx context.Context) (app.Outcome, error) {
		result, err := h.service.Transfer(ctx, senderID, domain.TransferRequest{
			RecipientEmail: req.RecipientEmail,
			AmountMinor:    req.AmountMinor,
			Currency:       req.Currency,
			Memo:           req.Memo,
		})
		if err != nil {
			if code, ok := domain.ErrorCode(err); ok {
				return h.domainOutcome(code), nil
			}
			return app.Outcome{}, err
		}
		return h.jsonOutcome(http.StatusCreated, transferResponse{
			TransferID:  result.TransferID.String(),
			JournalID:   result.JournalID.String(),
			Reference:   result.Reference,
			AmountMinor: result.AmountMinor,
			Currency:    result.Currency,
			Status:      result.Status,
		})
	})
	h.writeGuardResult(w, "internal_transfer", senderID, outcome, replayed, err)
}

// ReverseTransferHandler undoes a posted transfer on behalf of its sender.
func (h *LedgerHandlers) ReverseTransferHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	if !h.allowRate(w, r, "reverse", requesterID) {
		return
	}

	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}

	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_transfer_id")
		return
	}

	fingerprint := app.Fingerprint(r.Method, r.URL.Path, nil)
	outcome, replayed, err := h.guard.Execute(r.Context(), requesterID, key, fingerprint, func(ctx context.Context) (app.Outcome, error) {
		result, err := h.service.Reverse(ctx, requesterID, transferID)
		if err != nil {
			if code, ok := domain.ErrorCode(err); ok {
				return h.domainOutcome(code), nil
			}
			return app.Outcome{}, err
		}
		return h.jsonOutcome(http.StatusOK, reversalResponse{
			TransferID:        result.TransferID.String(),
			OriginalJournalID: result.OriginalJournalID.String(),
			ReversalJournalID: result.ReversalJournalID.String(),
			Reference:         result.Reference,
			AmountMinor:       result.AmountMinor,
			Currency:          result.Currency,
			Status:            result.Status,
		})
	})
	h.writeGuardResult(w, "reverse_transfer", requesterID, outcome, replayed, err)
}

// GetTransferHandler returns one transfer visible to the caller.
func (h *LedgerHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_transfer_id")
		return
	}

	transfer, err := h.service.GetTransfer(r.Context(), requesterID, transferID)
	if err != nil {
		if code, ok := domain.ErrorCode(err); ok {
			h.writeError(w, statusForDomainCode(code), string(code))
			return
		}
		log.Printf("level=error component=api endpoint=get_transfer outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, string(domain.CodeInternal))
		return
	}

	view := transferView{
		TransferID:      transfer.ID.String(),
		JournalID:       transfer.JournalID.String(),
		SenderUserID:    transfer.SenderUserID.String(),
		RecipientUserID: transfer.RecipientUserID.String(),
		AmountMinor:     transfer.AmountMinor,
		Currency:        transfer.Currency,
		Memo:            transfer.Memo,
		Status:          transfer.Status,
		FailureReason:   transfer.FailureReason,
		ReversedAt:      transfer.ReversedAt,
		CreatedAt:       transfer.CreatedAt,
	}
	if transfer.ReversalJournalID != nil {
		s := transfer.ReversalJournalID.String()
		view.ReversalJournalID = &s
	}
	h.writeJSON(w, http.StatusOK, view)
}

// idempotencyKey extracts and bounds-checks the Idempotency-Key header,
// writing the rejection itself when the key is unusable.
func (h *LedgerHandlers) idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		h.writeError(w, http.StatusUnprocessableEntity, "missing_idempotency_key")
		return "", false
	}
	if len(key) > domain.IdempotencyKeyMaxLength {
		h.writeError(w, http.StatusUnprocessableEntity, "idempotency_key_too_long")
		return "", false
	}
	return key, true
}

func (h *LedgerHandlers) allowRate(w http.ResponseWriter, r *http.Request, scope string, userID uuid.UUID) bool {
	if h.limiter == nil || h.transferRateLimitPerMinute <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, userID.String(), h.transferRateLimitPerMinute, time.Minute)
	if err != nil {
		// Redis being down must not block money movement.
		log.Printf("level=warn component=api scope=%s msg=\"rate limiter unavailable\" err=%v", scope, err)
		return true
	}
	if count > h.transferRateLimitPerMinute {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "rate_limited")
		return false
	}
	return true
}

func (h *LedgerHandlers) writeGuardResult(w http.ResponseWriter, endpoint string, userID uuid.UUID, outcome app.Outcome, replayed bool, err error) {
	if err != nil {
		if code, ok := domain.ErrorCode(err); ok {
			h.writeError(w, statusForDomainCode(code), string(code))
			return
		}
		log.Printf("level=error component=api endpoint=%s outcome=failed user_id=%s err=%v", endpoint, userID, err)
		h.writeError(w, http.StatusInternalServerError, string(domain.CodeInternal))
		return
	}
	if replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcome.Status)
	w.Write(outcome.Body)
}

func (h *LedgerHandlers) domainOutcome(code domain.Code) app.Outcome {
	body, _ := json.Marshal(errorResponse{Error: string(code)})
	return app.Outcome{Status: statusForDomainCode(code), Body: body}
}

func (h *LedgerHandlers) jsonOutcome(status int, data interface{}) (app.Outcome, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return app.Outcome{}, err
	}
	return app.Outcome{Status: status, Body: body}, nil
}

// statusForDomainCode maps the closed error enumeration onto HTTP statuses:
// the not-found family is 404, key reuse with a different payload is 422,
// everything else a business rule rejected is 409.
func statusForDomainCode(code domain.Code) int {
	switch code {
	case domain.CodeRecipientNotFound,
		domain.CodeSenderAccountNotFound,
		domain.CodeRecipientAccountNotFound,
		domain.CodeAccountNotFound,
		domain.CodeTransferNotFound:
		return http.StatusNotFound
	case domain.CodeIdempotencyKeyReuse:
		return http.StatusUnprocessableEntity
	case domain.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, code string) {
	h.writeJSON(w, status, errorResponse{Error: code})
}
