/**
 * @description
 * This file defines the core domain models for the ledger-service.
 * These structs map directly to the durable schema: accounts, journals,
 * postings, transfers, transfer_events, idempotency_keys and audit_logs.
 *
 * @notes
 * - Amounts are stored as `int64` in minor currency units (kobo), which
 *   avoids floating-point inaccuracies with financial data.
 * - Journals and postings are append-only: a correction is always a new
 *   journal with mirrored postings, never an edit in place.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Journal statuses. A journal only ever moves forward:
// pending -> posted -> reversed.
const (
	JournalPending  = "pending"
	JournalPosted   = "posted"
	JournalReversed = "reversed"
)

// Journal types.
const (
	JournalTypeInternalTransfer = "internal_transfer"
	JournalTypeTransferReversal = "internal_transfer_reversal"
)

// Transfer statuses.
const (
	TransferPending         = "pending"
	TransferPosted          = "posted"
	TransferReversalPending = "reversal_pending"
	TransferReversed        = "reversed"
	TransferFailed          = "failed"
)

// Posting directions.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// SupportedCurrencies is the closed set of currencies accounts can hold.
var SupportedCurrencies = []string{"NGN"}

// IsSupportedCurrency reports whether the given ISO code is accepted.
func IsSupportedCurrency(currency string) bool {
	for _, c := range SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

// User is an account holder. Authentication resolves a bearer token to a
// user id; the engine only ever sees the id and the email used to address
// transfer recipients.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds a single-currency balance for a user.
// BalanceMinor must never go negative as the result of a posted operation.
type Account struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	Currency     string    `json:"currency"`
	BalanceMinor int64     `json:"balance_minor"`
	CreatedAt    time.Time `json:"created_at"`
}

// Journal is an atomic accounting event header composed of balanced postings.
type Journal struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Posting is one leg (debit or credit) of a journal entry against one account.
// For every journal the debit legs and credit legs sum to the same amount.
type Posting struct {
	ID          uuid.UUID `json:"id"`
	JournalID   uuid.UUID `json:"journal_id"`
	AccountID   uuid.UUID `json:"account_id"`
	Direction   string    `json:"direction"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transfer is the domain-level record of one internal money movement.
type Transfer struct {
	ID                 uuid.UUID  `json:"id"`
	JournalID          uuid.UUID  `json:"journal_id"`
	SenderUserID       uuid.UUID  `json:"sender_user_id"`
	SenderAccountID    uuid.UUID  `json:"sender_account_id"`
	RecipientUserID    uuid.UUID  `json:"recipient_user_id"`
	RecipientAccountID uuid.UUID  `json:"recipient_account_id"`
	AmountMinor        int64      `json:"amount_minor"`
	Currency           string     `json:"currency"`
	Memo               string     `json:"memo,omitempty"`
	Status             string     `json:"status"`
	FailureReason      *string    `json:"failure_reason,omitempty"`
	ReversalJournalID  *uuid.UUID `json:"reversal_journal_id,omitempty"`
	ReversedAt         *time.Time `json:"reversed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TransferEvent is one append-only status transition record for a transfer.
// Events are written for audit and reconstruction only; they never drive
// control decisions.
type TransferEvent struct {
	ID         uuid.UUID      `json:"id"`
	TransferID uuid.UUID      `json:"transfer_id"`
	ActorID    uuid.UUID      `json:"actor_user_id"`
	FromStatus *string        `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status"`
	Reason     *string        `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IdempotencyRecord maps an (owner, key) pair to the fingerprint of the
// request that reserved it and, once the guarded operation finished, the
// exact response that must be replayed for duplicates.
type IdempotencyRecord struct {
	ID             uuid.UUID       `json:"id"`
	OwnerUserID    uuid.UUID       `json:"owner_user_id"`
	Key            string          `json:"key"`
	RequestHash    string          `json:"request_hash"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditEntry is one append-only row in the audit log.
type AuditEntry struct {
	ID          uuid.UUID      `json:"id"`
	ActorUserID uuid.UUID      `json:"actor_user_id"`
	Action      string         `json:"action"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
