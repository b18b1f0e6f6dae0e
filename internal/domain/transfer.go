package domain

import "github.com/google/uuid"

// MemoMaxLength bounds the free-form memo attached to a transfer.
const MemoMaxLength = 180

// IdempotencyKeyMaxLength bounds the client-supplied idempotency key.
const IdempotencyKeyMaxLength = 200

// TransferRequest is the validated input for an internal transfer. The
// caller identity arrives separately from the authentication layer.
type TransferRequest struct {
	RecipientEmail string `json:"recipient_email"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Memo           string `json:"memo"`
}

// TransferResult is the caller-visible outcome of a posted transfer.
type TransferResult struct {
	TransferID  uuid.UUID `json:"transfer_id"`
	JournalID   uuid.UUID `json:"journal_id"`
	Reference   string    `json:"reference"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
}

// ReversalResult is the caller-visible outcome of a posted reversal.
type ReversalResult struct {
	TransferID        uuid.UUID `json:"transfer_id"`
	OriginalJournalID uuid.UUID `json:"original_journal_id"`
	ReversalJournalID uuid.UUID `json:"reversal_journal_id"`
	Reference         string    `json:"reference"`
	AmountMinor       int64     `json:"amount_minor"`
	Currency          string    `json:"currency"`
	RecipientUserID   uuid.UUID `json:"recipient_user_id"`
	Status            string    `json:"status"`
}
