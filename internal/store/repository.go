/**
 * @description
 * This file defines the contracts for the ledger's data access layer. The
 * `Ledger` interface is the store handle the application service holds; the
 * `LedgerTx` interface is the session scoped to one atomic unit of work.
 * Decoupling the engine from the PostgreSQL implementation keeps the money
 * movement logic testable against an in-memory fake.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/atlasbank/ledger-service/internal/domain"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrKeyNotFound      = errors.New("idempotency key not found")
	ErrKeyReserved      = errors.New("idempotency key already reserved")
	ErrEmailTaken       = errors.New("email already registered")
)

// Ledger is the durable store the engine runs against. WithinTx executes a
// unit of work atomically with bounded retry on transient store conflicts
// (serialization failures, deadlocks, lock-wait timeouts); anything else,
// including domain failures, propagates unchanged after rollback.
type Ledger interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// Idempotency records live outside the money-movement transaction so a
	// reservation is visible to racing duplicates immediately.
	GetIdempotencyRecord(ctx context.Context, owner uuid.UUID, key string) (*domain.IdempotencyRecord, error)
	ReserveIdempotencyKey(ctx context.Context, owner uuid.UUID, key, requestHash string) error
	CompleteIdempotencyRecord(ctx context.Context, owner uuid.UUID, key string, status int, body []byte) error
	ReleaseIdempotencyKey(ctx context.Context, owner uuid.UUID, key string) error

	// Onboarding: a user is always created together with a zero-balance
	// account in the default currency.
	CreateUserWithAccount(ctx context.Context, email, passwordHash, currency string) (*domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
}

// LedgerTx is the transactional session handed to a unit of work. All reads
// and writes inside one WithinTx call share a single store transaction and
// its row locks.
type LedgerTx interface {
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	FindAccount(ctx context.Context, userID uuid.UUID, currency string) (*domain.Account, error)

	// LockAccount acquires an exclusive row lock and returns the balance as
	// of lock acquisition. Callers are responsible for a deterministic
	// acquisition order across accounts.
	LockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	AdjustBalance(ctx context.Context, accountID uuid.UUID, deltaMinor int64) error

	InsertJournal(ctx context.Context, journal *domain.Journal) error
	SetJournalStatus(ctx context.Context, journalID uuid.UUID, status string) error
	InsertPosting(ctx context.Context, posting *domain.Posting) error

	InsertTransfer(ctx context.Context, transfer *domain.Transfer) error
	LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status string, failureReason *string) error
	FinalizeTransferReversed(ctx context.Context, transferID, reversalJournalID uuid.UUID) error

	RecordTransferEvent(ctx context.Context, event *domain.TransferEvent) error
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
}
