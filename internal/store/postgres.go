/**
 * @description
 * This file provides the PostgreSQL implementation of the `Ledger` and
 * `LedgerTx` interfaces. It contains all the SQL for the ledger schema:
 * users, accounts, journals, postings, transfers, transfer_events,
 * idempotency_keys and audit_logs.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlasbank/ledger-service/internal/domain"
)

// PostgresLedger is the concrete Ledger backed by a pgx connection pool.
type PostgresLedger struct {
	db          *pgxpool.Pool
	maxAttempts int
}

// NewPostgresLedger creates a new ledger store. maxAttempts bounds the
// transaction runner's retry budget; values below 1 fall back to the
// default.
func NewPostgresLedger(db *pgxpool.Pool, maxAttempts int) *PostgresLedger {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PostgresLedger{db: db, maxAttempts: maxAttempts}
}

// WithinTx runs fn inside one database transaction at REPEATABLE READ,
// retrying transient conflicts per the transaction runner's policy. Each
// attempt starts from a fresh transaction.
func (l *PostgresLedger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	return runWithRetry(ctx, l.maxAttempts, func() error {
		tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
		if err != nil {
			return fmt.Errorf("tx begin failed: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &ledgerTx{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("tx commit failed: %w", err)
		}
		return nil
	})
}

// GetIdempotencyRecord fetches the record for (owner, key).
func (l *PostgresLedger) GetIdempotencyRecord(ctx context.Context, owner uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	query := `
		SELECT id, owner_user_id, idem_key, request_hash, response_status, response_body, created_at
		FROM idempotency_keys
		WHERE owner_user_id = $1 AND idem_key = $2
	`
	err := l.db.QueryRow(ctx, query, owner, key).Scan(
		&rec.ID, &rec.OwnerUserID, &rec.Key, &rec.RequestHash,
		&rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ReserveIdempotencyKey inserts the reservation row. A racing duplicate
// trips the unique index and is reported as ErrKeyReserved.
func (l *PostgresLedger) ReserveIdempotencyKey(ctx context.Context, owner uuid.UUID, key, requestHash string) error {
	query := `
		INSERT INTO idempotency_keys (id, owner_user_id, idem_key, request_hash)
		VALUES ($1, $2, $3, $4)
	`
	_, err := l.db.Exec(ctx, query, uuid.New(), owner, key, requestHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrKeyReserved
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

// CompleteIdempotencyRecord stores the response for future replay. The
// stored response is immutable: a completed record is never overwritten.
func (l *PostgresLedger) CompleteIdempotencyRecord(ctx context.Context, owner uuid.UUID, key string, status int, body []byte) error {
	query := `
		UPDATE idempotency_keys
		SET response_status = $3, response_body = $4
		WHERE owner_user_id = $1 AND idem_key = $2 AND response_status IS NULL
	`
	result, err := l.db.Exec(ctx, query, owner, key, status, body)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ReleaseIdempotencyKey drops an unfinished reservation so the caller can
// retry after an internal failure. Completed records are never released.
func (l *PostgresLedger) ReleaseIdempotencyKey(ctx context.Context, owner uuid.UUID, key string) error {
	query := `
		DELETE FROM idempotency_keys
		WHERE owner_user_id = $1 AND idem_key = $2 AND response_status IS NULL
	`
	_, err := l.db.Exec(ctx, query, owner, key)
	return err
}

// CreateUserWithAccount provisions a user and their zero-balance account
// atomically.
func (l *PostgresLedger) CreateUserWithAccount(ctx context.Context, email, passwordHash, currency string) (*domain.User, error) {
	user := &domain.User{ID: uuid.New(), Email: email}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)",
		user.ID, email, passwordHash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO accounts (id, user_id, currency, balance_minor) VALUES ($1, $2, $3, 0)",
		uuid.New(), user.ID, currency,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return user, nil
}

// FindUserByEmail resolves a user outside any transaction, password hash
// included, for credential verification.
func (l *PostgresLedger) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, email, password_hash, created_at FROM users WHERE lower(email) = lower($1)`
	err := l.db.QueryRow(ctx, query, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetTransfer reads one transfer outside any transaction.
func (l *PostgresLedger) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return scanTransfer(l.db.QueryRow(ctx, transferSelect+" WHERE id = $1", transferID))
}

const transferSelect = `
	SELECT id, journal_id, sender_user_id, sender_account_id,
	       recipient_user_id, recipient_account_id, amount_minor, currency,
	       COALESCE(memo, ''), status, failure_reason, reversal_journal_id,
	       reversed_at, created_at, updated_at
	FROM transfers`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(
		&t.ID, &t.JournalID, &t.SenderUserID, &t.SenderAccountID,
		&t.RecipientUserID, &t.RecipientAccountID, &t.AmountMinor, &t.Currency,
		&t.Memo, &t.Status, &t.FailureReason, &t.ReversalJournalID,
		&t.ReversedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ledgerTx implements LedgerTx on top of one pgx transaction.
type ledgerTx struct {
	tx pgx.Tx
}

func (s *ledgerTx) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, email, password_hash, created_at FROM users WHERE lower(email) = lower($1)`
	err := s.tx.QueryRow(ctx, query, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *ledgerTx) FindAccount(ctx context.Context, userID uuid.UUID, currency string) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT id, user_id, currency, balance_minor, created_at
		FROM accounts
		WHERE user_id = $1 AND currency = $2
	`
	err := s.tx.QueryRow(ctx, query, userID, currency).Scan(
		&account.ID, &account.UserID, &account.Currency, &account.BalanceMinor, &account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *ledgerTx) LockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT id, user_id, currency, balance_minor, created_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`
	err := s.tx.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.UserID, &account.Currency, &account.BalanceMinor, &account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return &account, nil
}

func (s *ledgerTx) AdjustBalance(ctx context.Context, accountID uuid.UUID, deltaMinor int64) error {
	result, err := s.tx.Exec(ctx,
		"UPDATE accounts SET balance_minor = balance_minor + $1 WHERE id = $2",
		deltaMinor, accountID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *ledgerTx) InsertJournal(ctx context.Context, journal *domain.Journal) error {
	_, err := s.tx.Exec(ctx,
		"INSERT INTO journals (id, type, reference, status) VALUES ($1, $2, $3, $4)",
		journal.ID, journal.Type, journal.Reference, journal.Status,
	)
	return err
}

func (s *ledgerTx) SetJournalStatus(ctx context.Context, journalID uuid.UUID, status string) error {
	result, err := s.tx.Exec(ctx,
		"UPDATE journals SET status = $1 WHERE id = $2",
		status, journalID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("journal %s not found", journalID)
	}
	return nil
}

func (s *ledgerTx) InsertPosting(ctx context.Context, posting *domain.Posting) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO postings (id, journal_id, account_id, direction, amount_minor, currency)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		posting.ID, posting.JournalID, posting.AccountID,
		posting.Direction, posting.AmountMinor, posting.Currency,
	)
	return err
}

func (s *ledgerTx) InsertTransfer(ctx context.Context, transfer *domain.Transfer) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO transfers (
			id, journal_id, sender_user_id, sender_account_id,
			recipient_user_id, recipient_account_id, amount_minor, currency,
			memo, status, failure_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`,
		transfer.ID, transfer.JournalID, transfer.SenderUserID, transfer.SenderAccountID,
		transfer.RecipientUserID, transfer.RecipientAccountID, transfer.AmountMinor, transfer.Currency,
		transfer.Memo, transfer.Status, transfer.FailureReason,
	)
	return err
}

func (s *ledgerTx) LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return scanTransfer(s.tx.QueryRow(ctx, transferSelect+" WHERE id = $1 FOR UPDATE", transferID))
}

func (s *ledgerTx) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return scanTransfer(s.tx.QueryRow(ctx, transferSelect+" WHERE id = $1", transferID))
}

func (s *ledgerTx) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status string, failureReason *string) error {
	result, err := s.tx.Exec(ctx,
		"UPDATE transfers SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3",
		status, failureReason, transferID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (s *ledgerTx) FinalizeTransferReversed(ctx context.Context, transferID, reversalJournalID uuid.UUID) error {
	result, err := s.tx.Exec(ctx, `
		UPDATE transfers
		SET status = 'reversed',
		    reversal_journal_id = $2,
		    reversed_at = NOW(),
		    failure_reason = NULL,
		    updated_at = NOW()
		WHERE id = $1`,
		transferID, reversalJournalID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (s *ledgerTx) RecordTransferEvent(ctx context.Context, event *domain.TransferEvent) error {
	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("event metadata marshal failed: %w", err)
	}
	_, err = s.tx.Exec(ctx, `
		INSERT INTO transfer_events (id, transfer_id, actor_user_id, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.TransferID, event.ActorID,
		event.FromStatus, event.ToStatus, event.Reason, meta,
	)
	return err
}

func (s *ledgerTx) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("audit metadata marshal failed: %w", err)
	}
	_, err = s.tx.Exec(ctx,
		"INSERT INTO audit_logs (id, actor_user_id, action, meta_json) VALUES ($1, $2, $3, $4)",
		entry.ID, entry.ActorUserID, entry.Action, meta,
	)
	return err
}
