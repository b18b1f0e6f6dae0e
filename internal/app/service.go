/**
 * @description
 * This file contains the core business logic for the ledger-service. The
 * `Service` struct implements the transfer and reversal engine: double-entry
 * journal mutation, the transfer state machine, deadlock-resistant account
 * locking and durable failure recording. All coordination happens through
 * store-level row locks; the engine itself holds no shared mutable state.
 *
 * Key properties:
 * - Account locks are always acquired in ascending identifier order, so
 *   concurrent operations on the same account pair cannot deadlock.
 * - Journals and postings are append-only; a reversal is a new journal with
 *   mirrored postings, never an edit of the original.
 * - A domain failure rolls back the money movement and is then recorded in
 *   a separate committed pass, so failed attempts stay queryable.
 *
 * @dependencies
 * - context, crypto/rand, errors, fmt, log: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - github.com/prometheus/client_golang: Engine counters.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For publishing lifecycle events after commit.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"

	"github.com/atlasbank/ledger-service/internal/domain"
	"github.com/atlasbank/ledger-service/internal/store"
	"github.com/atlasbank/ledger-service/pkg/rabbitmq"
)

// EventsExchange is the broker exchange lifecycle events are published to.
const EventsExchange = "atlasbank.events"

var (
	transfersPostedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transfers_posted_total",
		Help: "Transfers that reached the posted state",
	})
	transfersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_failed_total",
		Help: "Transfer attempts rejected by a business rule, by reason",
	}, []string{"reason"})
	reversalsPostedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reversals_posted_total",
		Help: "Reversals that reached the reversed state",
	})
	reversalsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reversals_failed_total",
		Help: "Reversal attempts rejected by a business rule, by reason",
	}, []string{"reason"})
)

// ErrInvalidCredentials is returned by Authenticate for a bad email or
// password; callers must not learn which.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service provides the core business logic for money movement.
type Service struct {
	ledger store.Ledger
	events rabbitmq.Publisher
}

// NewService creates a new ledger service instance. events may be nil when
// no broker is configured; publishing then degrades to a no-op.
func NewService(ledger store.Ledger, events rabbitmq.Publisher) *Service {
	return &Service{ledger: ledger, events: events}
}

// failedTransferAttempt captures everything needed to durably record a
// transfer attempt whose money movement rolled back.
type failedTransferAttempt struct {
	journal  domain.Journal
	transfer domain.Transfer
}

// Transfer moves amountMinor from the sender to the recipient resolved by
// email, atomically: pending journal/transfer rows, both account rows locked
// in ascending id order, balance re-checked under lock, balanced postings
// written and both balances adjusted, then journal and transfer promoted to
// posted. Domain failures return a typed *domain.Error.
func (s *Service) Transfer(ctx context.Context, senderID uuid.UUID, req domain.TransferRequest) (*domain.TransferResult, error) {
	reference := newReference("internal_")
	transferID := uuid.New()
	journalID := uuid.New()

	var result *domain.TransferResult
	var failure *failedTransferAttempt

	err := s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		// Reset per attempt: the runner may re-run this unit of work.
		failure = nil

		// 1. Resolve the recipient.
		recipient, err := tx.FindUserByEmail(ctx, req.RecipientEmail)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				return domain.NewError(domain.CodeRecipientNotFound)
			}
			return fmt.Errorf("recipient lookup failed: %w", err)
		}
		if recipient.ID == senderID {
			return domain.NewError(domain.CodeCannotTransferToSelf)
		}

		// 2. Resolve both accounts for the currency (not locked yet).
		senderAccount, err := tx.FindAccount(ctx, senderID, req.Currency)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return domain.NewError(domain.CodeSenderAccountNotFound)
			}
			return fmt.Errorf("sender account lookup failed: %w", err)
		}
		recipientAccount, err := tx.FindAccount(ctx, recipient.ID, req.Currency)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return domain.NewError(domain.CodeRecipientAccountNotFound)
			}
			return fmt.Errorf("recipient account lookup failed: %w", err)
		}

		// 3. Create the pending journal, transfer and transition event.
		journal := domain.Journal{
			ID:        journalID,
			Type:      domain.JournalTypeInternalTransfer,
			Reference: reference,
			Status:    domain.JournalPending,
		}
		if err := tx.InsertJournal(ctx, &journal); err != nil {
			return fmt.Errorf("journal insert failed: %w", err)
		}

		transfer := domain.Transfer{
			ID:                 transferID,
			JournalID:          journalID,
			SenderUserID:       senderID,
			SenderAccountID:    senderAccount.ID,
			RecipientUserID:    recipient.ID,
			RecipientAccountID: recipientAccount.ID,
			AmountMinor:        req.AmountMinor,
			Currency:           req.Currency,
			Memo:               req.Memo,
			Status:             domain.TransferPending,
		}
		if err := tx.InsertTransfer(ctx, &transfer); err != nil {
			return fmt.Errorf("transfer insert failed: %w", err)
		}

		if err := tx.RecordTransferEvent(ctx, &domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: transferID,
			ActorID:    senderID,
			ToStatus:   domain.TransferPending,
			Metadata: map[string]any{
				"reference":         reference,
				"amount_minor":      req.AmountMinor,
				"currency":          req.Currency,
				"recipient_user_id": recipient.ID.String(),
			},
		}); err != nil {
			return fmt.Errorf("pending event failed: %w", err)
		}

		// Both parties are known; from here a domain failure is recorded
		// durably even though the money movement rolls back.
		failure = &failedTransferAttempt{journal: journal, transfer: transfer}

		// 4. Lock both accounts in ascending id order and re-read the
		// sender balance under lock.
		firstID, secondID := orderAccountIDs(senderAccount.ID, recipientAccount.ID)
		first, err := tx.LockAccount(ctx, firstID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return domain.NewError(domain.CodeAccountNotFound)
			}
			return err
		}
		second, err := tx.LockAccount(ctx, secondID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return domain.NewError(domain.CodeAccountNotFound)
			}
			return err
		}

		senderBalance := first.BalanceMinor
		if second.ID == senderAccount.ID {
			senderBalance = second.BalanceMinor
		}
		if senderBalance < req.AmountMinor {
			return domain.NewError(domain.CodeInsufficientFunds)
		}

		// 5. Double-entry postings.
		debit := domain.Posting{
			ID: uuid.New(), JournalID: journalID, AccountID: senderAccount.ID,
			Direction: domain.DirectionDebit, AmountMinor: req.AmountMinor, Currency: req.Currency,
		}
		credit := domain.Posting{
			ID: uuid.New(), JournalID: journalID, AccountID: recipientAccount.ID,
			Direction: domain.DirectionCredit, AmountMinor: req.AmountMinor, Currency: req.Currency,
		}
		if err := tx.InsertPosting(ctx, &debit); err != nil {
			return fmt.Errorf("debit posting failed: %w", err)
		}
		if err := tx.InsertPosting(ctx, &credit); err != nil {
			return fmt.Errorf("credit posting failed: %w", err)
		}

		// 6. Adjust balances and promote journal and transfer.
		if err := tx.AdjustBalance(ctx, senderAccount.ID, -req.AmountMinor); err != nil {
			return fmt.Errorf("sender balance update failed: %w", err)
		}
		if err := tx.AdjustBalance(ctx, recipientAccount.ID, req.AmountMinor); err != nil {
			return fmt.Errorf("recipient balance update failed: %w", err)
		}
		if err := tx.SetJournalStatus(ctx, journalID, domain.JournalPosted); err != nil {
			return err
		}
		if err := tx.UpdateTransferStatus(ctx, transferID, domain.TransferPosted, nil); err != nil {
			return err
		}

		if err := tx.RecordTransferEvent(ctx, &domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: transferID,
			ActorID:    senderID,
			FromStatus: strPtr(domain.TransferPending),
			ToStatus:   domain.TransferPosted,
			Metadata: map[string]any{
				"journal_id": journalID.String(),
				"reference":  reference,
			},
		}); err != nil {
			return fmt.Errorf("posted event failed: %w", err)
		}

		// 7. Audit trail.
		if err := tx.AppendAudit(ctx, &domain.AuditEntry{
			ID:          uuid.New(),
			ActorUserID: senderID,
			Action:      "internal_transfer_posted",
			Metadata: map[string]any{
				"transfer_id":       transferID.String(),
				"journal_id":        journalID.String(),
				"reference":         reference,
				"amount_minor":      req.AmountMinor,
				"currency":          req.Currency,
				"recipient_user_id": recipient.ID.String(),
			},
		}); err != nil {
			return fmt.Errorf("audit append failed: %w", err)
		}

		failure = nil
		result = &domain.TransferResult{
			TransferID:  transferID,
			JournalID:   journalID,
			Reference:   reference,
			AmountMinor: req.AmountMinor,
			Currency:    req.Currency,
			Status:      domain.TransferPosted,
		}
		return nil
	})

	if err == nil {
		transfersPostedTotal.Inc()
		s.publish(ctx, "transfer.posted", rabbitmq.TransferPostedEvent{
			TransferID:  result.TransferID,
			JournalID:   result.JournalID,
			Reference:   result.Reference,
			AmountMinor: result.AmountMinor,
			Currency:    result.Currency,
		})
		return result, nil
	}

	if code, ok := domain.ErrorCode(err); ok {
		transfersFailedTotal.WithLabelValues(string(code)).Inc()
		if failure != nil {
			s.recordFailedTransfer(ctx, failure, code)
		}
	}
	return nil, err
}

// recordFailedTransfer commits a failed transfer row and its event trail in
// a fresh transaction, after the money movement itself rolled back. Losing
// this write only degrades the audit trail, never correctness, so errors
// are logged and swallowed.
func (s *Service) recordFailedTransfer(ctx context.Context, attempt *failedTransferAttempt, code domain.Code) {
	reason := string(code)
	err := s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		if err := tx.InsertJournal(ctx, &attempt.journal); err != nil {
			return err
		}
		failed := attempt.transfer
		failed.Status = domain.TransferFailed
		failed.FailureReason = &reason
		if err := tx.InsertTransfer(ctx, &failed); err != nil {
			return err
		}
		if err := tx.RecordTransferEvent(ctx, &domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: failed.ID,
			ActorID:    failed.SenderUserID,
			ToStatus:   domain.TransferPending,
			Metadata:   map[string]any{"reference": attempt.journal.Reference},
		}); err != nil {
			return err
		}
		return tx.RecordTransferEvent(ctx, &domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: failed.ID,
			ActorID:    failed.SenderUserID,
			FromStatus: strPtr(domain.TransferPending),
			ToStatus:   domain.TransferFailed,
			Reason:     &reason,
			Metadata:   map[string]any{"reference": attempt.journal.Reference},
		})
	})
	if err != nil {
		log.Printf("level=warn component=engine msg=\"failed-transfer record not persisted\" transfer_id=%s reason=%s err=%v",
			attempt.transfer.ID, reason, err)
	}
}

// Reverse undoes a posted transfer on behalf of its original sender. The
// recipient must still hold the amount: money already spent is not clawed
// back. The original journal is marked reversed and a new reversal journal
// with mirrored postings carries the correction.
func (s *Service) Reverse(ctx context.Context, requesterID, transferID uuid.UUID) (*domain.ReversalResult, error) {
	reference := newReference("reversal_")
	reversalJournalID := uuid.New()

	var result *domain.ReversalResult
	var recordable bool

	err := s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		recordable = false

		// 1. Lock the transfer row and check eligibility.
		transfer, err := tx.LockTransfer(ctx, transferID)
		if err != nil {
			if errors.Is(err, store.ErrTransferNotFound) {
				return domain.NewError(domain.CodeTransferNotFound)
			}
			return fmt.Errorf("transfer lookup failed: %w", err)
		}
		if transfer.SenderUserID != requesterID {
			return domain.NewError(domain.CodeNotAllowed)
		}
		if transfer.Status == domain.TransferReversed {
			return domain.NewError(domain.CodeAlreadyReversed)
		}
		if transfer.Status != domain.TransferPosted {
			return domain.NewError(domain.CodeNotReversible)
		}

		// Eligibility passed: later domain failures finalize the transfer
		// as failed in a separate pass.
		recordable = true

		// 2. Observable intermediate state.
		if err := tx.UpdateTransferStatus(ctx, transferID, domain.TransferReversalPending, nil); err != nil {
			return err
		}
		if err := tx.RecordTransferEvent(ctx, &domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: transferID,
			ActorID:    requesterID,
			FromStatus: strPtr(domain.TransferPosted),
			ToStatus:   domain.TransferReversalPending,
			Metadata:   map[string]any{"reference": reference},
		}); err != nil {
			return err
		}

		// 3. Lock both accounts in ascending id order; the recipient must
		// still be able to give the amount back.
		firstID, secondID := orderAccountIDs(transfer.SenderAccountID, transfer.RecipientAccountID)
		first, err := tx.LockAccount(ctx, firstID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return domain.NewError(domain.CodeAccountNotFound)
			}
			return err
		}
		second, err := tx.LockAccount(ctx, secondID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return domain.NewError(domain.CodeAccountNotFound)
			}
			return err
		}

		recipientBalance := first.BalanceMinor
		if second.ID == transfer.RecipientAccountID {
			recipientBalance = second.BalanceMinor
		}
		if recipientBalance < transfer.AmountMinor {
			return domain.NewError(domain.CodeReversalInsufficientFunds)
		}

		// 4. New reversal journal with mirrored postings. The original
		// journal and postings are never edited.
		if err := tx.InsertJournal(ctx, &domain.Journal{
			ID:        reversalJournalID,
			Type:      domain.JournalTypeTransferReversal,
			Reference: reference,
			Status:    domain.JournalPosted,
		}); err != nil {
			return fmt.Errorf("reversal journal insert failed: %w", err)
		}

		mirrorDebit := domain.Posting{
			ID: uuid.New(), JournalID: reversalJournalID, AccountID: transfer.RecipientAccountID,
			Direction: domain.DirectionDebit, AmountMinor: transfer.AmountMinor, Currency: transfer.Currency,
		}
		mirrorCredit := domain.Posting{
			ID: uuid.New(), JournalID: reversalJournalID, AccountID: transfer.SenderAccountID,
			Direction: domain.DirectionCredit, AmountMinor: transfer.AmountMinor, Currency: transfer.Currency,
		}
		if err := tx.InsertPosting(ctx, &mirrorDebit); err != nil {
			return fmt.Errorf("mirror debit failed: %w", err)
		}
		if err := tx.InsertPosting(ctx, &mirrorCredit); err != nil {
			return fmt.Errorf("mirror credit failed: %w", err)
		}

		if err := tx.AdjustBalance(ctx, transfer.RecipientAccountID, -transfer.AmountMinor); err != nil {
			return fmt.Errorf("recipient balance update failed: %w", err)
		}
		if err := tx.AdjustBalance(ctx, transfer.SenderAccountID, transfer.AmountMinor); err != nil {
			return fmt.Errorf("sender balance update failed: %w", err)
		}

		// 5. Accounting layer: the original journal is now reversed.
		if err := tx.SetJournalStatus(ctx, transfer.JournalID, domain.JournalReversed); err != nil {
			return err
		}

		// 6. Domain layer: finalize the transfer.
		if err := tx.FinalizeTransferReversed(ctx, transferID, reversalJournalID); err != nil {
			return err
		}
		if err := tx.RecordTransferEvent(ctx, &domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: transferID,
			ActorID:    requesterID,
			FromStatus: strPtr(domain.TransferReversalPending),
			ToStatus:   domain.TransferReversed,
			Metadata: map[string]any{
				"reversal_journal_id": reversalJournalID.String(),
				"reference":           reference,
			},
		}); err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, &domain.AuditEntry{
			ID:          uuid.New(),
			ActorUserID: requesterID,
			Action:      "internal_transfer_reversed",
			Metadata: map[string]any{
				"transfer_id":         transferID.String(),
				"original_journal_id": transfer.JournalID.String(),
				"reversal_journal_id": reversalJournalID.String(),
				"reference":           reference,
				"amount_minor":        transfer.AmountMinor,
				"currency":            transfer.Currency,
			},
		}); err != nil {
			return fmt.Errorf("audit append failed: %w", err)
		}

		recordable = false
		result = &domain.ReversalResult{
			TransferID:        transferID,
			OriginalJournalID: transfer.JournalID,
			ReversalJournalID: reversalJournalID,
			Reference:         reference,
			AmountMinor:       transfer.AmountMinor,
			Currency:          transfer.Currency,
			RecipientUserID:   transfer.RecipientUserID,
			Status:            domain.TransferReversed,
		}
		return nil
	})

	if err == nil {
		reversalsPostedTotal.Inc()
		s.publish(ctx, "transfer.reversed", rabbitmq.TransferReversedEvent{
			TransferID:        result.TransferID,
			ReversalJournalID: result.ReversalJournalID,
			Reference:         result.Reference,
			AmountMinor:       result.AmountMinor,
			Currency:          result.Currency,
		})
		return result, nil
	}

	if code, ok := domain.ErrorCode(err); ok {
		reversalsFailedTotal.WithLabelValues(string(code)).Inc()
		if recordable {
			s.recordFailedReversal(ctx, transferID, requesterID, reference, code)
		}
	}
	return nil, err
}

// recordFailedReversal finalizes a posted transfer as failed after a
// reversal attempt rolled back. The guard on the current status keeps
// terminal states immutable if a concurrent operation won the race.
func (s *Service) recordFailedReversal(ctx context.Context, transferID, actorID uuid.UUID, reference string, code domain.Code) {
	reason := string(code)
	err := s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		transfer, err := tx.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != domain.TransferPosted {
			return nil
		}
		if err := tx.UpdateTransferStatus(ctx, transferID, domain.TransferFailed, &reason); err != nil {
			return err
		}
		if err := tx.RecordTransferEvent(ctx, &domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: transferID,
			ActorID:    actorID,
			FromStatus: strPtr(domain.TransferPosted),
			ToStatus:   domain.TransferReversalPending,
			Metadata:   map[string]any{"reference": reference},
		}); err != nil {
			return err
		}
		return tx.RecordTransferEvent(ctx, &domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: transferID,
			ActorID:    actorID,
			FromStatus: strPtr(domain.TransferReversalPending),
			ToStatus:   domain.TransferFailed,
			Reason:     &reason,
			Metadata:   map[string]any{"reference": reference},
		})
	})
	if err != nil {
		log.Printf("level=warn component=engine msg=\"failed-reversal record not persisted\" transfer_id=%s reason=%s err=%v",
			transferID, reason, err)
	}
}

// GetTransfer reads one transfer, visible to either party only.
func (s *Service) GetTransfer(ctx context.Context, requesterID, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.ledger.GetTransfer(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, domain.NewError(domain.CodeTransferNotFound)
		}
		return nil, err
	}
	if transfer.SenderUserID != requesterID && transfer.RecipientUserID != requesterID {
		return nil, domain.NewError(domain.CodeTransferNotFound)
	}
	return transfer, nil
}

// Register provisions a user together with a zero-balance account in the
// default currency.
func (s *Service) Register(ctx context.Context, email, password string) (*domain.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("password hash failed: %w", err)
	}
	return s.ledger.CreateUserWithAccount(ctx, email, string(hash), domain.SupportedCurrencies[0])
}

// Authenticate verifies email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	user, err := s.ledger.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, body any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, EventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=engine msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

// orderAccountIDs returns the pair in ascending identifier order. Every
// code path that locks two accounts goes through this, which is what makes
// the lock order a global total order.
func orderAccountIDs(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() < b.String() {
		return a, b
	}
	return b, a
}

// newReference builds a unique traceable reference like the journal rows
// carry, e.g. "internal_a1b2…".
func newReference(prefix string) string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for a money system.
		panic(fmt.Sprintf("reference entropy unavailable: %v", err))
	}
	return prefix + hex.EncodeToString(buf)
}

func strPtr(s string) *string { return &s }
