package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasbank/ledger-service/internal/domain"
	"github.com/atlasbank/ledger-service/internal/store"
)

// fakeLedger is an in-memory store.Ledger. A mutex serializes units of work
// the way row locks do in Postgres, and a full state snapshot taken at the
// start of each unit models transaction rollback.
type fakeLedger struct {
	mu sync.Mutex

	users     map[uuid.UUID]domain.User
	emails    map[string]uuid.UUID
	accounts  map[uuid.UUID]domain.Account
	journals  map[uuid.UUID]domain.Journal
	postings  []domain.Posting
	transfers map[uuid.UUID]domain.Transfer
	events    []domain.TransferEvent
	audits    []domain.AuditEntry
	idem      map[string]domain.IdempotencyRecord

	// lockSequences records the account lock order of every unit of work
	// that locked at least one account.
	lockSequences [][]uuid.UUID
	currentLocks  []uuid.UUID
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		users:     make(map[uuid.UUID]domain.User),
		emails:    make(map[string]uuid.UUID),
		accounts:  make(map[uuid.UUID]domain.Account),
		journals:  make(map[uuid.UUID]domain.Journal),
		transfers: make(map[uuid.UUID]domain.Transfer),
		idem:      make(map[string]domain.IdempotencyRecord),
	}
}

func (l *fakeLedger) seedUser(email string, balanceMinor int64) (uuid.UUID, uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	userID := uuid.New()
	accountID := uuid.New()
	l.users[userID] = domain.User{ID: userID, Email: email, PasswordHash: "x"}
	l.emails[email] = userID
	l.accounts[accountID] = domain.Account{ID: accountID, UserID: userID, Currency: "NGN", BalanceMinor: balanceMinor}
	return userID, accountID
}

func (l *fakeLedger) setBalance(accountID uuid.UUID, balanceMinor int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accounts[accountID]
	acct.BalanceMinor = balanceMinor
	l.accounts[accountID] = acct
}

func (l *fakeLedger) balance(accountID uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[accountID].BalanceMinor
}

func (l *fakeLedger) transferByID(id uuid.UUID) (domain.Transfer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transfers[id]
	return t, ok
}

func (l *fakeLedger) eventsFor(transferID uuid.UUID) []domain.TransferEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.TransferEvent
	for _, ev := range l.events {
		if ev.TransferID == transferID {
			out = append(out, ev)
		}
	}
	return out
}

func (l *fakeLedger) postingsFor(journalID uuid.UUID) []domain.Posting {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Posting
	for _, p := range l.postings {
		if p.JournalID == journalID {
			out = append(out, p)
		}
	}
	return out
}

type fakeState struct {
	users     map[uuid.UUID]domain.User
	emails    map[string]uuid.UUID
	accounts  map[uuid.UUID]domain.Account
	journals  map[uuid.UUID]domain.Journal
	postings  []domain.Posting
	transfers map[uuid.UUID]domain.Transfer
	events    []domain.TransferEvent
	audits    []domain.AuditEntry
	idem      map[string]domain.IdempotencyRecord
}

func (l *fakeLedger) snapshot() fakeState {
	s := fakeState{
		users:     make(map[uuid.UUID]domain.User, len(l.users)),
		emails:    make(map[string]uuid.UUID, len(l.emails)),
		accounts:  make(map[uuid.UUID]domain.Account, len(l.accounts)),
		journals:  make(map[uuid.UUID]domain.Journal, len(l.journals)),
		transfers: make(map[uuid.UUID]domain.Transfer, len(l.transfers)),
		idem:      make(map[string]domain.IdempotencyRecord, len(l.idem)),
	}
	for k, v := range l.users {
		s.users[k] = v
	}
	for k, v := range l.emails {
		s.emails[k] = v
	}
	for k, v := range l.accounts {
		s.accounts[k] = v
	}
	for k, v := range l.journals {
		s.journals[k] = v
	}
	for k, v := range l.transfers {
		s.transfers[k] = v
	}
	for k, v := range l.idem {
		s.idem[k] = v
	}
	s.postings = append(s.postings, l.postings...)
	s.events = append(s.events, l.events...)
	s.audits = append(s.audits, l.audits...)
	return s
}

func (l *fakeLedger) restore(s fakeState) {
	l.users = s.users
	l.emails = s.emails
	l.accounts = s.accounts
	l.journals = s.journals
	l.transfers = s.transfers
	l.idem = s.idem
	l.postings = s.postings
	l.events = s.events
	l.audits = s.audits
}

func (l *fakeLedger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	before := l.snapshot()
	l.currentLocks = nil
	err := fn(ctx, &fakeTx{l: l})
	if len(l.currentLocks) > 0 {
		l.lockSequences = append(l.lockSequences, l.currentLocks)
	}
	if err != nil {
		l.restore(before)
		return err
	}
	return nil
}

func idemMapKey(owner uuid.UUID, key string) string {
	return owner.String() + "|" + key
}

func (l *fakeLedger) GetIdempotencyRecord(ctx context.Context, owner uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.idem[idemMapKey(owner, key)]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	out := rec
	return &out, nil
}

func (l *fakeLedger) ReserveIdempotencyKey(ctx context.Context, owner uuid.UUID, key, requestHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	mapKey := idemMapKey(owner, key)
	if _, ok := l.idem[mapKey]; ok {
		return store.ErrKeyReserved
	}
	l.idem[mapKey] = domain.IdempotencyRecord{
		ID: uuid.New(), OwnerUserID: owner, Key: key, RequestHash: requestHash,
	}
	return nil
}

func (l *fakeLedger) CompleteIdempotencyRecord(ctx context.Context, owner uuid.UUID, key string, status int, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	mapKey := idemMapKey(owner, key)
	rec, ok := l.idem[mapKey]
	if !ok || rec.ResponseStatus != nil {
		return store.ErrKeyNotFound
	}
	rec.ResponseStatus = &status
	rec.ResponseBody = append([]byte(nil), body...)
	l.idem[mapKey] = rec
	return nil
}

func (l *fakeLedger) ReleaseIdempotencyKey(ctx context.Context, owner uuid.UUID, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	mapKey := idemMapKey(owner, key)
	rec, ok := l.idem[mapKey]
	if ok && rec.ResponseStatus == nil {
		delete(l.idem, mapKey)
	}
	return nil
}

func (l *fakeLedger) CreateUserWithAccount(ctx context.Context, email, passwordHash, currency string) (*domain.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.emails[email]; ok {
		return nil, store.ErrEmailTaken
	}
	user := domain.User{ID: uuid.New(), Email: email, PasswordHash: passwordHash}
	l.users[user.ID] = user
	l.emails[email] = user.ID
	accountID := uuid.New()
	l.accounts[accountID] = domain.Account{ID: accountID, UserID: user.ID, Currency: currency}
	return &user, nil
}

func (l *fakeLedger) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findUserByEmailLocked(email)
}

func (l *fakeLedger) findUserByEmailLocked(email string) (*domain.User, error) {
	userID, ok := l.emails[strings.ToLower(email)]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	user := l.users[userID]
	return &user, nil
}

func (l *fakeLedger) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	out := t
	return &out, nil
}

// fakeTx operates on the ledger state under the already-held mutex.
type fakeTx struct {
	l *fakeLedger
}

func (t *fakeTx) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return t.l.findUserByEmailLocked(email)
}

func (t *fakeTx) FindAccount(ctx context.Context, userID uuid.UUID, currency string) (*domain.Account, error) {
	for _, acct := range t.l.accounts {
		if acct.UserID == userID && acct.Currency == currency {
			out := acct
			return &out, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (t *fakeTx) LockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	acct, ok := t.l.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	t.l.currentLocks = append(t.l.currentLocks, accountID)
	out := acct
	return &out, nil
}

func (t *fakeTx) AdjustBalance(ctx context.Context, accountID uuid.UUID, deltaMinor int64) error {
	acct, ok := t.l.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	acct.BalanceMinor += deltaMinor
	t.l.accounts[accountID] = acct
	return nil
}

func (t *fakeTx) InsertJournal(ctx context.Context, journal *domain.Journal) error {
	t.l.journals[journal.ID] = *journal
	return nil
}

func (t *fakeTx) SetJournalStatus(ctx context.Context, journalID uuid.UUID, status string) error {
	j := t.l.journals[journalID]
	j.Status = status
	t.l.journals[journalID] = j
	return nil
}

func (t *fakeTx) InsertPosting(ctx context.Context, posting *domain.Posting) error {
	t.l.postings = append(t.l.postings, *posting)
	return nil
}

func (t *fakeTx) InsertTransfer(ctx context.Context, transfer *domain.Transfer) error {
	t.l.transfers[transfer.ID] = *transfer
	return nil
}

func (t *fakeTx) LockTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	tr, ok := t.l.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	out := tr
	return &out, nil
}

func (t *fakeTx) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	return t.LockTransfer(ctx, id)
}

func (t *fakeTx) UpdateTransferStatus(ctx context.Context, id uuid.UUID, status string, failureReason *string) error {
	tr, ok := t.l.transfers[id]
	if !ok {
		return store.ErrTransferNotFound
	}
	tr.Status = status
	tr.FailureReason = failureReason
	t.l.transfers[id] = tr
	return nil
}

func (t *fakeTx) FinalizeTransferReversed(ctx context.Context, transferID, reversalJournalID uuid.UUID) error {
	tr, ok := t.l.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	now := time.Now()
	tr.Status = domain.TransferReversed
	tr.ReversalJournalID = &reversalJournalID
	tr.ReversedAt = &now
	tr.FailureReason = nil
	t.l.transfers[transferID] = tr
	return nil
}

func (t *fakeTx) RecordTransferEvent(ctx context.Context, event *domain.TransferEvent) error {
	t.l.events = append(t.l.events, *event)
	return nil
}

func (t *fakeTx) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	t.l.audits = append(t.l.audits, *entry)
	return nil
}
