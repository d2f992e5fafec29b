package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ledger "mlm-ledger/internal/ledger/domain"
)

// Store is an in-memory ledger store for tests and local runs.
// A single mutex makes every Commit atomic and every balance read consistent.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	accounts  map[string]*ledger.Account
	byKey     map[ledger.AccountKey]string
	byOp      map[string]*ledger.Transaction
	reversals map[string]string
	order     []string
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		accounts:  make(map[string]*ledger.Account),
		byKey:     make(map[ledger.AccountKey]string),
		byOp:      make(map[string]*ledger.Transaction),
		reversals: make(map[string]string),
	}
}

// EnsureAccount returns the account for key, creating it when missing.
func (s *Store) EnsureAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	_ = ctx
	if err := key.Validate(); err != nil {
		return ledger.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key]; ok {
		return *s.accounts[id], nil
	}
	account := &ledger.Account{
		ID:        uuid.NewString(),
		OwnerType: key.OwnerType,
		OwnerID:   key.OwnerID,
		Type:      key.Type,
		Currency:  key.Currency(),
		Balance:   decimal.Zero,
		CreatedAt: s.now(),
	}
	s.accounts[account.ID] = account
	s.byKey[key] = account.ID
	return *account, nil
}

// FindAccount returns the account for key or nil.
func (s *Store) FindAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	account := *s.accounts[id]
	return &account, nil
}

// GetAccount returns the account by id or nil.
func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	copied := *account
	return &copied, nil
}

// Balance returns the committed balance of an account.
func (s *Store) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, accountID)
	}
	return account.Balance, nil
}

// Commit records entries atomically.
func (s *Store) Commit(ctx context.Context, entries []ledger.Entry) ([]*ledger.Transaction, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]*ledger.Transaction)
	stagedReversals := make(map[string]string)
	var fresh []*ledger.Transaction
	result := make([]*ledger.Transaction, 0, len(entries))
	now := s.now()

	for _, entry := range entries {
		if existing := s.lookupLocked(entry.OperationID, staged); existing != nil {
			replay := cloneTransaction(existing)
			replay.Replayed = true
			result = append(result, replay)
			continue
		}
		if entry.ReversalOf != "" {
			if s.lookupLocked(entry.ReversalOf, staged) == nil {
				return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, entry.ReversalOf)
			}
			if _, ok := s.reversals[entry.ReversalOf]; ok {
				return nil, fmt.Errorf("%w: %s", ledger.ErrAlreadyReversed, entry.ReversalOf)
			}
			if _, ok := stagedReversals[entry.ReversalOf]; ok {
				return nil, fmt.Errorf("%w: %s", ledger.ErrAlreadyReversed, entry.ReversalOf)
			}
		}

		accounts := make(map[string]ledger.Account, len(entry.Postings)*2)
		for _, p := range entry.Postings {
			for _, id := range []string{p.DebitAccountID, p.CreditAccountID} {
				account, ok := s.accounts[id]
				if !ok {
					return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, id)
				}
				accounts[id] = *account
			}
		}
		if err := ledger.CheckBalanced(entry.Postings, accounts); err != nil {
			return nil, err
		}

		tx := buildTransaction(entry, now)
		staged[tx.OperationID] = tx
		if tx.ReversalOf != "" {
			stagedReversals[tx.ReversalOf] = tx.OperationID
		}
		fresh = append(fresh, tx)
		result = append(result, cloneTransaction(tx))
	}

	for _, tx := range fresh {
		for _, p := range tx.Postings {
			debit := s.accounts[p.DebitAccountID]
			credit := s.accounts[p.CreditAccountID]
			debit.Balance = debit.Balance.Sub(p.Amount)
			credit.Balance = credit.Balance.Add(p.Amount)
		}
		s.byOp[tx.OperationID] = tx
		s.order = append(s.order, tx.OperationID)
		if tx.ReversalOf != "" {
			s.reversals[tx.ReversalOf] = tx.OperationID
		}
	}
	return result, nil
}

func (s *Store) lookupLocked(operationID string, staged map[string]*ledger.Transaction) *ledger.Transaction {
	if tx, ok := s.byOp[operationID]; ok {
		return tx
	}
	if tx, ok := staged[operationID]; ok {
		return tx
	}
	return nil
}

// GetByOperationID returns the stored transaction or nil.
func (s *Store) GetByOperationID(ctx context.Context, operationID string) (*ledger.Transaction, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byOp[operationID]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(tx), nil
}

// FindReversal returns the transaction reversing operationID or nil.
func (s *Store) FindReversal(ctx context.Context, operationID string) (*ledger.Transaction, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	reversalID, ok := s.reversals[operationID]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(s.byOp[reversalID]), nil
}

// ListByOrder returns every transaction tagged with orderID in commit order.
func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	_ = ctx
	if orderID == "" {
		return nil, errors.New("memory ledger store: empty order id")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*ledger.Transaction
	for _, opID := range s.order {
		tx := s.byOp[opID]
		if tx.OrderID == orderID {
			result = append(result, cloneTransaction(tx))
		}
	}
	return result, nil
}

// ListPostings returns postings touching accountID created in [from, to).
func (s *Store) ListPostings(ctx context.Context, accountID string, from, to time.Time) ([]ledger.Posting, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []ledger.Posting
	for _, opID := range s.order {
		for _, p := range s.byOp[opID].Postings {
			if p.DebitAccountID != accountID && p.CreditAccountID != accountID {
				continue
			}
			if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) {
				continue
			}
			result = append(result, p)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// PeriodTurnover sums the order base of non-reversed order accruals of a user in a period.
func (s *Store) PeriodTurnover(ctx context.Context, userID, period string) (decimal.Decimal, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, opID := range s.order {
		tx := s.byOp[opID]
		if tx.OpType != ledger.OpOrderAccrual || tx.UserID != userID || tx.Meta[ledger.MetaPeriod] != period {
			continue
		}
		if _, reversed := s.reversals[tx.OperationID]; reversed {
			continue
		}
		base, err := decimal.NewFromString(tx.Meta[ledger.MetaOrderBase])
		if err != nil {
			continue
		}
		total = total.Add(base)
	}
	return total, nil
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func buildTransaction(entry ledger.Entry, now time.Time) *ledger.Transaction {
	tx := &ledger.Transaction{
		ID:          uuid.NewString(),
		OperationID: entry.OperationID,
		OpType:      entry.OpType,
		ExternalRef: entry.ExternalRef,
		UserID:      entry.UserID,
		OrderID:     entry.OrderID,
		Level:       entry.Level,
		ReversalOf:  entry.ReversalOf,
		Meta:        copyMeta(entry.Meta),
		CreatedAt:   now,
	}
	for _, p := range entry.Postings {
		tx.Postings = append(tx.Postings, ledger.Posting{
			ID:              uuid.NewString(),
			TransactionID:   tx.ID,
			DebitAccountID:  p.DebitAccountID,
			CreditAccountID: p.CreditAccountID,
			Amount:          p.Amount,
			Currency:        p.Currency,
			Memo:            p.Memo,
			CreatedAt:       now,
		})
	}
	return tx
}

func cloneTransaction(tx *ledger.Transaction) *ledger.Transaction {
	if tx == nil {
		return nil
	}
	copied := *tx
	copied.Meta = copyMeta(tx.Meta)
	copied.Postings = append([]ledger.Posting(nil), tx.Postings...)
	return &copied
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	copied := make(map[string]string, len(meta))
	for k, v := range meta {
		copied[k] = v
	}
	return copied
}
