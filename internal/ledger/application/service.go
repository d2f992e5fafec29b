package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	ledger "mlm-ledger/internal/ledger/domain"
	"mlm-ledger/internal/observability/metrics"
)

// TransactionRecorded is emitted once per newly committed transaction.
type TransactionRecorded struct {
	TransactionID string
	OperationID   string
	OpType        string
	UserID        string
	OrderID       string
	Level         int
	ReversalOf    string
	Postings      int
	OccurredAt    time.Time
}

// EventPublisher delivers ledger events to subscribers.
type EventPublisher interface {
	Dispatch(ctx context.Context, event TransactionRecorded) int
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// Service is the ledger core: idempotent, balanced, atomic recording of transactions.
type Service struct {
	store     ledger.Store
	publisher EventPublisher
	logger    *log.Logger
}

// NewService constructs the ledger service.
func NewService(store ledger.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger service: nil store")
	}
	s := &Service{store: store, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureAccount returns the account for key, creating it when missing.
func (s *Service) EnsureAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	return s.store.EnsureAccount(ctx, key)
}

// FindAccount returns the account for key or nil when it does not exist.
func (s *Service) FindAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	return s.store.FindAccount(ctx, key)
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account %s", ledger.ErrNotFound, id)
	}
	return account, nil
}

// GetBalance returns the committed balance of an account.
func (s *Service) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.store.Balance(ctx, accountID)
}

// Record stores one transaction. Re-submitting a stored operation id returns the
// stored transaction with Replayed set and a nil error.
func (s *Service) Record(ctx context.Context, entry ledger.Entry) (*ledger.Transaction, error) {
	txs, err := s.RecordBatch(ctx, []ledger.Entry{entry})
	if err != nil {
		return nil, err
	}
	return txs[0], nil
}

// RecordBatch stores several transactions in one atomic unit.
func (s *Service) RecordBatch(ctx context.Context, entries []ledger.Entry) ([]*ledger.Transaction, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			s.reject(entry, err)
			return nil, err
		}
	}

	txs, err := s.store.Commit(ctx, entries)
	if err != nil {
		if ledger.IsProgrammingError(err) {
			for _, entry := range entries {
				s.reject(entry, err)
			}
		}
		return nil, err
	}

	for _, tx := range txs {
		if tx.Replayed {
			metrics.IncLedgerReplay(string(tx.OpType))
			continue
		}
		metrics.IncLedgerTransaction(string(tx.OpType))
		s.publish(ctx, tx)
	}
	return txs, nil
}

// Reverse records a transaction that undoes originalOperationID. An empty
// newOperationID defaults to "<original>:reversal".
func (s *Service) Reverse(ctx context.Context, originalOperationID, newOperationID string) (*ledger.Transaction, error) {
	if originalOperationID == "" {
		return nil, ledger.ErrEmptyOperationID
	}
	if newOperationID == "" {
		newOperationID = ledger.ReversalOperationID(originalOperationID)
	}

	existing, err := s.store.GetByOperationID(ctx, newOperationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ReversalOf != originalOperationID {
			return nil, fmt.Errorf("ledger reverse: operation %s already used for %q", newOperationID, existing.ReversalOf)
		}
		existing.Replayed = true
		metrics.IncLedgerReplay(string(existing.OpType))
		return existing, nil
	}

	original, err := s.store.GetByOperationID(ctx, originalOperationID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, originalOperationID)
	}
	reversal, err := s.store.FindReversal(ctx, originalOperationID)
	if err != nil {
		return nil, err
	}
	if reversal != nil {
		return nil, fmt.Errorf("%w: %s by %s", ledger.ErrAlreadyReversed, originalOperationID, reversal.OperationID)
	}

	return s.Record(ctx, ledger.BuildReversal(original, newOperationID))
}

// Transfer moves amount between two accounts identified by key, creating them on demand.
func (s *Service) Transfer(ctx context.Context, operationID string, opType ledger.OpType, from, to ledger.AccountKey, amount decimal.Decimal, meta map[string]string) (*ledger.Transaction, error) {
	if from.Currency() != to.Currency() {
		return nil, fmt.Errorf("%w: %s -> %s", ledger.ErrCurrencyMismatch, from, to)
	}
	debit, err := s.store.EnsureAccount(ctx, from)
	if err != nil {
		return nil, err
	}
	credit, err := s.store.EnsureAccount(ctx, to)
	if err != nil {
		return nil, err
	}
	userID := ""
	if to.OwnerType == ledger.OwnerUser {
		userID = to.OwnerID
	} else if from.OwnerType == ledger.OwnerUser {
		userID = from.OwnerID
	}
	return s.Record(ctx, ledger.Entry{
		OperationID: operationID,
		OpType:      opType,
		UserID:      userID,
		Meta:        meta,
		Postings: []ledger.PostingInput{{
			DebitAccountID:  debit.ID,
			CreditAccountID: credit.ID,
			Amount:          amount,
			Currency:        debit.Currency,
		}},
	})
}

// GetByOperationID returns a stored transaction or ErrNotFound.
func (s *Service) GetByOperationID(ctx context.Context, operationID string) (*ledger.Transaction, error) {
	tx, err := s.store.GetByOperationID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, operationID)
	}
	return tx, nil
}

// HasOperation reports whether an operation id is stored.
func (s *Service) HasOperation(ctx context.Context, operationID string) (bool, error) {
	tx, err := s.store.GetByOperationID(ctx, operationID)
	if err != nil {
		return false, err
	}
	return tx != nil, nil
}

// ListByOrder returns all transactions tagged with an order id.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// IsReversed reports whether a reversal references operationID.
func (s *Service) IsReversed(ctx context.Context, operationID string) (bool, error) {
	tx, err := s.store.FindReversal(ctx, operationID)
	if err != nil {
		return false, err
	}
	return tx != nil, nil
}

// ListPostings returns postings touching an account in [from, to).
func (s *Service) ListPostings(ctx context.Context, accountID string, from, to time.Time) ([]ledger.Posting, error) {
	return s.store.ListPostings(ctx, accountID, from, to)
}

// PeriodTurnover returns the settled order base of a user within a period.
func (s *Service) PeriodTurnover(ctx context.Context, userID, period string) (decimal.Decimal, error) {
	return s.store.PeriodTurnover(ctx, userID, period)
}

func (s *Service) publish(ctx context.Context, tx *ledger.Transaction) {
	if s.publisher == nil {
		return
	}
	s.publisher.Dispatch(ctx, TransactionRecorded{
		TransactionID: tx.ID,
		OperationID:   tx.OperationID,
		OpType:        string(tx.OpType),
		UserID:        tx.UserID,
		OrderID:       tx.OrderID,
		Level:         tx.Level,
		ReversalOf:    tx.ReversalOf,
		Postings:      len(tx.Postings),
		OccurredAt:    tx.CreatedAt,
	})
}

func (s *Service) reject(entry ledger.Entry, err error) {
	metrics.IncLedgerRejection(rejectionReason(err))
	if s.logger == nil {
		return
	}
	s.logger.Printf("ledger record rejected: op=%s type=%s order=%s user=%s level=%d postings=%d err=%v",
		entry.OperationID, entry.OpType, entry.OrderID, entry.UserID, entry.Level, len(entry.Postings), err)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNonPositiveAmount):
		return "non_positive_amount"
	case errors.Is(err, ledger.ErrAmountPrecision):
		return "amount_precision"
	case errors.Is(err, ledger.ErrUnbalancedTransaction):
		return "unbalanced"
	case errors.Is(err, ledger.ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ledger.ErrEmptyOperationID):
		return "empty_operation_id"
	case errors.Is(err, ledger.ErrInvalidOpType):
		return "invalid_op_type"
	default:
		return "invalid_entry"
	}
}
