package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists accounts, transactions and postings.
//
// Commit applies every entry in one atomic unit: transaction rows, postings and
// balance updates either all become visible or none do. An entry whose operation
// id is already stored is returned as the stored transaction with Replayed set and
// contributes nothing to the unit. Implementations validate accounts and balance
// with CheckBalanced against the account rows they read inside the unit.
type Store interface {
	EnsureAccount(ctx context.Context, key AccountKey) (Account, error)
	FindAccount(ctx context.Context, key AccountKey) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)

	Commit(ctx context.Context, entries []Entry) ([]*Transaction, error)

	GetByOperationID(ctx context.Context, operationID string) (*Transaction, error)
	FindReversal(ctx context.Context, operationID string) (*Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Transaction, error)
	ListPostings(ctx context.Context, accountID string, from, to time.Time) ([]Posting, error)
	PeriodTurnover(ctx context.Context, userID, period string) (decimal.Decimal, error)
}

// Meta keys written by settlement and read back by turnover queries.
const (
	MetaOrderBase = "order_base"
	MetaPeriod    = "period"
)
