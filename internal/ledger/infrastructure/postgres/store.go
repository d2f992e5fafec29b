package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	ledger "mlm-ledger/internal/ledger/domain"
)

const (
	uniqueViolation          = "23505"
	reversalOfConstraintName = "ledger_transactions_reversal_of_key"
)

// Store persists the ledger in Postgres. Balances live on the account rows and are
// updated in the same database transaction as the postings that move them.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore constructs a store.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("ledger store: nil db")
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// EnsureAccount returns the account for key, creating it when missing.
func (s *Store) EnsureAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	if err := key.Validate(); err != nil {
		return ledger.Account{}, err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_accounts (id, owner_type, owner_id, account_type, currency, balance, created_at)
VALUES ($1, $2, $3, $4, $5, 0, $6)
ON CONFLICT DO NOTHING`,
		uuid.NewString(), key.OwnerType, nullString(key.OwnerID), key.Type, key.Currency(), s.now())
	if err != nil {
		return ledger.Account{}, err
	}
	account, err := s.FindAccount(ctx, key)
	if err != nil {
		return ledger.Account{}, err
	}
	if account == nil {
		return ledger.Account{}, fmt.Errorf("ledger store: account %s not visible after insert", key)
	}
	return *account, nil
}

// FindAccount returns the account for key or nil.
func (s *Store) FindAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_type, owner_id, account_type, currency, balance, created_at
FROM ledger_accounts
WHERE owner_type = $1 AND COALESCE(owner_id, '') = $2 AND account_type = $3
LIMIT 1`, key.OwnerType, key.OwnerID, key.Type)
	return scanAccount(row)
}

// GetAccount returns the account by id or nil.
func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_type, owner_id, account_type, currency, balance, created_at
FROM ledger_accounts
WHERE id = $1`, id)
	return scanAccount(row)
}

// Balance returns the committed balance of an account.
func (s *Store) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM ledger_accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, accountID)
	}
	return balance, err
}

// Commit records entries in one database transaction.
func (s *Store) Commit(ctx context.Context, entries []ledger.Entry) ([]*ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	result, err := s.commitTx(ctx, tx, entries)
	if err != nil {
		_ = tx.Rollback()
		return nil, mapConstraintError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapConstraintError(err)
	}
	return result, nil
}

func (s *Store) commitTx(ctx context.Context, tx *sql.Tx, entries []ledger.Entry) ([]*ledger.Transaction, error) {
	now := s.now()
	result := make([]*ledger.Transaction, 0, len(entries))
	deltas := make(map[string]decimal.Decimal)

	for _, entry := range entries {
		accounts, err := loadAccounts(ctx, tx, entry.Postings)
		if err != nil {
			return nil, err
		}
		if err := ledger.CheckBalanced(entry.Postings, accounts); err != nil {
			return nil, err
		}
		if entry.ReversalOf != "" {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE operation_id = $1)`, entry.ReversalOf).Scan(&exists); err != nil {
				return nil, err
			}
			if !exists {
				return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, entry.ReversalOf)
			}
		}

		metaValues := entry.Meta
		if metaValues == nil {
			metaValues = map[string]string{}
		}
		meta, err := json.Marshal(metaValues)
		if err != nil {
			return nil, err
		}
		txID := uuid.NewString()
		var insertedID string
		err = tx.QueryRowContext(ctx, `
INSERT INTO ledger_transactions (
	id, operation_id, op_type, external_ref, user_id, order_id, level, reversal_of, meta, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (operation_id) DO NOTHING
RETURNING id`,
			txID, entry.OperationID, entry.OpType, nullString(entry.ExternalRef), nullString(entry.UserID),
			nullString(entry.OrderID), nullInt(entry.Level), nullString(entry.ReversalOf), meta, now,
		).Scan(&insertedID)
		if errors.Is(err, sql.ErrNoRows) {
			existing, err := getByOperationID(ctx, tx, entry.OperationID)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, fmt.Errorf("ledger store: operation %s conflicted but is not visible", entry.OperationID)
			}
			existing.Replayed = true
			result = append(result, existing)
			continue
		}
		if err != nil {
			return nil, err
		}

		stored := &ledger.Transaction{
			ID:          txID,
			OperationID: entry.OperationID,
			OpType:      entry.OpType,
			ExternalRef: entry.ExternalRef,
			UserID:      entry.UserID,
			OrderID:     entry.OrderID,
			Level:       entry.Level,
			ReversalOf:  entry.ReversalOf,
			Meta:        entry.Meta,
			CreatedAt:   now,
		}
		for _, p := range entry.Postings {
			posting := ledger.Posting{
				ID:              uuid.NewString(),
				TransactionID:   txID,
				DebitAccountID:  p.DebitAccountID,
				CreditAccountID: p.CreditAccountID,
				Amount:          p.Amount,
				Currency:        p.Currency,
				Memo:            p.Memo,
				CreatedAt:       now,
			}
			_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_postings (
	id, transaction_id, debit_account_id, credit_account_id, amount, currency, memo, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				posting.ID, posting.TransactionID, posting.DebitAccountID, posting.CreditAccountID,
				posting.Amount, posting.Currency, nullString(posting.Memo), posting.CreatedAt)
			if err != nil {
				return nil, err
			}
			stored.Postings = append(stored.Postings, posting)
		}
		for id, delta := range ledger.BalanceDeltas(entry.Postings) {
			deltas[id] = deltas[id].Add(delta)
		}
		result = append(result, stored)
	}

	// Fixed lock order keeps concurrent batches touching shared system accounts deadlock free.
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if deltas[id].IsZero() {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ledger_accounts SET balance = balance + $1 WHERE id = $2`, deltas[id], id); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GetByOperationID returns the stored transaction or nil.
func (s *Store) GetByOperationID(ctx context.Context, operationID string) (*ledger.Transaction, error) {
	return getByOperationID(ctx, s.db, operationID)
}

// FindReversal returns the transaction reversing operationID or nil.
func (s *Store) FindReversal(ctx context.Context, operationID string) (*ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, selectTransaction+` WHERE reversal_of = $1`, operationID)
	stored, err := scanTransaction(row)
	if err != nil || stored == nil {
		return stored, err
	}
	if err := loadPostings(ctx, s.db, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// ListByOrder returns every transaction tagged with orderID in commit order.
func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+` WHERE order_id = $1 ORDER BY created_at ASC, operation_id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ledger.Transaction
	for rows.Next() {
		stored, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, stored := range result {
		if err := loadPostings(ctx, s.db, stored); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ListPostings returns postings touching accountID created in [from, to).
func (s *Store) ListPostings(ctx context.Context, accountID string, from, to time.Time) ([]ledger.Posting, error) {
	rows, err := s.db.QueryContext(ctx, selectPosting+`
WHERE (debit_account_id = $1 OR credit_account_id = $1) AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC, id ASC`, accountID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPostings(rows)
}

// PeriodTurnover sums the order base of non-reversed order accruals of a user in a period.
func (s *Store) PeriodTurnover(ctx context.Context, userID, period string) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := s.db.QueryRowContext(ctx, `
SELECT SUM((t.meta->>'order_base')::numeric)
FROM ledger_transactions t
WHERE t.op_type = $1 AND t.user_id = $2 AND t.meta->>'period' = $3
	AND NOT EXISTS (SELECT 1 FROM ledger_transactions r WHERE r.reversal_of = t.operation_id)`,
		ledger.OpOrderAccrual, userID, period).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectTransaction = `
SELECT id, operation_id, op_type, external_ref, user_id, order_id, level, reversal_of, meta, created_at
FROM ledger_transactions`

const selectPosting = `
SELECT id, transaction_id, debit_account_id, credit_account_id, amount, currency, memo, created_at
FROM ledger_postings`

func getByOperationID(ctx context.Context, q queryer, operationID string) (*ledger.Transaction, error) {
	row := q.QueryRowContext(ctx, selectTransaction+` WHERE operation_id = $1`, operationID)
	stored, err := scanTransaction(row)
	if err != nil || stored == nil {
		return stored, err
	}
	if err := loadPostings(ctx, q, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func loadPostings(ctx context.Context, q queryer, stored *ledger.Transaction) error {
	rows, err := q.QueryContext(ctx, selectPosting+` WHERE transaction_id = $1 ORDER BY id ASC`, stored.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	postings, err := scanPostings(rows)
	if err != nil {
		return err
	}
	stored.Postings = postings
	return nil
}

func loadAccounts(ctx context.Context, tx *sql.Tx, postings []ledger.PostingInput) (map[string]ledger.Account, error) {
	seen := make(map[string]struct{}, len(postings)*2)
	ids := make([]string, 0, len(postings)*2)
	for _, p := range postings {
		for _, id := range []string{p.DebitAccountID, p.CreditAccountID} {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	rows, err := tx.QueryContext(ctx, `
SELECT id, owner_type, owner_id, account_type, currency, balance, created_at
FROM ledger_accounts
WHERE id::text = ANY($1)`, "{"+strings.Join(ids, ",")+"}")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make(map[string]ledger.Account, len(ids))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts[account.ID] = *account
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := accounts[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, id)
		}
	}
	return accounts, nil
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var (
		account ledger.Account
		ownerID sql.NullString
	)
	err := row.Scan(&account.ID, &account.OwnerType, &ownerID, &account.Type, &account.Currency, &account.Balance, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	account.OwnerID = ownerID.String
	account.CreatedAt = account.CreatedAt.UTC()
	return &account, nil
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		stored      ledger.Transaction
		externalRef sql.NullString
		userID      sql.NullString
		orderID     sql.NullString
		level       sql.NullInt64
		reversalOf  sql.NullString
		meta        []byte
	)
	err := row.Scan(&stored.ID, &stored.OperationID, &stored.OpType, &externalRef, &userID, &orderID,
		&level, &reversalOf, &meta, &stored.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	stored.ExternalRef = externalRef.String
	stored.UserID = userID.String
	stored.OrderID = orderID.String
	stored.Level = int(level.Int64)
	stored.ReversalOf = reversalOf.String
	stored.CreatedAt = stored.CreatedAt.UTC()
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &stored.Meta); err != nil {
			return nil, fmt.Errorf("ledger store: decode meta of %s: %w", stored.OperationID, err)
		}
	}
	return &stored, nil
}

func scanPostings(rows *sql.Rows) ([]ledger.Posting, error) {
	var result []ledger.Posting
	for rows.Next() {
		var (
			posting ledger.Posting
			memo    sql.NullString
		)
		if err := rows.Scan(&posting.ID, &posting.TransactionID, &posting.DebitAccountID, &posting.CreditAccountID,
			&posting.Amount, &posting.Currency, &memo, &posting.CreatedAt); err != nil {
			return nil, err
		}
		posting.Memo = memo.String
		posting.CreatedAt = posting.CreatedAt.UTC()
		result = append(result, posting)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == reversalOfConstraintName {
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyReversed, pgErr.Detail)
	}
	return err
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullInt(value int) sql.NullInt64 {
	if value == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(value), Valid: true}
}
