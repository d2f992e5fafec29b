package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	promo "mlm-ledger/internal/promo/domain"
)

const (
	uniqueViolation      = "23505"
	usageOrderConstraint = "promo_code_usages_order_id_key"
	codeConstraint       = "promo_codes_code_key"
)

// Repository persists promo codes and usages in Postgres.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("promo repository: nil db")
	}
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Create inserts a code.
func (r *Repository) Create(ctx context.Context, code promo.PromoCode) (promo.PromoCode, error) {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO promo_codes (id, code, max_uses, current_uses, min_order_rub, expires_at, one_per_user, is_active, discount_percent, discount_rub, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.ID, code.Code, nullableInt(code.MaxUses), code.CurrentUses, nullableDecimal(code.MinOrderRub),
		nullableTime(code.ExpiresAt), code.OnePerUser, code.IsActive, code.DiscountPercent, code.DiscountRub, code.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, codeConstraint) {
			return promo.PromoCode{}, fmt.Errorf("%w: %s", promo.ErrDuplicateCode, code.Code)
		}
		return promo.PromoCode{}, err
	}
	return code, nil
}

// GetByID returns the code or nil.
func (r *Repository) GetByID(ctx context.Context, id string) (*promo.PromoCode, error) {
	return scanCode(r.db.QueryRowContext(ctx, selectCode+` WHERE id = $1`, id))
}

// GetByCode returns the code or nil.
func (r *Repository) GetByCode(ctx context.Context, code string) (*promo.PromoCode, error) {
	return scanCode(r.db.QueryRowContext(ctx, selectCode+` WHERE code = $1`, code))
}

// TryIncrement is a single conditional update; concurrent callers serialize on the row.
func (r *Repository) TryIncrement(ctx context.Context, id string) (bool, error) {
	return tryIncrement(ctx, r.db, id)
}

// Decrement lowers the counter, flooring at zero.
func (r *Repository) Decrement(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE promo_codes SET current_uses = GREATEST(current_uses - 1, 0) WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", promo.ErrNotFound, id)
	}
	return nil
}

// HasUserUsage reports whether the user already redeemed the code.
func (r *Repository) HasUserUsage(ctx context.Context, userID, codeID string) (bool, error) {
	return hasUserUsage(ctx, r.db, userID, codeID)
}

// UsageByOrder returns the usage of an order or nil.
func (r *Repository) UsageByOrder(ctx context.Context, orderID string) (*promo.Usage, error) {
	return scanUsage(r.db.QueryRowContext(ctx, selectUsage+` WHERE order_id = $1`, orderID))
}

// Apply increments the counter, checks one-per-user and inserts the usage in one
// database transaction. The increment holds the code row lock until commit, so
// concurrent redemptions of the same code see each other's usages.
func (r *Repository) Apply(ctx context.Context, req promo.ApplyRequest) (promo.Usage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return promo.Usage{}, err
	}
	usage, err := r.applyTx(ctx, tx, req)
	if err != nil {
		_ = tx.Rollback()
		return promo.Usage{}, err
	}
	if err := tx.Commit(); err != nil {
		return promo.Usage{}, mapUsageError(err, req.OrderID)
	}
	return usage, nil
}

func (r *Repository) applyTx(ctx context.Context, tx *sql.Tx, req promo.ApplyRequest) (promo.Usage, error) {
	ok, err := tryIncrement(ctx, tx, req.PromoCodeID)
	if err != nil {
		return promo.Usage{}, err
	}
	if !ok {
		return promo.Usage{}, promo.ErrUsageLimitReached
	}
	if req.OnePerUser {
		used, err := hasUserUsage(ctx, tx, req.UserID, req.PromoCodeID)
		if err != nil {
			return promo.Usage{}, err
		}
		if used {
			return promo.Usage{}, promo.ErrAlreadyUsedByUser
		}
	}
	usage := promo.Usage{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		OrderID:     req.OrderID,
		PromoCodeID: req.PromoCodeID,
		DiscountRub: req.DiscountRub,
		CreatedAt:   r.now(),
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO promo_code_usages (id, user_id, order_id, promo_code_id, discount_rub, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		usage.ID, usage.UserID, usage.OrderID, usage.PromoCodeID, usage.DiscountRub, usage.CreatedAt)
	if err != nil {
		return promo.Usage{}, mapUsageError(err, req.OrderID)
	}
	return usage, nil
}

// CancelByOrder deletes the order's usage and decrements its code atomically.
func (r *Repository) CancelByOrder(ctx context.Context, orderID string) (*promo.Usage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	usage, err := scanUsage(tx.QueryRowContext(ctx, `
DELETE FROM promo_code_usages WHERE order_id = $1
RETURNING id, user_id, order_id, promo_code_id, discount_rub, created_at`, orderID))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if usage == nil {
		_ = tx.Rollback()
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE promo_codes SET current_uses = GREATEST(current_uses - 1, 0) WHERE id = $1`, usage.PromoCodeID); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return usage, nil
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectCode = `
SELECT id, code, max_uses, current_uses, min_order_rub, expires_at, one_per_user, is_active, discount_percent, discount_rub, created_at
FROM promo_codes`

const selectUsage = `
SELECT id, user_id, order_id, promo_code_id, discount_rub, created_at
FROM promo_code_usages`

func tryIncrement(ctx context.Context, q execQueryer, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `
UPDATE promo_codes
SET current_uses = current_uses + 1
WHERE id = $1 AND (max_uses IS NULL OR current_uses < max_uses)`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM promo_codes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", promo.ErrNotFound, id)
	}
	return false, nil
}

func hasUserUsage(ctx context.Context, q execQueryer, userID, codeID string) (bool, error) {
	var used bool
	err := q.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM promo_code_usages WHERE user_id = $1 AND promo_code_id = $2)`, userID, codeID).Scan(&used)
	return used, err
}

func scanCode(row rowScanner) (*promo.PromoCode, error) {
	var (
		code      promo.PromoCode
		maxUses   sql.NullInt64
		minOrder  decimal.NullDecimal
		expiresAt sql.NullTime
	)
	err := row.Scan(&code.ID, &code.Code, &maxUses, &code.CurrentUses, &minOrder, &expiresAt,
		&code.OnePerUser, &code.IsActive, &code.DiscountPercent, &code.DiscountRub, &code.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if maxUses.Valid {
		value := int(maxUses.Int64)
		code.MaxUses = &value
	}
	if minOrder.Valid {
		value := minOrder.Decimal
		code.MinOrderRub = &value
	}
	if expiresAt.Valid {
		value := expiresAt.Time.UTC()
		code.ExpiresAt = &value
	}
	code.CreatedAt = code.CreatedAt.UTC()
	return &code, nil
}

func scanUsage(row rowScanner) (*promo.Usage, error) {
	var usage promo.Usage
	err := row.Scan(&usage.ID, &usage.UserID, &usage.OrderID, &usage.PromoCodeID, &usage.DiscountRub, &usage.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	usage.CreatedAt = usage.CreatedAt.UTC()
	return &usage, nil
}

func mapUsageError(err error, orderID string) error {
	if isUniqueViolation(err, usageOrderConstraint) {
		return fmt.Errorf("%w: %s", promo.ErrOrderAlreadyHasUsage, orderID)
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func nullableInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}

func nullableDecimal(value *decimal.Decimal) decimal.NullDecimal {
	if value == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *value, Valid: true}
}

func nullableTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
