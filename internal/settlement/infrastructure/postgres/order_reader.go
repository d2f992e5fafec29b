package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	settlement "mlm-ledger/internal/settlement/domain"
)

const selectOrder = `
SELECT id, user_id, items_subtotal, promo_discount, referral_discount, delivery_fee,
	custom_pv, cashback, created_at, delivered_at
FROM orders`

// OrderReader reads the storefront's orders table.
type OrderReader struct {
	db *sql.DB
}

// NewOrderReader constructs an order reader.
func NewOrderReader(db *sql.DB) (*OrderReader, error) {
	if db == nil {
		return nil, errors.New("order reader: nil db")
	}
	return &OrderReader{db: db}, nil
}

// OrderByID returns an order or nil.
func (r *OrderReader) OrderByID(ctx context.Context, id string) (*settlement.Order, error) {
	return scanOrder(r.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id))
}

// DeliveredWithCashback returns delivered orders with positive cashback delivered before cutoff.
func (r *OrderReader) DeliveredWithCashback(ctx context.Context, cutoff time.Time) ([]settlement.Order, error) {
	rows, err := r.db.QueryContext(ctx, selectOrder+`
WHERE status = 'delivered' AND cashback > 0 AND delivered_at IS NOT NULL AND delivered_at < $1
ORDER BY delivered_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []settlement.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		if order != nil {
			orders = append(orders, *order)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanOrder(row rowScanner) (*settlement.Order, error) {
	var (
		order       settlement.Order
		customPV    decimal.NullDecimal
		cashback    decimal.NullDecimal
		deliveredAt sql.NullTime
	)
	err := row.Scan(&order.ID, &order.UserID, &order.ItemsSubtotal, &order.PromoDiscount, &order.ReferralDiscount,
		&order.DeliveryFee, &customPV, &cashback, &order.CreatedAt, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if customPV.Valid {
		value := customPV.Decimal
		order.CustomPV = &value
	}
	if cashback.Valid {
		value := cashback.Decimal
		order.Cashback = &value
	}
	order.CreatedAt = order.CreatedAt.UTC()
	if deliveredAt.Valid {
		order.DeliveredAt = deliveredAt.Time.UTC()
	}
	return &order, nil
}
