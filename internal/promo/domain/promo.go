package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PromoCode is a redeemable discount code with an optional usage cap.
type PromoCode struct {
	ID              string           `json:"id"`
	Code            string           `json:"code"`
	MaxUses         *int             `json:"max_uses,omitempty"`
	CurrentUses     int              `json:"current_uses"`
	MinOrderRub     *decimal.Decimal `json:"min_order_rub,omitempty"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	OnePerUser      bool             `json:"one_per_user"`
	IsActive        bool             `json:"is_active"`
	DiscountPercent decimal.Decimal  `json:"discount_percent"`
	DiscountRub     decimal.Decimal  `json:"discount_rub"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Usage records that an order redeemed a code. At most one usage exists per order.
type Usage struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	OrderID     string          `json:"order_id"`
	PromoCodeID string          `json:"promo_code_id"`
	DiscountRub decimal.Decimal `json:"discount_rub"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Reason is the machine-readable outcome of a validation.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonNotFound          Reason = "not_found"
	ReasonInactive          Reason = "inactive"
	ReasonExpired           Reason = "expired"
	ReasonUsageLimitReached Reason = "usage_limit_reached"
	ReasonMinOrderNotMet    Reason = "min_order_not_met"
	ReasonAlreadyUsedByUser Reason = "already_used_by_user"
)

// Validation is the read-only answer to "can this user use this code now".
type Validation struct {
	Valid    bool            `json:"valid"`
	Reason   Reason          `json:"reason"`
	Code     *PromoCode      `json:"code,omitempty"`
	Discount decimal.Decimal `json:"discount"`
}

// Rejected builds a failed validation.
func Rejected(reason Reason, code *PromoCode) Validation {
	return Validation{Reason: reason, Code: code, Discount: decimal.Zero}
}

// ReasonOf maps apply errors to their reason. Unknown errors have no reason.
func ReasonOf(err error) (Reason, bool) {
	switch {
	case errors.Is(err, ErrUsageLimitReached):
		return ReasonUsageLimitReached, true
	case errors.Is(err, ErrAlreadyUsedByUser):
		return ReasonAlreadyUsedByUser, true
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound, true
	default:
		return "", false
	}
}

// NormalizeCode is the lookup form of a code string.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks the definition of a code.
func (p PromoCode) Validate() error {
	if NormalizeCode(p.Code) == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidCode)
	}
	if p.MaxUses != nil && *p.MaxUses < 0 {
		return fmt.Errorf("%w: negative max uses", ErrInvalidCode)
	}
	if p.CurrentUses < 0 || (p.MaxUses != nil && p.CurrentUses > *p.MaxUses) {
		return fmt.Errorf("%w: current uses out of range", ErrInvalidCode)
	}
	if p.DiscountPercent.IsNegative() || p.DiscountPercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount percent must be within 0..100", ErrInvalidCode)
	}
	if p.DiscountRub.IsNegative() {
		return fmt.Errorf("%w: negative discount", ErrInvalidCode)
	}
	if p.MinOrderRub != nil && p.MinOrderRub.IsNegative() {
		return fmt.Errorf("%w: negative min order", ErrInvalidCode)
	}
	return nil
}

// Exhausted reports whether the cap is reached.
func (p PromoCode) Exhausted() bool {
	return p.MaxUses != nil && p.CurrentUses >= *p.MaxUses
}

// Check runs the state checks that do not need the user's history, in the order
// active flag, expiry, cap, minimum order.
func (p PromoCode) Check(now time.Time, subtotal decimal.Decimal) Reason {
	switch {
	case !p.IsActive:
		return ReasonInactive
	case p.ExpiresAt != nil && !now.Before(*p.ExpiresAt):
		return ReasonExpired
	case p.Exhausted():
		return ReasonUsageLimitReached
	case p.MinOrderRub != nil && subtotal.LessThan(*p.MinOrderRub):
		return ReasonMinOrderNotMet
	default:
		return ReasonOK
	}
}

// Discount is the percent part plus the fixed part, rounded to kopecks and capped at subtotal.
func (p PromoCode) Discount(subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() {
		return decimal.Zero
	}
	discount := subtotal.Mul(p.DiscountPercent).Div(hundred).Add(p.DiscountRub).Round(2)
	if discount.GreaterThan(subtotal) {
		return subtotal
	}
	return discount
}

// ApplyRequest is one redemption attempt.
type ApplyRequest struct {
	UserID      string
	OrderID     string
	PromoCodeID string
	DiscountRub decimal.Decimal
	OnePerUser  bool
}

// Repository persists codes and usages. Apply and CancelByOrder are atomic units.
type Repository interface {
	Create(ctx context.Context, code PromoCode) (PromoCode, error)
	GetByID(ctx context.Context, id string) (*PromoCode, error)
	GetByCode(ctx context.Context, code string) (*PromoCode, error)
	// TryIncrement bumps current_uses only while below the cap, as one conditional update.
	TryIncrement(ctx context.Context, id string) (bool, error)
	// Decrement lowers current_uses, never below zero.
	Decrement(ctx context.Context, id string) error
	HasUserUsage(ctx context.Context, userID, codeID string) (bool, error)
	UsageByOrder(ctx context.Context, orderID string) (*Usage, error)
	// Apply increments, checks one-per-user and inserts the usage, or does none of it.
	Apply(ctx context.Context, req ApplyRequest) (Usage, error)
	// CancelByOrder deletes the usage and decrements. It returns nil when no usage exists.
	CancelByOrder(ctx context.Context, orderID string) (*Usage, error)
}

var hundred = decimal.NewFromInt(100)
