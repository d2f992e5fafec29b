package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	ledger "mlm-ledger/internal/ledger/domain"
	ruleset "mlm-ledger/internal/ruleset/domain"
)

// Order is the settlement view of a delivered order.
type Order struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	ItemsSubtotal    decimal.Decimal  `json:"items_subtotal"`
	PromoDiscount    decimal.Decimal  `json:"promo_discount"`
	ReferralDiscount decimal.Decimal  `json:"referral_discount"`
	DeliveryFee      decimal.Decimal  `json:"delivery_fee"`
	CustomPV         *decimal.Decimal `json:"custom_pv,omitempty"`
	Cashback         *decimal.Decimal `json:"cashback,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	DeliveredAt      time.Time        `json:"delivered_at"`
}

// Validate checks the fields settlement depends on.
func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidOrder)
	}
	if strings.TrimSpace(o.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidOrder)
	}
	if o.ItemsSubtotal.IsNegative() || o.PromoDiscount.IsNegative() || o.ReferralDiscount.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrInvalidOrder)
	}
	for _, amount := range []decimal.Decimal{o.ItemsSubtotal, o.PromoDiscount, o.ReferralDiscount, o.DeliveryFee} {
		if !ledger.HasAmountScale(amount) {
			return fmt.Errorf("%w: amount %s has more than %d decimals", ErrInvalidOrder, amount, ledger.AmountScale)
		}
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created at", ErrInvalidOrder)
	}
	return nil
}

// Base is the items subtotal minus promo and referral discounts, never negative.
func (o Order) Base() decimal.Decimal {
	base := o.ItemsSubtotal.Sub(o.PromoDiscount).Sub(o.ReferralDiscount)
	if base.IsNegative() {
		return decimal.Zero
	}
	return base
}

// User is a node of the referral forest.
type User struct {
	ID                  string
	ReferralCode        string
	AppliedReferralCode string
	Rank                string
	IsActive            bool
	OptionEnabled       bool
	FreedomShares       [4]decimal.Decimal
	RegisteredAt        time.Time
	ActivatedAt         *time.Time
}

// FastStartEnds returns the end of the user's fast-start window. ok is false when
// the anchor is not set (a user who was never activated has no activation window).
func (u User) FastStartEnds(rules *ruleset.RuleSet) (time.Time, bool) {
	var anchor time.Time
	switch rules.FastStartStartPoint {
	case ruleset.StartRegistration:
		anchor = u.RegisteredAt
	default:
		if u.ActivatedAt != nil {
			anchor = *u.ActivatedAt
		}
	}
	if anchor.IsZero() || rules.FastStartWeeks <= 0 {
		return time.Time{}, false
	}
	return anchor.Add(time.Duration(rules.FastStartWeeks) * 7 * 24 * time.Hour), true
}

// InFastStart reports whether an order created at t falls inside the window.
func (u User) InFastStart(rules *ruleset.RuleSet, t time.Time) bool {
	end, ok := u.FastStartEnds(rules)
	return ok && t.Before(end)
}

// InfinityEligibility is the rank provider's answer for one user.
// A positive Rate overrides the rule set's infinity rate.
type InfinityEligibility struct {
	Eligible bool
	Rate     decimal.Decimal
}

// ReferralGraph resolves users. Both lookups return nil, nil for unknown keys.
type ReferralGraph interface {
	UserByID(ctx context.Context, id string) (*User, error)
	UserByReferralCode(ctx context.Context, code string) (*User, error)
}

// RankProvider answers infinity eligibility. Rank is read here, never computed.
type RankProvider interface {
	InfinityEligibility(ctx context.Context, userID string) (InfinityEligibility, error)
}

// Ancestor is an upline member at Level hops above the buyer.
type Ancestor struct {
	Level int
	User  User
}
