package ruleset

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// MoneyRounding is the rounding mode for money amounts.
type MoneyRounding string

const (
	RoundHalfUp   MoneyRounding = "half_up"
	RoundHalfEven MoneyRounding = "half_even"
)

// PVRounding is the rounding mode for point values.
type PVRounding string

const (
	PVFloor PVRounding = "floor"
	PVRound PVRounding = "round"
)

// StartPoint anchors the fast-start window.
type StartPoint string

const (
	StartActivation   StartPoint = "activation"
	StartRegistration StartPoint = "registration"
)

// ReferralLevels is the number of steady-state referral levels.
const ReferralLevels = 3

// MaxInfinityDepth is the deepest level infinity bonuses can reach.
const MaxInfinityDepth = 15

// PoolFirstRule pays Payout the first time period turnover reaches Threshold.
type PoolFirstRule struct {
	Threshold decimal.Decimal `json:"threshold" yaml:"threshold"`
	Payout    decimal.Decimal `json:"payout" yaml:"payout"`
}

// RuleSet is one versioned settlement configuration. Percent fields hold whole
// percents (5 means 5%). A RuleSet handed out by the holder must not be mutated.
type RuleSet struct {
	ID          string    `json:"-" yaml:"-"`
	Version     int       `json:"-" yaml:"-"`
	CreatedAt   time.Time `json:"-" yaml:"-"`
	ActivatedAt time.Time `json:"-" yaml:"-"`

	ReferralDiscountPercent decimal.Decimal   `json:"referral_discount_percent" yaml:"referral_discount_percent"`
	NetworkFundPercent      decimal.Decimal   `json:"network_fund_percent" yaml:"network_fund_percent"`
	VWCCashbackPercent      decimal.Decimal   `json:"vwc_cashback_percent" yaml:"vwc_cashback_percent"`
	FreeShippingThreshold   decimal.Decimal   `json:"free_shipping_threshold" yaml:"free_shipping_threshold"`
	DeliveryBasePrice       decimal.Decimal   `json:"delivery_base_price" yaml:"delivery_base_price"`
	PVRate                  decimal.Decimal   `json:"pv_rate" yaml:"pv_rate"`
	RoundingMoney           MoneyRounding     `json:"rounding_money" yaml:"rounding_money"`
	RoundingPV              PVRounding        `json:"rounding_pv" yaml:"rounding_pv"`
	ReferralLevelPercents   []decimal.Decimal `json:"referral_level_percents" yaml:"referral_level_percents"`
	FastStartWeeks          int               `json:"fast_start_weeks" yaml:"fast_start_weeks"`
	FastStartStartPoint     StartPoint        `json:"fast_start_start_point" yaml:"fast_start_start_point"`
	FastStartPercents       []decimal.Decimal `json:"fast_start_percents" yaml:"fast_start_percents"`
	InfinityRate            decimal.Decimal   `json:"infinity_rate" yaml:"infinity_rate"`
	InfinityMaxDepth        int               `json:"infinity_max_depth" yaml:"infinity_max_depth"`
	OptionBonusPercent      decimal.Decimal   `json:"option_bonus_percent" yaml:"option_bonus_percent"`
	Compression             bool              `json:"compression" yaml:"compression"`
	Timezone                string            `json:"timezone" yaml:"timezone"`
	PoolFirstRules          []PoolFirstRule   `json:"pool_first_rules" yaml:"pool_first_rules"`
}

// Repository persists rule set versions.
type Repository interface {
	// LoadActive returns the active rule set or nil when none is flagged active.
	LoadActive(ctx context.Context) (*RuleSet, error)
	// Activate stores rs as a new version and makes it the only active row.
	Activate(ctx context.Context, rs RuleSet) (RuleSet, error)
	List(ctx context.Context) ([]RuleSet, error)
}

var hundred = decimal.NewFromInt(100)

// Defaults returns the compiled-in rule set.
func Defaults() RuleSet {
	return RuleSet{
		ReferralDiscountPercent: decimal.NewFromInt(10),
		NetworkFundPercent:      decimal.NewFromInt(50),
		VWCCashbackPercent:      decimal.NewFromInt(5),
		FreeShippingThreshold:   decimal.NewFromInt(5000),
		DeliveryBasePrice:       decimal.NewFromInt(300),
		PVRate:                  decimal.NewFromInt(100),
		RoundingMoney:           RoundHalfUp,
		RoundingPV:              PVFloor,
		ReferralLevelPercents:   []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(5), decimal.NewFromInt(3)},
		FastStartWeeks:          8,
		FastStartStartPoint:     StartActivation,
		FastStartPercents:       []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(3), decimal.NewFromInt(2)},
		InfinityRate:            decimal.NewFromInt(1),
		InfinityMaxDepth:        MaxInfinityDepth,
		OptionBonusPercent:      decimal.NewFromInt(2),
		Compression:             false,
		Timezone:                "Europe/Moscow",
		PoolFirstRules: []PoolFirstRule{
			{Threshold: decimal.NewFromInt(50000), Payout: decimal.NewFromInt(1000)},
			{Threshold: decimal.NewFromInt(100000), Payout: decimal.NewFromInt(2500)},
		},
	}
}

// Clone returns a deep copy.
func (r RuleSet) Clone() RuleSet {
	r.ReferralLevelPercents = append([]decimal.Decimal(nil), r.ReferralLevelPercents...)
	r.FastStartPercents = append([]decimal.Decimal(nil), r.FastStartPercents...)
	r.PoolFirstRules = append([]PoolFirstRule(nil), r.PoolFirstRules...)
	return r
}

// Validate checks ranges and table shapes.
func (r RuleSet) Validate() error {
	percents := map[string]decimal.Decimal{
		"referral_discount_percent": r.ReferralDiscountPercent,
		"network_fund_percent":      r.NetworkFundPercent,
		"vwc_cashback_percent":      r.VWCCashbackPercent,
		"infinity_rate":             r.InfinityRate,
		"option_bonus_percent":      r.OptionBonusPercent,
	}
	for name, value := range percents {
		if err := checkPercent(name, value); err != nil {
			return err
		}
	}
	if len(r.ReferralLevelPercents) != ReferralLevels {
		return fmt.Errorf("%w: referral_level_percents needs %d entries, got %d", ErrInvalidRuleSet, ReferralLevels, len(r.ReferralLevelPercents))
	}
	if len(r.FastStartPercents) != ReferralLevels {
		return fmt.Errorf("%w: fast_start_percents needs %d entries, got %d", ErrInvalidRuleSet, ReferralLevels, len(r.FastStartPercents))
	}
	for i := 0; i < ReferralLevels; i++ {
		if err := checkPercent(fmt.Sprintf("referral_level_percents[%d]", i), r.ReferralLevelPercents[i]); err != nil {
			return err
		}
		if err := checkPercent(fmt.Sprintf("fast_start_percents[%d]", i), r.FastStartPercents[i]); err != nil {
			return err
		}
	}
	if r.FreeShippingThreshold.IsNegative() || r.DeliveryBasePrice.IsNegative() {
		return fmt.Errorf("%w: delivery amounts must not be negative", ErrInvalidRuleSet)
	}
	if !r.PVRate.IsPositive() {
		return fmt.Errorf("%w: pv_rate must be positive", ErrInvalidRuleSet)
	}
	switch r.RoundingMoney {
	case RoundHalfUp, RoundHalfEven:
	default:
		return fmt.Errorf("%w: rounding_money %q", ErrInvalidRuleSet, r.RoundingMoney)
	}
	switch r.RoundingPV {
	case PVFloor, PVRound:
	default:
		return fmt.Errorf("%w: rounding_pv %q", ErrInvalidRuleSet, r.RoundingPV)
	}
	switch r.FastStartStartPoint {
	case StartActivation, StartRegistration:
	default:
		return fmt.Errorf("%w: fast_start_start_point %q", ErrInvalidRuleSet, r.FastStartStartPoint)
	}
	if r.FastStartWeeks < 0 {
		return fmt.Errorf("%w: fast_start_weeks must not be negative", ErrInvalidRuleSet)
	}
	if r.InfinityMaxDepth < 0 || r.InfinityMaxDepth > MaxInfinityDepth {
		return fmt.Errorf("%w: infinity_max_depth %d outside 0..%d", ErrInvalidRuleSet, r.InfinityMaxDepth, MaxInfinityDepth)
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidRuleSet, r.Timezone, err)
	}
	prev := decimal.Zero
	for i, rule := range r.PoolFirstRules {
		if !rule.Threshold.GreaterThan(prev) {
			return fmt.Errorf("%w: pool_first_rules[%d] threshold must ascend", ErrInvalidRuleSet, i)
		}
		if !rule.Payout.IsPositive() {
			return fmt.Errorf("%w: pool_first_rules[%d] payout must be positive", ErrInvalidRuleSet, i)
		}
		prev = rule.Threshold
	}
	return nil
}

func checkPercent(name string, value decimal.Decimal) error {
	if value.IsNegative() || value.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s=%s outside 0..100", ErrInvalidRuleSet, name, value)
	}
	return nil
}

// RoundMoney rounds to kopecks with the configured mode.
func (r RuleSet) RoundMoney(amount decimal.Decimal) decimal.Decimal {
	if r.RoundingMoney == RoundHalfEven {
		return amount.RoundBank(2)
	}
	return amount.Round(2)
}

// RoundPV rounds a point value to a whole number with the configured mode.
func (r RuleSet) RoundPV(pv decimal.Decimal) decimal.Decimal {
	if r.RoundingPV == PVRound {
		return pv.Round(0)
	}
	return pv.Floor()
}

// Percent returns base * pct / 100 without rounding.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// PercentMoney returns the rounded money share of base.
func (r RuleSet) PercentMoney(base, pct decimal.Decimal) decimal.Decimal {
	return r.RoundMoney(Percent(base, pct))
}

// PV converts an order base into rounded point value.
func (r RuleSet) PV(base decimal.Decimal) decimal.Decimal {
	if !r.PVRate.IsPositive() {
		return decimal.Zero
	}
	return r.RoundPV(base.Div(r.PVRate))
}

// DeliveryFee returns the delivery charge for a subtotal.
func (r RuleSet) DeliveryFee(subtotal decimal.Decimal) decimal.Decimal {
	if r.FreeShippingThreshold.IsPositive() && subtotal.GreaterThanOrEqual(r.FreeShippingThreshold) {
		return decimal.Zero
	}
	return r.RoundMoney(r.DeliveryBasePrice)
}

// ReferralDiscount returns the discount granted to a referred buyer.
func (r RuleSet) ReferralDiscount(subtotal decimal.Decimal) decimal.Decimal {
	return r.PercentMoney(subtotal, r.ReferralDiscountPercent)
}

// LevelPercent returns the referral percent of level 1..3, zero otherwise.
func (r RuleSet) LevelPercent(level int) decimal.Decimal {
	if level < 1 || level > len(r.ReferralLevelPercents) {
		return decimal.Zero
	}
	return r.ReferralLevelPercents[level-1]
}

// FastStartPercent returns the fast-start percent of level 1..3, zero otherwise.
func (r RuleSet) FastStartPercent(level int) decimal.Decimal {
	if level < 1 || level > len(r.FastStartPercents) {
		return decimal.Zero
	}
	return r.FastStartPercents[level-1]
}

// Location returns the calculation timezone, UTC when it cannot be loaded.
func (r RuleSet) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Period returns the calendar month of t in the calculation timezone as YYYY-MM.
func (r RuleSet) Period(t time.Time) string {
	return t.In(r.Location()).Format("2006-01")
}
