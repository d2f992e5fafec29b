package settlement

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	ledger "mlm-ledger/internal/ledger/domain"
	ruleset "mlm-ledger/internal/ruleset/domain"
)

// Clearing accounts. Every referral and leader credit is funded from the network
// fund, which is itself credited from order revenue by the accrual.
var (
	RevenueAccount     = ledger.SystemAccount(ledger.AccountCashRUB)
	NetworkFundAccount = ledger.SystemAccount(ledger.AccountNetworkFund)
	PVIssueAccount     = ledger.SystemAccount(ledger.AccountPV)
	VWCIssueAccount    = ledger.SystemAccount(ledger.AccountVWC)
)

// Meta keys written on settlement transactions.
const (
	MetaBuyerID        = "buyer_id"
	MetaRuleSetVersion = "ruleset_version"
	MetaThreshold      = "threshold"
)

var hundred = decimal.NewFromInt(100)

// LegPosting moves Amount between two accounts identified by key.
type LegPosting struct {
	From   ledger.AccountKey
	To     ledger.AccountKey
	Amount decimal.Decimal
	Memo   string
}

// Leg is one ledger transaction of a settlement.
type Leg struct {
	OperationID string
	OpType      ledger.OpType
	UserID      string
	Level       int
	Meta        map[string]string
	Postings    []LegPosting
}

// Total returns the sum of the leg's posting amounts.
func (l Leg) Total() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.Postings {
		total = total.Add(p.Amount)
	}
	return total
}

// Plan is the full set of legs computed for one order under one rule set snapshot.
type Plan struct {
	OrderID        string
	BuyerID        string
	RuleSetVersion int
	Period         string
	OrderBase      decimal.Decimal
	PV             decimal.Decimal
	Cashback       decimal.Decimal
	NetworkFund    decimal.Decimal
	Legs           []Leg
}

// AccountKeys returns every account referenced by the plan, deduplicated.
func (p Plan) AccountKeys() []ledger.AccountKey {
	seen := make(map[ledger.AccountKey]struct{})
	var keys []ledger.AccountKey
	for _, leg := range p.Legs {
		for _, posting := range leg.Postings {
			for _, key := range []ledger.AccountKey{posting.From, posting.To} {
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// PlanInput carries everything BuildPlan needs. All of it is read before planning.
type PlanInput struct {
	Rules     *ruleset.RuleSet
	Order     Order
	Buyer     User
	Ancestors []Ancestor
	// Infinity holds rank answers keyed by user id for ancestors beyond level 3.
	Infinity map[string]InfinityEligibility
	// PreviousTurnover is the buyer's period turnover excluding this order.
	PreviousTurnover decimal.Decimal
}

// BuildPlan computes the settlement legs in their fixed order: accrual (PV, cashback,
// network fund), referral levels, fast start, infinity, option bonus, pool-first.
// Zero-amount postings are dropped and legs left without postings are skipped.
func BuildPlan(in PlanInput) (Plan, error) {
	rules := in.Rules
	if rules == nil {
		return Plan{}, ruleset.ErrConfigUnavailable
	}
	if err := in.Order.Validate(); err != nil {
		return Plan{}, err
	}
	order := in.Order
	base := order.Base()
	plan := Plan{
		OrderID:        order.ID,
		BuyerID:        in.Buyer.ID,
		RuleSetVersion: rules.Version,
		Period:         rules.Period(order.CreatedAt),
		OrderBase:      base,
	}

	if order.CustomPV != nil {
		plan.PV = rules.RoundPV(*order.CustomPV)
	} else {
		plan.PV = rules.PV(base)
	}
	if order.Cashback != nil {
		plan.Cashback = rules.RoundMoney(*order.Cashback)
	} else {
		plan.Cashback = rules.PercentMoney(base, rules.VWCCashbackPercent)
	}
	plan.NetworkFund = rules.PercentMoney(base, rules.NetworkFundPercent)

	accrual := plan.newLeg(AccrualOperationID(order.ID), ledger.OpOrderAccrual, in.Buyer.ID, 0)
	accrual.Meta[ledger.MetaOrderBase] = base.StringFixed(2)
	accrual.Meta[ledger.MetaPeriod] = plan.Period
	accrual.add(PVIssueAccount, ledger.UserAccount(in.Buyer.ID, ledger.AccountPV), plan.PV, "pv")
	accrual.add(VWCIssueAccount, ledger.UserAccount(in.Buyer.ID, ledger.AccountVWC), plan.Cashback, "vwc_cashback")
	accrual.add(RevenueAccount, NetworkFundAccount, plan.NetworkFund, "network_fund")
	plan.push(accrual)

	for _, ancestor := range in.Ancestors {
		if ancestor.Level > ruleset.ReferralLevels {
			break
		}
		amount := rules.PercentMoney(base, rules.LevelPercent(ancestor.Level))
		plan.pushBonus(ledger.OpReferralBonus, ancestor, amount)
	}

	if in.Buyer.InFastStart(rules, order.CreatedAt) {
		for _, ancestor := range in.Ancestors {
			if ancestor.Level > ruleset.ReferralLevels {
				break
			}
			amount := rules.PercentMoney(base, rules.FastStartPercent(ancestor.Level))
			plan.pushBonus(ledger.OpFastStart, ancestor, amount)
		}
	}

	for _, ancestor := range in.Ancestors {
		if ancestor.Level <= ruleset.ReferralLevels {
			continue
		}
		if ancestor.Level > rules.InfinityMaxDepth {
			break
		}
		eligibility := in.Infinity[ancestor.User.ID]
		if !eligibility.Eligible {
			continue
		}
		rate := rules.InfinityRate
		if eligibility.Rate.IsPositive() {
			rate = eligibility.Rate
		}
		plan.pushBonus(ledger.OpInfinity, ancestor, rules.PercentMoney(base, rate))
		if rules.Compression {
			break
		}
	}

	for _, ancestor := range in.Ancestors {
		if !ancestor.User.OptionEnabled {
			continue
		}
		amount := rules.PercentMoney(base, rules.OptionBonusPercent)
		plan.push(optionLeg(plan, rules, ancestor, amount))
		break
	}

	previous := in.PreviousTurnover
	current := previous.Add(base)
	for i, rule := range rules.PoolFirstRules {
		if previous.GreaterThanOrEqual(rule.Threshold) || current.LessThan(rule.Threshold) {
			continue
		}
		plan.push(plan.poolLeg(rules, i, rule))
	}
	return plan, nil
}

// PendingPoolLegs returns the pool-first legs whose threshold the committed turnover
// has reached but whose period operation is not in paid. It catches crossings that
// concurrent settlements of the same buyer each planned without seeing the other.
func PendingPoolLegs(rules *ruleset.RuleSet, buyerID, orderID, period string, turnover decimal.Decimal, paid map[string]bool) []Leg {
	if rules == nil {
		return nil
	}
	plan := Plan{OrderID: orderID, BuyerID: buyerID, RuleSetVersion: rules.Version, Period: period}
	for i, rule := range rules.PoolFirstRules {
		if turnover.LessThan(rule.Threshold) || paid[PoolOperationID(buyerID, period, i+1)] {
			continue
		}
		plan.push(plan.poolLeg(rules, i, rule))
	}
	return plan.Legs
}

func (p *Plan) poolLeg(rules *ruleset.RuleSet, i int, rule ruleset.PoolFirstRule) Leg {
	leg := p.newLeg(PoolOperationID(p.BuyerID, p.Period, i+1), ledger.OpFirstPool, p.BuyerID, 0)
	leg.Meta[ledger.MetaPeriod] = p.Period
	leg.Meta[MetaThreshold] = rule.Threshold.String()
	leg.add(NetworkFundAccount, ledger.UserAccount(p.BuyerID, ledger.AccountCashRUB), rules.RoundMoney(rule.Payout), "pool_first_"+strconv.Itoa(i+1))
	return leg
}

// optionLeg splits the option bonus by the recipient's freedom shares. Shares summing
// to zero pay the whole amount; shares below 100 leave the remainder in the fund.
func optionLeg(plan Plan, rules *ruleset.RuleSet, ancestor Ancestor, amount decimal.Decimal) Leg {
	recipient := ancestor.User
	leg := plan.newLeg(OptionOperationID(plan.OrderID), ledger.OpOptionBonus, recipient.ID, ancestor.Level)
	to := ledger.UserAccount(recipient.ID, ledger.AccountReferral)

	shareSum := decimal.Zero
	for _, share := range recipient.FreedomShares {
		if share.IsPositive() {
			shareSum = shareSum.Add(share)
		}
	}
	if shareSum.IsZero() {
		leg.add(NetworkFundAccount, to, amount, string(ledger.OpOptionBonus))
		return leg
	}
	denominator := hundred
	if shareSum.GreaterThan(hundred) {
		denominator = shareSum
	}
	paid := decimal.Zero
	for i, share := range recipient.FreedomShares {
		if !share.IsPositive() {
			continue
		}
		part := rules.RoundMoney(amount.Mul(share).Div(denominator))
		if remaining := amount.Sub(paid); part.GreaterThan(remaining) {
			part = remaining
		}
		leg.add(NetworkFundAccount, to, part, fmt.Sprintf("freedom_share_%d", i+1))
		paid = paid.Add(part)
	}
	return leg
}

func (p *Plan) newLeg(operationID string, opType ledger.OpType, userID string, level int) Leg {
	return Leg{
		OperationID: operationID,
		OpType:      opType,
		UserID:      userID,
		Level:       level,
		Meta: map[string]string{
			MetaBuyerID:        p.BuyerID,
			MetaRuleSetVersion: strconv.Itoa(p.RuleSetVersion),
		},
	}
}

func (p *Plan) pushBonus(opType ledger.OpType, ancestor Ancestor, amount decimal.Decimal) {
	leg := p.newLeg(LevelOperationID(p.OrderID, opType, ancestor.Level), opType, ancestor.User.ID, ancestor.Level)
	leg.add(NetworkFundAccount, ledger.UserAccount(ancestor.User.ID, ledger.AccountReferral), amount, fmt.Sprintf("%s_L%d", opType, ancestor.Level))
	p.push(leg)
}

func (p *Plan) push(leg Leg) {
	if len(leg.Postings) == 0 {
		return
	}
	p.Legs = append(p.Legs, leg)
}

func (l *Leg) add(from, to ledger.AccountKey, amount decimal.Decimal, memo string) {
	if !amount.IsPositive() {
		return
	}
	l.Postings = append(l.Postings, LegPosting{From: from, To: to, Amount: amount, Memo: memo})
}
