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
	ruleset "mlm-ledger/internal/ruleset/domain"
	settlement "mlm-ledger/internal/settlement/domain"
)

// Ledger is the subset of the ledger service used by settlement.
type Ledger interface {
	EnsureAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error)
	RecordBatch(ctx context.Context, entries []ledger.Entry) ([]*ledger.Transaction, error)
	Reverse(ctx context.Context, originalOperationID, newOperationID string) (*ledger.Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]*ledger.Transaction, error)
	HasOperation(ctx context.Context, operationID string) (bool, error)
	IsReversed(ctx context.Context, operationID string) (bool, error)
	PeriodTurnover(ctx context.Context, userID, period string) (decimal.Decimal, error)
}

// RuleSource hands out the active rule set snapshot.
type RuleSource interface {
	Snapshot() (*ruleset.RuleSet, error)
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine turns delivered and cancelled orders into ledger transactions.
type Engine struct {
	ledger Ledger
	rules  RuleSource
	graph  settlement.ReferralGraph
	ranks  settlement.RankProvider
	logger *log.Logger
}

// NewEngine constructs the settlement engine.
func NewEngine(ledgerSvc Ledger, rules RuleSource, graph settlement.ReferralGraph, ranks settlement.RankProvider, opts ...Option) (*Engine, error) {
	if ledgerSvc == nil {
		return nil, errors.New("settlement engine: nil ledger")
	}
	if rules == nil {
		return nil, errors.New("settlement engine: nil rule source")
	}
	if graph == nil {
		return nil, errors.New("settlement engine: nil referral graph")
	}
	if ranks == nil {
		return nil, errors.New("settlement engine: nil rank provider")
	}
	e := &Engine{ledger: ledgerSvc, rules: rules, graph: graph, ranks: ranks, logger: log.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SettleOrderDelivery records every leg of a delivered order in one atomic batch.
// Every leg has a deterministic operation id, so a retry after a crash replays
// the stored transactions instead of paying twice.
func (e *Engine) SettleOrderDelivery(ctx context.Context, order settlement.Order) ([]*ledger.Transaction, error) {
	start := time.Now()
	txs, err := e.settle(ctx, order)
	metrics.ObserveSettlement(resultOf(err), time.Since(start))
	if err != nil {
		e.logger.Printf("settlement settle: order=%s user=%s err=%v", order.ID, order.UserID, err)
		return nil, err
	}
	return txs, nil
}

func (e *Engine) settle(ctx context.Context, order settlement.Order) ([]*ledger.Transaction, error) {
	rules, err := e.rules.Snapshot()
	if err != nil {
		return nil, err
	}
	plan, err := e.quote(ctx, rules, order)
	if err != nil {
		return nil, err
	}
	if len(plan.Legs) == 0 {
		e.logger.Printf("settlement settle: order=%s nothing to post", order.ID)
		return nil, nil
	}

	txs, err := e.record(ctx, order.ID, plan.Legs)
	if err != nil {
		return nil, err
	}
	pools, err := e.settlePendingPools(ctx, rules, plan)
	if err != nil {
		return nil, err
	}
	txs = append(txs, pools...)

	replayed := 0
	for _, tx := range txs {
		if tx.Replayed {
			replayed++
		}
	}
	e.logger.Printf("settlement settle: order=%s user=%s ruleset=%d legs=%d replayed=%d base=%s",
		order.ID, order.UserID, plan.RuleSetVersion, len(txs), replayed, plan.OrderBase.StringFixed(2))
	return txs, nil
}

// settlePendingPools pays pool-first thresholds that the committed period turnover
// has reached without a stored payout. The period scoped operation id makes the
// payout single even when several settlements of the buyer race here.
func (e *Engine) settlePendingPools(ctx context.Context, rules *ruleset.RuleSet, plan settlement.Plan) ([]*ledger.Transaction, error) {
	if len(rules.PoolFirstRules) == 0 {
		return nil, nil
	}
	turnover, err := e.ledger.PeriodTurnover(ctx, plan.BuyerID, plan.Period)
	if err != nil {
		return nil, fmt.Errorf("settlement pool: %w", err)
	}
	paid := make(map[string]bool, len(rules.PoolFirstRules))
	for i := range rules.PoolFirstRules {
		operationID := settlement.PoolOperationID(plan.BuyerID, plan.Period, i+1)
		ok, err := e.ledger.HasOperation(ctx, operationID)
		if err != nil {
			return nil, fmt.Errorf("settlement pool: %w", err)
		}
		paid[operationID] = ok
	}
	legs := settlement.PendingPoolLegs(rules, plan.BuyerID, plan.OrderID, plan.Period, turnover, paid)
	if len(legs) == 0 {
		return nil, nil
	}
	e.logger.Printf("settlement pool: order=%s user=%s period=%s turnover=%s pending=%d",
		plan.OrderID, plan.BuyerID, plan.Period, turnover.StringFixed(2), len(legs))
	return e.record(ctx, plan.OrderID, legs)
}

func (e *Engine) record(ctx context.Context, orderID string, legs []settlement.Leg) ([]*ledger.Transaction, error) {
	accounts := make(map[ledger.AccountKey]ledger.Account)
	for _, key := range (settlement.Plan{Legs: legs}).AccountKeys() {
		account, err := e.ledger.EnsureAccount(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("settlement settle: ensure account %s: %w", key, err)
		}
		accounts[key] = account
	}

	entries := make([]ledger.Entry, 0, len(legs))
	for _, leg := range legs {
		entry := ledger.Entry{
			OperationID: leg.OperationID,
			OpType:      leg.OpType,
			UserID:      leg.UserID,
			OrderID:     orderID,
			Level:       leg.Level,
			Meta:        leg.Meta,
		}
		for _, p := range leg.Postings {
			from := accounts[p.From]
			entry.Postings = append(entry.Postings, ledger.PostingInput{
				DebitAccountID:  from.ID,
				CreditAccountID: accounts[p.To].ID,
				Amount:          p.Amount,
				Currency:        from.Currency,
				Memo:            p.Memo,
			})
		}
		entries = append(entries, entry)
	}
	return e.ledger.RecordBatch(ctx, entries)
}

// Quote computes the legs of an order without writing anything. All lookups
// happen here; a failure aborts before any posting exists.
func (e *Engine) Quote(ctx context.Context, order settlement.Order) (settlement.Plan, error) {
	rules, err := e.rules.Snapshot()
	if err != nil {
		return settlement.Plan{}, err
	}
	return e.quote(ctx, rules, order)
}

func (e *Engine) quote(ctx context.Context, rules *ruleset.RuleSet, order settlement.Order) (settlement.Plan, error) {
	if err := order.Validate(); err != nil {
		return settlement.Plan{}, err
	}

	buyer, err := e.graph.UserByID(ctx, order.UserID)
	if err != nil {
		return settlement.Plan{}, fmt.Errorf("%w: buyer %s: %v", settlement.ErrLookupFailed, order.UserID, err)
	}
	if buyer == nil {
		return settlement.Plan{}, fmt.Errorf("%w: %s", settlement.ErrBuyerNotFound, order.UserID)
	}

	// The option bonus goes to the nearest enabled ancestor at any level, so the walk
	// always covers the deepest level a transaction can carry.
	ancestors, err := WalkUpline(ctx, e.graph, *buyer, ledger.MaxLevel, e.logger)
	if err != nil {
		return settlement.Plan{}, err
	}

	infinity := make(map[string]settlement.InfinityEligibility)
	for _, ancestor := range ancestors {
		if ancestor.Level <= ruleset.ReferralLevels || ancestor.Level > rules.InfinityMaxDepth {
			continue
		}
		eligibility, err := e.ranks.InfinityEligibility(ctx, ancestor.User.ID)
		if err != nil {
			return settlement.Plan{}, fmt.Errorf("%w: rank of %s: %v", settlement.ErrLookupFailed, ancestor.User.ID, err)
		}
		infinity[ancestor.User.ID] = eligibility
		if eligibility.Eligible && rules.Compression {
			break
		}
	}

	previous, err := e.previousTurnover(ctx, rules, order)
	if err != nil {
		return settlement.Plan{}, err
	}

	return settlement.BuildPlan(settlement.PlanInput{
		Rules:            rules,
		Order:            order,
		Buyer:            *buyer,
		Ancestors:        ancestors,
		Infinity:         infinity,
		PreviousTurnover: previous,
	})
}

// previousTurnover is the buyer's period turnover without this order. When the
// order's accrual is already stored it is part of the ledger turnover and is taken out,
// so a retried settlement computes the same pool-first legs as the first attempt.
func (e *Engine) previousTurnover(ctx context.Context, rules *ruleset.RuleSet, order settlement.Order) (decimal.Decimal, error) {
	if len(rules.PoolFirstRules) == 0 {
		return decimal.Zero, nil
	}
	turnover, err := e.ledger.PeriodTurnover(ctx, order.UserID, rules.Period(order.CreatedAt))
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement turnover: %w", err)
	}
	accrualID := settlement.AccrualOperationID(order.ID)
	settled, err := e.ledger.HasOperation(ctx, accrualID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement turnover: %w", err)
	}
	if settled {
		reversed, err := e.ledger.IsReversed(ctx, accrualID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("settlement turnover: %w", err)
		}
		if !reversed {
			turnover = turnover.Sub(order.Base())
		}
	}
	if turnover.IsNegative() {
		return decimal.Zero, nil
	}
	return turnover, nil
}

// UnsettleOrder reverses every transaction recorded for the order. Legs that were
// never paid or are already reversed are logged and skipped.
func (e *Engine) UnsettleOrder(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: empty id", settlement.ErrInvalidOrder)
	}
	txs, err := e.ledger.ListByOrder(ctx, orderID)
	if err != nil {
		metrics.IncUnsettle(metrics.ResultError)
		return nil, err
	}

	var (
		reversals []*ledger.Transaction
		failures  []error
	)
	for _, tx := range txs {
		if tx.ReversalOf != "" {
			continue
		}
		reversal, err := e.ledger.Reverse(ctx, tx.OperationID, ledger.ReversalOperationID(tx.OperationID))
		switch {
		case err == nil:
			reversals = append(reversals, reversal)
		case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrAlreadyReversed):
			e.logger.Printf("settlement unsettle: order=%s op=%s skipped err=%v", orderID, tx.OperationID, err)
		default:
			e.logger.Printf("settlement unsettle: order=%s op=%s err=%v", orderID, tx.OperationID, err)
			failures = append(failures, fmt.Errorf("%s: %w", tx.OperationID, err))
		}
	}
	if len(failures) > 0 {
		metrics.IncUnsettle(metrics.ResultError)
		return reversals, errors.Join(failures...)
	}
	metrics.IncUnsettle(metrics.ResultSuccess)
	e.logger.Printf("settlement unsettle: order=%s legs=%d reversed=%d", orderID, len(txs), len(reversals))
	return reversals, nil
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, settlement.ErrLookupFailed), errors.Is(err, ruleset.ErrConfigUnavailable):
		return metrics.ResultRetryable
	default:
		return metrics.ResultError
	}
}
