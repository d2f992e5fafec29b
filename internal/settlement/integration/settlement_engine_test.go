package integration_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	ledgerapp "mlm-ledger/internal/ledger/application"
	ledger "mlm-ledger/internal/ledger/domain"
	ledgermem "mlm-ledger/internal/ledger/infrastructure/memory"
	ruleset "mlm-ledger/internal/ruleset/domain"
	settleapp "mlm-ledger/internal/settlement/application"
	settlement "mlm-ledger/internal/settlement/domain"
	graphmem "mlm-ledger/internal/settlement/infrastructure/memory"
)

var orderTime = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestSettlement_OrderBaseCashbackAndNetworkFund(t *testing.T) {
	f := newFixture(t, testRules())
	f.graph.Put(settlement.User{ID: "buyer", ReferralCode: "BUY"})

	txs, err := f.engine.SettleOrderDelivery(context.Background(), settlement.Order{
		ID:               "o-1",
		UserID:           "buyer",
		ItemsSubtotal:    dec("1000"),
		ReferralDiscount: dec("100"),
		CreatedAt:        orderTime,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(txs) != 1 || txs[0].OperationID != "order:o-1:order_accrual" {
		t.Fatalf("expected a single accrual, got %d", len(txs))
	}
	if txs[0].Meta[ledger.MetaOrderBase] != "900.00" {
		t.Fatalf("order base meta: %q", txs[0].Meta[ledger.MetaOrderBase])
	}

	f.expectBalance(t, ledger.UserAccount("buyer", ledger.AccountVWC), "45")
	f.expectBalance(t, ledger.SystemAccount(ledger.AccountNetworkFund), "450")
	f.expectBalance(t, ledger.UserAccount("buyer", ledger.AccountPV), "9")
	f.expectBalance(t, ledger.SystemAccount(ledger.AccountCashRUB), "-450")
}

func TestSettlement_ReferralLevelsStopAtThree(t *testing.T) {
	f := newFixture(t, testRules())
	putChain(f.graph, "E", "A", "B", "C", "D")

	txs, err := f.engine.SettleOrderDelivery(context.Background(), order("o-chain", "D", "1000"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	f.expectBalance(t, ledger.UserAccount("C", ledger.AccountReferral), "100")
	f.expectBalance(t, ledger.UserAccount("B", ledger.AccountReferral), "50")
	f.expectBalance(t, ledger.UserAccount("A", ledger.AccountReferral), "30")
	f.expectBalance(t, ledger.UserAccount("E", ledger.AccountReferral), "0")
	f.expectBalance(t, ledger.SystemAccount(ledger.AccountNetworkFund), "320")

	for _, tx := range txs {
		if tx.Level > 3 {
			t.Fatalf("unexpected level %d payment %s", tx.Level, tx.OperationID)
		}
	}
	if ok, _ := f.ledger.HasOperation(context.Background(), "order:o-chain:referral_bonus:L4"); ok {
		t.Fatalf("level 4 referral must not exist")
	}
}

func TestSettlement_SettleTwiceEqualsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testRules())
	putChain(f.graph, "A", "B", "C", "D")
	o := order("o-retry", "D", "1234.56")

	first, err := f.engine.SettleOrderDelivery(ctx, o)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	snapshot := f.balances(t, "A", "B", "C", "D")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again, err := f.engine.SettleOrderDelivery(ctx, o)
			if err != nil {
				t.Errorf("settle retry: %v", err)
				return
			}
			if len(again) != len(first) {
				t.Errorf("retry legs: got=%d want=%d", len(again), len(first))
			}
			for _, tx := range again {
				if !tx.Replayed {
					t.Errorf("retry must replay %s", tx.OperationID)
				}
			}
		}()
	}
	wg.Wait()

	after := f.balances(t, "A", "B", "C", "D")
	for key, want := range snapshot {
		if !after[key].Equal(want) {
			t.Fatalf("%s changed on retry: got=%s want=%s", key, after[key], want)
		}
	}
}

func TestSettlement_UnsettleRestoresBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testRules())
	putChain(f.graph, "A", "B", "C", "D")

	if _, err := f.engine.SettleOrderDelivery(ctx, order("o-cancel", "D", "1000")); err != nil {
		t.Fatalf("settle: %v", err)
	}
	reversals, err := f.engine.UnsettleOrder(ctx, "o-cancel")
	if err != nil {
		t.Fatalf("unsettle: %v", err)
	}
	if len(reversals) != 4 {
		t.Fatalf("expected 4 reversals, got %d", len(reversals))
	}
	for key, balance := range f.balances(t, "A", "B", "C", "D") {
		if !balance.IsZero() {
			t.Fatalf("%s not restored: %s", key, balance)
		}
	}

	again, err := f.engine.UnsettleOrder(ctx, "o-cancel")
	if err != nil {
		t.Fatalf("unsettle again: %v", err)
	}
	for _, tx := range again {
		if !tx.Replayed {
			t.Fatalf("second unsettle must only replay, got new %s", tx.OperationID)
		}
	}

	none, err := f.engine.UnsettleOrder(ctx, "o-never-settled")
	if err != nil || len(none) != 0 {
		t.Fatalf("unsettling an unknown order must be a no-op: %v", err)
	}
}

func TestSettlement_FastStartUsesOrderCreationTime(t *testing.T) {
	ctx := context.Background()
	rules := testRules()
	rules.FastStartWeeks = 8
	f := newFixture(t, rules)
	activated := orderTime.Add(-7 * 24 * time.Hour)
	f.graph.Put(settlement.User{ID: "S", ReferralCode: "S"})
	f.graph.Put(settlement.User{ID: "N", ReferralCode: "N", AppliedReferralCode: "S", ActivatedAt: &activated})

	inWindow := order("o-fast", "N", "1000")
	inWindow.DeliveredAt = orderTime.Add(90 * 24 * time.Hour)
	if _, err := f.engine.SettleOrderDelivery(ctx, inWindow); err != nil {
		t.Fatalf("settle in window: %v", err)
	}
	if ok, _ := f.ledger.HasOperation(ctx, "order:o-fast:fast_start:L1"); !ok {
		t.Fatalf("expected fast start leg for an order created inside the window")
	}
	// 10% referral plus 5% fast start.
	f.expectBalance(t, ledger.UserAccount("S", ledger.AccountReferral), "150")

	late := order("o-late", "N", "1000")
	late.CreatedAt = activated.Add(8*7*24*time.Hour + time.Minute)
	if _, err := f.engine.SettleOrderDelivery(ctx, late); err != nil {
		t.Fatalf("settle late: %v", err)
	}
	if ok, _ := f.ledger.HasOperation(ctx, "order:o-late:fast_start:L1"); ok {
		t.Fatalf("fast start must not apply after the window")
	}
}

func TestSettlement_PoolFirstTriggersOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	rules := testRules()
	rules.PoolFirstRules = []ruleset.PoolFirstRule{{Threshold: dec("1500"), Payout: dec("100")}}
	f := newFixture(t, rules)
	f.graph.Put(settlement.User{ID: "P", ReferralCode: "P"})
	cash := ledger.UserAccount("P", ledger.AccountCashRUB)

	if _, err := f.engine.SettleOrderDelivery(ctx, order("o-p1", "P", "1000")); err != nil {
		t.Fatalf("settle 1: %v", err)
	}
	f.expectBalance(t, cash, "0")

	second := order("o-p2", "P", "1000")
	if _, err := f.engine.SettleOrderDelivery(ctx, second); err != nil {
		t.Fatalf("settle 2: %v", err)
	}
	f.expectBalance(t, cash, "100")
	if ok, _ := f.ledger.HasOperation(ctx, "pool:P:2026-03:1"); !ok {
		t.Fatalf("expected period scoped pool operation")
	}

	retry, err := f.engine.SettleOrderDelivery(ctx, second)
	if err != nil {
		t.Fatalf("settle 2 retry: %v", err)
	}
	for _, tx := range retry {
		if !tx.Replayed {
			t.Fatalf("retry posted %s", tx.OperationID)
		}
	}

	if _, err := f.engine.SettleOrderDelivery(ctx, order("o-p3", "P", "1000")); err != nil {
		t.Fatalf("settle 3: %v", err)
	}
	f.expectBalance(t, cash, "100")

	nextMonth := order("o-p4", "P", "2000")
	nextMonth.CreatedAt = orderTime.AddDate(0, 1, 0)
	if _, err := f.engine.SettleOrderDelivery(ctx, nextMonth); err != nil {
		t.Fatalf("settle next month: %v", err)
	}
	f.expectBalance(t, cash, "200")
}

func TestSettlement_PoolFirstPaidWhenCrossingSettlesConcurrently(t *testing.T) {
	ctx := context.Background()
	rules := testRules()
	rules.PoolFirstRules = []ruleset.PoolFirstRule{{Threshold: dec("1000"), Payout: dec("100")}}
	f := newFixture(t, rules)
	f.graph.Put(settlement.User{ID: "P", ReferralCode: "P"})
	gate := &gatedLedger{Service: f.ledger, parties: 2, release: make(chan struct{})}
	engine, err := settleapp.NewEngine(gate, f.rules, f.graph, f.graph)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	// Both orders plan against zero turnover before either commits.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"o-c1", "o-c2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := engine.SettleOrderDelivery(ctx, order(id, "P", "600")); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent settle: %v", err)
	}

	cash := ledger.UserAccount("P", ledger.AccountCashRUB)
	f.expectBalance(t, cash, "100")
	if ok, _ := f.ledger.HasOperation(ctx, "pool:P:2026-03:1"); !ok {
		t.Fatalf("expected pool payout after concurrent crossing")
	}

	if _, err := engine.SettleOrderDelivery(ctx, order("o-c3", "P", "100")); err != nil {
		t.Fatalf("settle 3: %v", err)
	}
	f.expectBalance(t, cash, "100")
}

func TestSettlement_InfinityCompression(t *testing.T) {
	cases := []struct {
		name        string
		compression bool
		wantU5      string
		wantU6      string
	}{
		{name: "compressed", compression: true, wantU5: "10", wantU6: "0"},
		{name: "uncompressed", compression: false, wantU5: "10", wantU6: "20"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rules := testRules()
			rules.Compression = tc.compression
			f := newFixture(t, rules)
			putChain(f.graph, "U6", "U5", "U4", "U3", "U2", "U1", "X")
			f.graph.SetEligibility("U4", settlement.InfinityEligibility{Eligible: false})
			f.graph.SetEligibility("U5", settlement.InfinityEligibility{Eligible: true})
			f.graph.SetEligibility("U6", settlement.InfinityEligibility{Eligible: true, Rate: dec("2")})

			if _, err := f.engine.SettleOrderDelivery(context.Background(), order("o-inf", "X", "1000")); err != nil {
				t.Fatalf("settle: %v", err)
			}
			f.expectBalance(t, ledger.UserAccount("U4", ledger.AccountReferral), "0")
			f.expectBalance(t, ledger.UserAccount("U5", ledger.AccountReferral), tc.wantU5)
			f.expectBalance(t, ledger.UserAccount("U6", ledger.AccountReferral), tc.wantU6)
		})
	}
}

func TestSettlement_OptionBonusSplitByFreedomShares(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testRules())
	f.graph.Put(settlement.User{
		ID: "P", ReferralCode: "P", OptionEnabled: true,
		FreedomShares: [4]decimal.Decimal{dec("50"), dec("30"), decimal.Zero, decimal.Zero},
	})
	f.graph.Put(settlement.User{ID: "Z", ReferralCode: "Z", AppliedReferralCode: "P"})

	if _, err := f.engine.SettleOrderDelivery(ctx, order("o-opt", "Z", "1000")); err != nil {
		t.Fatalf("settle: %v", err)
	}
	tx, err := f.ledger.GetByOperationID(ctx, "order:o-opt:option_bonus")
	if err != nil {
		t.Fatalf("option leg: %v", err)
	}
	if len(tx.Postings) != 2 || tx.Postings[0].Memo != "freedom_share_1" || tx.Postings[1].Memo != "freedom_share_2" {
		t.Fatalf("unexpected option postings: %+v", tx.Postings)
	}
	// 100 level one bonus, then 2% of 1000 split 50/30 with 20% left in the fund.
	f.expectBalance(t, ledger.UserAccount("P", ledger.AccountReferral), "116")
}

func TestSettlement_ConfigUnavailableRefusesToSettle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testRules())
	f.rules.Set(nil)
	f.graph.Put(settlement.User{ID: "buyer", ReferralCode: "BUY"})

	_, err := f.engine.SettleOrderDelivery(ctx, order("o-nocfg", "buyer", "1000"))
	if !errors.Is(err, ruleset.ErrConfigUnavailable) {
		t.Fatalf("expected config unavailable, got %v", err)
	}
	if ok, _ := f.ledger.HasOperation(ctx, "order:o-nocfg:order_accrual"); ok {
		t.Fatalf("no postings expected without configuration")
	}
}

func TestSettlement_GraphFailureLeavesNoPostings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testRules())
	putChain(f.graph, "A", "B")
	f.graph.FailWith(errors.New("users db down"))

	_, err := f.engine.SettleOrderDelivery(ctx, order("o-down", "B", "1000"))
	if !errors.Is(err, settlement.ErrLookupFailed) {
		t.Fatalf("expected lookup failure, got %v", err)
	}
	txs, err := f.ledger.ListByOrder(ctx, "o-down")
	if err != nil {
		t.Fatalf("list by order: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected no postings, got %d", len(txs))
	}

	f.graph.FailWith(nil)
	if _, err := f.engine.SettleOrderDelivery(ctx, order("o-down", "B", "1000")); err != nil {
		t.Fatalf("wholesale retry: %v", err)
	}
	f.expectBalance(t, ledger.UserAccount("A", ledger.AccountReferral), "100")
}

func TestSettlement_RejectsSubKopeckOrderAmounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testRules())
	putChain(f.graph, "A", "B")

	cases := []struct {
		name  string
		order settlement.Order
	}{
		{name: "subtotal", order: order("o-frac-1", "B", "1000.005")},
		{name: "promo discount", order: func() settlement.Order {
			o := order("o-frac-2", "B", "1000")
			o.PromoDiscount = dec("0.001")
			return o
		}()},
		{name: "referral discount", order: func() settlement.Order {
			o := order("o-frac-3", "B", "1000")
			o.ReferralDiscount = dec("10.125")
			return o
		}()},
	}
	for _, tc := range cases {
		if _, err := f.engine.SettleOrderDelivery(ctx, tc.order); !errors.Is(err, settlement.ErrInvalidOrder) {
			t.Fatalf("%s: expected invalid order, got %v", tc.name, err)
		}
		txs, err := f.ledger.ListByOrder(ctx, tc.order.ID)
		if err != nil {
			t.Fatalf("%s: list by order: %v", tc.name, err)
		}
		if len(txs) != 0 {
			t.Fatalf("%s: expected no postings, got %d", tc.name, len(txs))
		}
	}

	if _, err := f.engine.SettleOrderDelivery(ctx, order("o-exact", "B", "999.50")); err != nil {
		t.Fatalf("kopeck exact order: %v", err)
	}
}

func TestSettlement_UplineCycleTerminates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testRules())
	f.graph.Put(settlement.User{ID: "A", ReferralCode: "A", AppliedReferralCode: "B"})
	f.graph.Put(settlement.User{ID: "B", ReferralCode: "B", AppliedReferralCode: "A"})
	f.graph.Put(settlement.User{ID: "C", ReferralCode: "C", AppliedReferralCode: "A"})
	f.graph.Put(settlement.User{ID: "S", ReferralCode: "S", AppliedReferralCode: "S"})

	if _, err := f.engine.SettleOrderDelivery(ctx, order("o-cycle", "C", "1000")); err != nil {
		t.Fatalf("settle: %v", err)
	}
	f.expectBalance(t, ledger.UserAccount("A", ledger.AccountReferral), "100")
	f.expectBalance(t, ledger.UserAccount("B", ledger.AccountReferral), "50")

	plan, err := f.engine.Quote(ctx, order("o-self", "S", "1000"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if len(plan.Legs) != 1 {
		t.Fatalf("self referral must not pay bonuses, got %d legs", len(plan.Legs))
	}
	if ok, _ := f.ledger.HasOperation(ctx, "order:o-self:order_accrual"); ok {
		t.Fatalf("quote must not write")
	}
}

type fixture struct {
	store  *ledgermem.Store
	ledger *ledgerapp.Service
	graph  *graphmem.Graph
	rules  *staticRules
	engine *settleapp.Engine
}

func newFixture(t *testing.T, rules ruleset.RuleSet) *fixture {
	t.Helper()
	store := ledgermem.NewStore()
	svc, err := ledgerapp.NewService(store)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	graph := graphmem.NewGraph()
	source := &staticRules{}
	source.Set(&rules)
	engine, err := settleapp.NewEngine(svc, source, graph, graph)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &fixture{store: store, ledger: svc, graph: graph, rules: source, engine: engine}
}

func (f *fixture) balance(t *testing.T, key ledger.AccountKey) decimal.Decimal {
	t.Helper()
	account, err := f.ledger.FindAccount(context.Background(), key)
	if err != nil {
		t.Fatalf("find %s: %v", key, err)
	}
	if account == nil {
		return decimal.Zero
	}
	return account.Balance
}

func (f *fixture) expectBalance(t *testing.T, key ledger.AccountKey, want string) {
	t.Helper()
	got := f.balance(t, key)
	if !got.Equal(dec(want)) {
		t.Fatalf("%s balance: got=%s want=%s", key, got, want)
	}
}

func (f *fixture) balances(t *testing.T, users ...string) map[string]decimal.Decimal {
	t.Helper()
	result := make(map[string]decimal.Decimal)
	keys := []ledger.AccountKey{
		ledger.SystemAccount(ledger.AccountNetworkFund),
		ledger.SystemAccount(ledger.AccountCashRUB),
		ledger.SystemAccount(ledger.AccountPV),
		ledger.SystemAccount(ledger.AccountVWC),
	}
	for _, user := range users {
		for _, accountType := range []ledger.AccountType{ledger.AccountReferral, ledger.AccountPV, ledger.AccountVWC, ledger.AccountCashRUB} {
			keys = append(keys, ledger.UserAccount(user, accountType))
		}
	}
	for _, key := range keys {
		result[key.String()] = f.balance(t, key)
	}
	return result
}

// gatedLedger holds the first parties RecordBatch calls until all of them arrived.
type gatedLedger struct {
	*ledgerapp.Service
	parties int

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (g *gatedLedger) RecordBatch(ctx context.Context, entries []ledger.Entry) ([]*ledger.Transaction, error) {
	g.mu.Lock()
	g.arrived++
	n := g.arrived
	if n == g.parties {
		close(g.release)
	}
	g.mu.Unlock()
	if n <= g.parties {
		select {
		case <-g.release:
		case <-time.After(5 * time.Second):
		}
	}
	return g.Service.RecordBatch(ctx, entries)
}

type staticRules struct {
	mu sync.RWMutex
	rs *ruleset.RuleSet
}

func (s *staticRules) Set(rs *ruleset.RuleSet) {
	s.mu.Lock()
	s.rs = rs
	s.mu.Unlock()
}

func (s *staticRules) Snapshot() (*ruleset.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rs == nil {
		return nil, ruleset.ErrConfigUnavailable
	}
	return s.rs, nil
}

// testRules: referral 10/5/3, fast start 5/3/2, cashback 5, fund 50, infinity 1, option 2.
func testRules() ruleset.RuleSet {
	rs := ruleset.Defaults()
	rs.Version = 1
	rs.Timezone = "UTC"
	rs.PoolFirstRules = nil
	return rs
}

// putChain stores users top-down: each one applied the previous user's code.
func putChain(graph *graphmem.Graph, ids ...string) {
	applied := ""
	for _, id := range ids {
		graph.Put(settlement.User{ID: id, ReferralCode: id, AppliedReferralCode: applied})
		applied = id
	}
}

func order(id, userID, subtotal string) settlement.Order {
	return settlement.Order{
		ID:            id,
		UserID:        userID,
		ItemsSubtotal: dec(subtotal),
		CreatedAt:     orderTime,
		DeliveredAt:   orderTime.Add(48 * time.Hour),
	}
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}
