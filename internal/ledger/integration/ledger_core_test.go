package integration_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	ledgerapp "mlm-ledger/internal/ledger/application"
	ledger "mlm-ledger/internal/ledger/domain"
	"mlm-ledger/internal/ledger/infrastructure/memory"
)

func TestLedger_RecordIsIdempotentByOperationID(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	events := &recordedEvents{}
	svc := newLedgerService(t, store, events)

	fund := mustAccount(t, svc, ledger.SystemAccount(ledger.AccountNetworkFund))
	wallet := mustAccount(t, svc, ledger.UserAccount("user-a", ledger.AccountReferral))

	entry := ledger.Entry{
		OperationID: "order:o-1:referral_bonus:L1",
		OpType:      ledger.OpReferralBonus,
		UserID:      "user-a",
		OrderID:     "o-1",
		Level:       1,
		Postings: []ledger.PostingInput{{
			DebitAccountID:  fund.ID,
			CreditAccountID: wallet.ID,
			Amount:          decimal.RequireFromString("45.00"),
			Currency:        ledger.CurrencyRUB,
		}},
	}

	first, err := svc.Record(ctx, entry)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Replayed {
		t.Fatalf("first record must not be a replay")
	}
	second, err := svc.Record(ctx, entry)
	if err != nil {
		t.Fatalf("record replay: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay on second record")
	}
	if second.ID != first.ID {
		t.Fatalf("replay id mismatch: got=%s want=%s", second.ID, first.ID)
	}

	balance, err := svc.GetBalance(ctx, wallet.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("45")) {
		t.Fatalf("balance mismatch: got=%s want=45", balance)
	}
	fundBalance, _ := svc.GetBalance(ctx, fund.ID)
	if !fundBalance.Equal(decimal.RequireFromString("-45")) {
		t.Fatalf("fund balance mismatch: got=%s want=-45", fundBalance)
	}
	if events.Count() != 1 {
		t.Fatalf("expected 1 event, got %d", events.Count())
	}
}

func TestLedger_RejectsUnbalancedAndInvalidEntries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newLedgerService(t, store, nil)

	rub := mustAccount(t, svc, ledger.SystemAccount(ledger.AccountCashRUB))
	wallet := mustAccount(t, svc, ledger.UserAccount("user-a", ledger.AccountCashRUB))
	pv := mustAccount(t, svc, ledger.UserAccount("user-a", ledger.AccountPV))

	cases := []struct {
		name  string
		entry ledger.Entry
		want  error
	}{
		{
			name: "zero amount",
			entry: ledger.Entry{OperationID: "op-zero", OpType: ledger.OpAdjustment, Postings: []ledger.PostingInput{{
				DebitAccountID: rub.ID, CreditAccountID: wallet.ID, Amount: decimal.Zero, Currency: ledger.CurrencyRUB,
			}}},
			want: ledger.ErrNonPositiveAmount,
		},
		{
			name: "sub-kopeck amount",
			entry: ledger.Entry{OperationID: "op-frac", OpType: ledger.OpAdjustment, Postings: []ledger.PostingInput{
				{DebitAccountID: rub.ID, CreditAccountID: wallet.ID, Amount: decimal.RequireFromString("0.005"), Currency: ledger.CurrencyRUB},
				{DebitAccountID: rub.ID, CreditAccountID: wallet.ID, Amount: decimal.RequireFromString("0.005"), Currency: ledger.CurrencyRUB},
			}},
			want: ledger.ErrAmountPrecision,
		},
		{
			name: "below one kopeck",
			entry: ledger.Entry{OperationID: "op-tiny", OpType: ledger.OpAdjustment, Postings: []ledger.PostingInput{{
				DebitAccountID: rub.ID, CreditAccountID: wallet.ID, Amount: decimal.RequireFromString("0.004"), Currency: ledger.CurrencyRUB,
			}}},
			want: ledger.ErrAmountPrecision,
		},
		{
			name: "currency crossing",
			entry: ledger.Entry{OperationID: "op-cross", OpType: ledger.OpAdjustment, Postings: []ledger.PostingInput{{
				DebitAccountID: rub.ID, CreditAccountID: pv.ID, Amount: decimal.NewFromInt(10), Currency: ledger.CurrencyRUB,
			}}},
			want: ledger.ErrUnbalancedTransaction,
		},
		{
			name: "unknown account",
			entry: ledger.Entry{OperationID: "op-unknown", OpType: ledger.OpAdjustment, Postings: []ledger.PostingInput{{
				DebitAccountID: rub.ID, CreditAccountID: "missing", Amount: decimal.NewFromInt(10), Currency: ledger.CurrencyRUB,
			}}},
			want: ledger.ErrUnknownAccount,
		},
		{
			name:  "empty operation id",
			entry: ledger.Entry{OpType: ledger.OpAdjustment},
			want:  ledger.ErrEmptyOperationID,
		},
	}
	for _, tc := range cases {
		if _, err := svc.Record(ctx, tc.entry); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	balance, _ := svc.GetBalance(ctx, wallet.ID)
	if !balance.IsZero() {
		t.Fatalf("rejected entries must not move balances, got %s", balance)
	}

	trailing, err := svc.Record(ctx, ledger.Entry{OperationID: "op-trailing", OpType: ledger.OpAdjustment, Postings: []ledger.PostingInput{{
		DebitAccountID: rub.ID, CreditAccountID: wallet.ID, Amount: decimal.RequireFromString("1.500"), Currency: ledger.CurrencyRUB,
	}}})
	if err != nil {
		t.Fatalf("trailing zeros are kopeck exact: %v", err)
	}
	if trailing.Replayed {
		t.Fatalf("expected a new transaction")
	}
}

func TestLedger_RecordBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newLedgerService(t, store, nil)

	fund := mustAccount(t, svc, ledger.SystemAccount(ledger.AccountNetworkFund))
	a := mustAccount(t, svc, ledger.UserAccount("user-a", ledger.AccountReferral))

	_, err := svc.RecordBatch(ctx, []ledger.Entry{
		{OperationID: "batch-1", OpType: ledger.OpReferralBonus, Level: 1, Postings: []ledger.PostingInput{{
			DebitAccountID: fund.ID, CreditAccountID: a.ID, Amount: decimal.NewFromInt(10), Currency: ledger.CurrencyRUB,
		}}},
		{OperationID: "batch-2", OpType: ledger.OpReferralBonus, Level: 2, Postings: []ledger.PostingInput{{
			DebitAccountID: fund.ID, CreditAccountID: "missing", Amount: decimal.NewFromInt(5), Currency: ledger.CurrencyRUB,
		}}},
	})
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
	ok, err := svc.HasOperation(ctx, "batch-1")
	if err != nil {
		t.Fatalf("has operation: %v", err)
	}
	if ok {
		t.Fatalf("first entry of a failed batch must not be stored")
	}
	balance, _ := svc.GetBalance(ctx, a.ID)
	if !balance.IsZero() {
		t.Fatalf("expected zero balance after failed batch, got %s", balance)
	}
}

func TestLedger_ReverseRestoresBalancesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newLedgerService(t, store, nil)

	system := ledger.SystemAccount(ledger.AccountVWC)
	user := ledger.UserAccount("user-a", ledger.AccountVWC)
	original, err := svc.Transfer(ctx, "airdrop:user-a:1", ledger.OpAirdrop, system, user, decimal.NewFromInt(100), nil)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	reversal, err := svc.Reverse(ctx, original.OperationID, "")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversal.ReversalOf != original.OperationID {
		t.Fatalf("reversal_of mismatch: got=%s", reversal.ReversalOf)
	}
	if reversal.OperationID != ledger.ReversalOperationID(original.OperationID) {
		t.Fatalf("unexpected reversal op id %s", reversal.OperationID)
	}

	replay, err := svc.Reverse(ctx, original.OperationID, "")
	if err != nil {
		t.Fatalf("reverse replay: %v", err)
	}
	if !replay.Replayed || replay.ID != reversal.ID {
		t.Fatalf("expected replay of the stored reversal")
	}

	_, err = svc.Reverse(ctx, original.OperationID, "another-reversal")
	if !errors.Is(err, ledger.ErrAlreadyReversed) {
		t.Fatalf("expected already reversed, got %v", err)
	}
	_, err = svc.Reverse(ctx, "missing-op", "")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	account, err := svc.FindAccount(ctx, user)
	if err != nil || account == nil {
		t.Fatalf("find account: %v", err)
	}
	if !account.Balance.IsZero() {
		t.Fatalf("expected zero balance after reversal, got %s", account.Balance)
	}
	reversed, err := svc.IsReversed(ctx, original.OperationID)
	if err != nil || !reversed {
		t.Fatalf("expected original to be reversed: %v", err)
	}
}

func TestLedger_ConcurrentDuplicatesPostOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newLedgerService(t, store, nil)

	from := ledger.SystemAccount(ledger.AccountCashRUB)
	to := ledger.UserAccount("user-a", ledger.AccountCashRUB)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Transfer(ctx, "same-op", ledger.OpAdjustment, from, to, decimal.NewFromInt(7), nil); err != nil {
				t.Errorf("transfer: %v", err)
			}
		}()
	}
	wg.Wait()

	account, _ := svc.FindAccount(ctx, to)
	if account == nil || !account.Balance.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected single posting of 7, got %+v", account)
	}
}

func TestLedger_PeriodTurnoverSkipsReversedAccruals(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newLedgerService(t, store, nil)

	from := ledger.SystemAccount(ledger.AccountPV)
	to := ledger.UserAccount("buyer", ledger.AccountPV)
	meta := func(base string) map[string]string {
		return map[string]string{ledger.MetaOrderBase: base, ledger.MetaPeriod: "2026-01"}
	}
	if _, err := svc.Transfer(ctx, "order:o-1:order_accrual", ledger.OpOrderAccrual, from, to, decimal.NewFromInt(10), meta("1000")); err != nil {
		t.Fatalf("accrual 1: %v", err)
	}
	if _, err := svc.Transfer(ctx, "order:o-2:order_accrual", ledger.OpOrderAccrual, from, to, decimal.NewFromInt(5), meta("500")); err != nil {
		t.Fatalf("accrual 2: %v", err)
	}
	if _, err := svc.Reverse(ctx, "order:o-2:order_accrual", ""); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	turnover, err := svc.PeriodTurnover(ctx, "buyer", "2026-01")
	if err != nil {
		t.Fatalf("turnover: %v", err)
	}
	if !turnover.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("turnover mismatch: got=%s want=1000", turnover)
	}
}

func newLedgerService(t *testing.T, store ledger.Store, publisher ledgerapp.EventPublisher) *ledgerapp.Service {
	t.Helper()
	opts := []ledgerapp.Option{}
	if publisher != nil {
		opts = append(opts, ledgerapp.WithPublisher(publisher))
	}
	svc, err := ledgerapp.NewService(store, opts...)
	if err != nil {
		t.Fatalf("new ledger service: %v", err)
	}
	return svc
}

func mustAccount(t *testing.T, svc *ledgerapp.Service, key ledger.AccountKey) ledger.Account {
	t.Helper()
	account, err := svc.EnsureAccount(context.Background(), key)
	if err != nil {
		t.Fatalf("ensure account %s: %v", key, err)
	}
	return account
}

type recordedEvents struct {
	mu     sync.Mutex
	events []ledgerapp.TransactionRecorded
}

func (r *recordedEvents) Dispatch(ctx context.Context, event ledgerapp.TransactionRecorded) int {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return 0
}

func (r *recordedEvents) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
