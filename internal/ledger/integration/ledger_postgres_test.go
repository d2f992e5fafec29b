package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ledger "mlm-ledger/internal/ledger/domain"
	ledgerrepo "mlm-ledger/internal/ledger/infrastructure/postgres"
	"mlm-ledger/internal/storage/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestLedgerPostgres_IdempotentAtomicCommit(t *testing.T) {
	db := openLedgerDB(t)
	defer db.Close()

	ctx := context.Background()
	store, err := ledgerrepo.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc := newLedgerService(t, store, nil)

	userID := "it-" + uuid.NewString()
	fund := mustAccount(t, svc, ledger.SystemAccount(ledger.AccountNetworkFund))
	wallet := mustAccount(t, svc, ledger.UserAccount(userID, ledger.AccountReferral))
	again := mustAccount(t, svc, ledger.UserAccount(userID, ledger.AccountReferral))
	if again.ID != wallet.ID {
		t.Fatalf("ensure account must be get-or-create: %s != %s", again.ID, wallet.ID)
	}

	opID := "it:" + userID + ":bonus"
	entry := ledger.Entry{
		OperationID: opID,
		OpType:      ledger.OpReferralBonus,
		UserID:      userID,
		OrderID:     "order-" + userID,
		Level:       1,
		Meta:        map[string]string{"source": "integration"},
		Postings: []ledger.PostingInput{{
			DebitAccountID:  fund.ID,
			CreditAccountID: wallet.ID,
			Amount:          decimal.RequireFromString("12.50"),
			Currency:        ledger.CurrencyRUB,
		}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Record(ctx, entry); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, err := svc.GetBalance(ctx, wallet.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("balance mismatch: got=%s want=12.5", balance)
	}

	stored, err := svc.GetByOperationID(ctx, opID)
	if err != nil {
		t.Fatalf("get by op: %v", err)
	}
	if stored.Meta["source"] != "integration" || len(stored.Postings) != 1 {
		t.Fatalf("unexpected stored transaction: %+v", stored)
	}

	if _, err := svc.Reverse(ctx, opID, ""); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if _, err := svc.Reverse(ctx, opID, opID+":second"); !errors.Is(err, ledger.ErrAlreadyReversed) {
		t.Fatalf("expected already reversed, got %v", err)
	}
	balance, _ = svc.GetBalance(ctx, wallet.ID)
	if !balance.IsZero() {
		t.Fatalf("expected zero after reversal, got %s", balance)
	}

	_, err = svc.RecordBatch(ctx, []ledger.Entry{
		{OperationID: opID + ":b1", OpType: ledger.OpAdjustment, Postings: []ledger.PostingInput{{
			DebitAccountID: fund.ID, CreditAccountID: wallet.ID, Amount: decimal.NewFromInt(1), Currency: ledger.CurrencyRUB,
		}}},
		{OperationID: opID + ":b2", OpType: ledger.OpAdjustment, Postings: []ledger.PostingInput{{
			DebitAccountID: fund.ID, CreditAccountID: uuid.NewString(), Amount: decimal.NewFromInt(1), Currency: ledger.CurrencyRUB,
		}}},
	})
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
	if ok, _ := svc.HasOperation(ctx, opID+":b1"); ok {
		t.Fatalf("failed batch must not leave the first entry behind")
	}
}

func openLedgerDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrations.Run(context.Background(), db, "up"); err != nil {
		_ = db.Close()
		t.Fatalf("migrate: %v", err)
	}
	return db
}
