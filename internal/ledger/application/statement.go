package application

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	ledger "mlm-ledger/internal/ledger/domain"
)

// StatementLine is one posting seen from the statement account.
type StatementLine struct {
	Posting ledger.Posting
	Credit  bool
	Delta   decimal.Decimal
	Running decimal.Decimal
}

// AccountStatement lists the movements of one account for [From, To).
type AccountStatement struct {
	Account ledger.Account
	From    time.Time
	To      time.Time
	Opening decimal.Decimal
	Closing decimal.Decimal
	Lines   []StatementLine
}

var statementHorizon = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// Statement builds an account statement. The opening balance is derived from the
// committed balance minus every movement at or after From.
func (s *Service) Statement(ctx context.Context, accountID string, from, to time.Time) (*AccountStatement, error) {
	if !to.After(from) {
		return nil, errors.New("ledger statement: empty period")
	}
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	since, err := s.store.ListPostings(ctx, accountID, from, statementHorizon)
	if err != nil {
		return nil, err
	}

	movedSince := decimal.Zero
	for _, p := range since {
		movedSince = movedSince.Add(signedAmount(accountID, p))
	}
	stmt := &AccountStatement{
		Account: *account,
		From:    from,
		To:      to,
		Opening: account.Balance.Sub(movedSince),
	}
	running := stmt.Opening
	for _, p := range since {
		if !p.CreatedAt.Before(to) {
			break
		}
		delta := signedAmount(accountID, p)
		running = running.Add(delta)
		stmt.Lines = append(stmt.Lines, StatementLine{
			Posting: p,
			Credit:  p.CreditAccountID == accountID,
			Delta:   delta,
			Running: running,
		})
	}
	stmt.Closing = running
	return stmt, nil
}

func signedAmount(accountID string, p ledger.Posting) decimal.Decimal {
	if p.CreditAccountID == accountID {
		return p.Amount
	}
	return p.Amount.Neg()
}
