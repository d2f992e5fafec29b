package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OpType is the business reason of a transaction.
type OpType string

const (
	OpOrderAccrual      OpType = "order_accrual"
	OpRefund            OpType = "refund"
	OpReferralBonus     OpType = "referral_bonus"
	OpFastStart         OpType = "fast_start"
	OpInfinity          OpType = "infinity"
	OpOptionBonus       OpType = "option_bonus"
	OpActivationBonus   OpType = "activation_bonus"
	OpFirstPool         OpType = "first_pool"
	OpAirdrop           OpType = "airdrop"
	OpAchievement       OpType = "achievement"
	OpAdjustment        OpType = "adjustment"
	OpWithdrawalRequest OpType = "withdrawal_request"
	OpWithdrawalPayout  OpType = "withdrawal_payout"
)

// IsValid reports whether the op type is supported.
func (o OpType) IsValid() bool {
	switch o {
	case OpOrderAccrual, OpRefund, OpReferralBonus, OpFastStart, OpInfinity, OpOptionBonus,
		OpActivationBonus, OpFirstPool, OpAirdrop, OpAchievement, OpAdjustment,
		OpWithdrawalRequest, OpWithdrawalPayout:
		return true
	}
	return false
}

// MaxLevel is the deepest referral level a transaction can be tagged with.
const MaxLevel = 15

// Posting moves Amount from the debit account to the credit account.
type Posting struct {
	ID              string
	TransactionID   string
	DebitAccountID  string
	CreditAccountID string
	Amount          decimal.Decimal
	Currency        Currency
	Memo            string
	CreatedAt       time.Time
}

// Transaction is an immutable, balanced group of postings keyed by OperationID.
type Transaction struct {
	ID          string
	OperationID string
	OpType      OpType
	ExternalRef string
	UserID      string
	OrderID     string
	Level       int
	ReversalOf  string
	Meta        map[string]string
	CreatedAt   time.Time
	Postings    []Posting

	// Replayed is set when the transaction was already stored under the same
	// operation id and the call returned the stored copy. Not persisted.
	Replayed bool
}

// PostingInput is the caller side of a posting.
type PostingInput struct {
	DebitAccountID  string
	CreditAccountID string
	Amount          decimal.Decimal
	Currency        Currency
	Memo            string
}

// Entry is a request to record one transaction.
type Entry struct {
	OperationID string
	OpType      OpType
	ExternalRef string
	UserID      string
	OrderID     string
	Level       int
	ReversalOf  string
	Meta        map[string]string
	Postings    []PostingInput
}

// AmountScale is the number of decimals every stored amount and balance keeps.
const AmountScale = 2

// HasAmountScale reports whether amount is exact at AmountScale decimals, so the
// store never rounds it.
func HasAmountScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(AmountScale))
}

// Validate checks the shape of the entry without resolving accounts.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.OperationID) == "" {
		return ErrEmptyOperationID
	}
	if !e.OpType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidOpType, e.OpType)
	}
	if e.Level < 0 || e.Level > MaxLevel {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, e.Level)
	}
	if len(e.Postings) == 0 {
		return ErrNoPostings
	}
	for i, p := range e.Postings {
		if !p.Amount.IsPositive() {
			return fmt.Errorf("%w: posting %d amount %s", ErrNonPositiveAmount, i, p.Amount.String())
		}
		if !HasAmountScale(p.Amount) {
			return fmt.Errorf("%w: posting %d amount %s", ErrAmountPrecision, i, p.Amount.String())
		}
		if p.DebitAccountID == "" || p.CreditAccountID == "" {
			return fmt.Errorf("%w: posting %d has empty account id", ErrUnknownAccount, i)
		}
		if p.DebitAccountID == p.CreditAccountID {
			return fmt.Errorf("%w: posting %d", ErrSameAccount, i)
		}
		if !p.Currency.IsValid() {
			return fmt.Errorf("%w: posting %d currency %q", ErrCurrencyMismatch, i, p.Currency)
		}
	}
	return nil
}

// CheckBalanced verifies, per currency, that debits equal credits. Debits are counted in
// the debit account's currency and credits in the credit account's currency, so a posting
// that crosses currencies leaves the transaction unbalanced.
func CheckBalanced(postings []PostingInput, accounts map[string]Account) error {
	debits := make(map[Currency]decimal.Decimal)
	credits := make(map[Currency]decimal.Decimal)
	for i, p := range postings {
		debit, ok := accounts[p.DebitAccountID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, p.DebitAccountID)
		}
		credit, ok := accounts[p.CreditAccountID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, p.CreditAccountID)
		}
		if debit.Currency != p.Currency || credit.Currency != p.Currency {
			return fmt.Errorf("%w: %w: posting %d is %s but accounts are %s/%s",
				ErrUnbalancedTransaction, ErrCurrencyMismatch, i, p.Currency, debit.Currency, credit.Currency)
		}
		debits[debit.Currency] = debits[debit.Currency].Add(p.Amount)
		credits[credit.Currency] = credits[credit.Currency].Add(p.Amount)
	}
	for currency, total := range debits {
		if !total.Equal(credits[currency]) {
			return fmt.Errorf("%w: %s debits %s credits %s", ErrUnbalancedTransaction, currency, total, credits[currency])
		}
	}
	for currency, total := range credits {
		if _, ok := debits[currency]; !ok && !total.IsZero() {
			return fmt.Errorf("%w: %s credits %s without debits", ErrUnbalancedTransaction, currency, total)
		}
	}
	return nil
}

// BalanceDeltas returns the signed balance change per account for a set of postings.
// A debit decreases the account and a credit increases it.
func BalanceDeltas(postings []PostingInput) map[string]decimal.Decimal {
	deltas := make(map[string]decimal.Decimal, len(postings)*2)
	for _, p := range postings {
		deltas[p.DebitAccountID] = deltas[p.DebitAccountID].Sub(p.Amount)
		deltas[p.CreditAccountID] = deltas[p.CreditAccountID].Add(p.Amount)
	}
	return deltas
}

// ReversalOperationID is the default operation id of a reversal.
func ReversalOperationID(originalOperationID string) string {
	return originalOperationID + ":reversal"
}

// BuildReversal returns the entry that undoes original: every posting swapped, amounts kept.
func BuildReversal(original *Transaction, newOperationID string) Entry {
	opType := original.OpType
	if opType == OpOrderAccrual {
		opType = OpRefund
	}
	postings := make([]PostingInput, 0, len(original.Postings))
	for _, p := range original.Postings {
		postings = append(postings, PostingInput{
			DebitAccountID:  p.CreditAccountID,
			CreditAccountID: p.DebitAccountID,
			Amount:          p.Amount,
			Currency:        p.Currency,
			Memo:            p.Memo,
		})
	}
	meta := make(map[string]string, len(original.Meta)+1)
	for k, v := range original.Meta {
		meta[k] = v
	}
	meta["reversed_op_type"] = string(original.OpType)
	return Entry{
		OperationID: newOperationID,
		OpType:      opType,
		ExternalRef: original.ExternalRef,
		UserID:      original.UserID,
		OrderID:     original.OrderID,
		Level:       original.Level,
		ReversalOf:  original.OperationID,
		Meta:        meta,
		Postings:    postings,
	}
}

// ReplayErr returns ErrDuplicateOperation for a replayed transaction and nil otherwise.
func (t *Transaction) ReplayErr() error {
	if t != nil && t.Replayed {
		return ErrDuplicateOperation
	}
	return nil
}
