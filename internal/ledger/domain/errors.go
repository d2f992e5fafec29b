package ledger

import "errors"

var (
	// ErrDuplicateOperation is returned by stores when the operation id already exists.
	// The service turns it into a replay of the stored transaction.
	ErrDuplicateOperation = errors.New("ledger: duplicate operation")
	// ErrUnbalancedTransaction is returned when debits and credits differ for a currency.
	ErrUnbalancedTransaction = errors.New("ledger: unbalanced transaction")
	// ErrCurrencyMismatch is returned when a posting currency differs from its accounts.
	ErrCurrencyMismatch = errors.New("ledger: posting currency does not match account")
	// ErrUnknownAccount is returned when an account id does not resolve.
	ErrUnknownAccount = errors.New("ledger: unknown account")
	// ErrNonPositiveAmount is returned when a posting amount is zero or negative.
	ErrNonPositiveAmount = errors.New("ledger: non-positive amount")
	// ErrAmountPrecision is returned when an amount carries more than AmountScale decimals.
	ErrAmountPrecision = errors.New("ledger: amount exceeds kopeck precision")
	// ErrNotFound is returned when a transaction or account cannot be found.
	ErrNotFound = errors.New("ledger: not found")
	// ErrAlreadyReversed is returned when a transaction already has a reversal.
	ErrAlreadyReversed = errors.New("ledger: already reversed")
	// ErrEmptyOperationID is returned when no idempotency key is supplied.
	ErrEmptyOperationID = errors.New("ledger: empty operation id")
	// ErrInvalidOpType is returned for unsupported operation types.
	ErrInvalidOpType = errors.New("ledger: invalid operation type")
	// ErrNoPostings is returned when a transaction carries no postings.
	ErrNoPostings = errors.New("ledger: no postings")
	// ErrSameAccount is returned when a posting debits and credits the same account.
	ErrSameAccount = errors.New("ledger: debit and credit account are the same")
	// ErrInvalidLevel is returned when the level is outside 1..15.
	ErrInvalidLevel = errors.New("ledger: level out of range")
	// ErrInvalidAccountType is returned for unsupported account types.
	ErrInvalidAccountType = errors.New("ledger: invalid account type")
	// ErrInvalidOwner is returned when owner type and owner id disagree.
	ErrInvalidOwner = errors.New("ledger: invalid account owner")
)

// IsProgrammingError reports whether err is one of the errors that indicate a
// broken caller or configuration rather than a transient failure.
func IsProgrammingError(err error) bool {
	return errors.Is(err, ErrUnbalancedTransaction) ||
		errors.Is(err, ErrUnknownAccount) ||
		errors.Is(err, ErrNonPositiveAmount) ||
		errors.Is(err, ErrAmountPrecision)
}
