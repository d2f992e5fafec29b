package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// OwnerType identifies who owns an account.
type OwnerType string

const (
	OwnerUser   OwnerType = "user"
	OwnerSystem OwnerType = "system"
)

// AccountType is the purpose of an account.
type AccountType string

const (
	AccountCashRUB        AccountType = "cash_rub"
	AccountPV             AccountType = "pv"
	AccountVWC            AccountType = "vwc"
	AccountReferral       AccountType = "referral"
	AccountReserveSpecial AccountType = "reserve_special"
	AccountNetworkFund    AccountType = "network_fund"
)

// Currency is the unit an account is denominated in.
type Currency string

const (
	CurrencyRUB Currency = "RUB"
	CurrencyPV  Currency = "PV"
	CurrencyVWC Currency = "VWC"
)

var accountCurrencies = map[AccountType]Currency{
	AccountCashRUB:        CurrencyRUB,
	AccountReferral:       CurrencyRUB,
	AccountReserveSpecial: CurrencyRUB,
	AccountNetworkFund:    CurrencyRUB,
	AccountPV:             CurrencyPV,
	AccountVWC:            CurrencyVWC,
}

// CurrencyOf returns the fixed currency of an account type.
func CurrencyOf(accountType AccountType) (Currency, bool) {
	currency, ok := accountCurrencies[accountType]
	return currency, ok
}

// IsValid reports whether the currency is supported.
func (c Currency) IsValid() bool {
	switch c {
	case CurrencyRUB, CurrencyPV, CurrencyVWC:
		return true
	}
	return false
}

// Account is a ledger account. Balance is a projection of the posting log.
type Account struct {
	ID        string
	OwnerType OwnerType
	OwnerID   string
	Type      AccountType
	Currency  Currency
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// Key returns the identity tuple of the account.
func (a Account) Key() AccountKey {
	return AccountKey{OwnerType: a.OwnerType, OwnerID: a.OwnerID, Type: a.Type}
}

// AccountKey identifies an account by owner and type. The currency is derived from the type.
type AccountKey struct {
	OwnerType OwnerType
	OwnerID   string
	Type      AccountType
}

// UserAccount builds a key for a user-owned account.
func UserAccount(userID string, accountType AccountType) AccountKey {
	return AccountKey{OwnerType: OwnerUser, OwnerID: userID, Type: accountType}
}

// SystemAccount builds a key for a system account.
func SystemAccount(accountType AccountType) AccountKey {
	return AccountKey{OwnerType: OwnerSystem, Type: accountType}
}

// Currency returns the currency implied by the account type.
func (k AccountKey) Currency() Currency {
	currency, _ := CurrencyOf(k.Type)
	return currency
}

// Validate checks the owner rule: owner id is empty iff the owner is the system.
func (k AccountKey) Validate() error {
	if _, ok := CurrencyOf(k.Type); !ok {
		return ErrInvalidAccountType
	}
	switch k.OwnerType {
	case OwnerSystem:
		if k.OwnerID != "" {
			return ErrInvalidOwner
		}
	case OwnerUser:
		if k.OwnerID == "" {
			return ErrInvalidOwner
		}
	default:
		return ErrInvalidOwner
	}
	return nil
}

// String renders the key for logs.
func (k AccountKey) String() string {
	if k.OwnerType == OwnerSystem {
		return "system/" + string(k.Type)
	}
	return "user:" + k.OwnerID + "/" + string(k.Type)
}
