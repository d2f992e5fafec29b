package settlement

import (
	"fmt"

	ledger "mlm-ledger/internal/ledger/domain"
)

// AccrualOperationID is the operation id of an order's PV/cashback/network fund transaction.
func AccrualOperationID(orderID string) string {
	return fmt.Sprintf("order:%s:%s", orderID, ledger.OpOrderAccrual)
}

// LevelOperationID is the operation id of a per-level bonus leg.
func LevelOperationID(orderID string, opType ledger.OpType, level int) string {
	return fmt.Sprintf("order:%s:%s:L%d", orderID, opType, level)
}

// OptionOperationID is the operation id of an order's option bonus.
func OptionOperationID(orderID string) string {
	return fmt.Sprintf("order:%s:%s", orderID, ledger.OpOptionBonus)
}

// PoolOperationID is the period-scoped operation id of a pool-first award. Its
// existence marks the threshold consumed for the period.
func PoolOperationID(userID, period string, index int) string {
	return fmt.Sprintf("pool:%s:%s:%d", userID, period, index)
}
