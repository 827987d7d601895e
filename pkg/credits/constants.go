package credits

// FreeDailyQuota is the number of free transformations per UTC day, granted
// independently of the two credit balances.
const FreeDailyQuota = 2

const (
	operationGetBalance = "get_balance"
	operationEnsure     = "ensure"
	operationSpendOne   = "spend_one"
	operationIncrement  = "increment_credits"
	operationHistory    = "purchase_history"
	operationReceipt    = "purchase_receipt"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
