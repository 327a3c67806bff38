package credits

const (
	operationBalance = "balance"
	operationGrant   = "grant"
	operationConsume = "consume"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultScopeKey = "default"

	// LedgerRetentionCap bounds the stored ledger list per account. Trimming
	// past the cap never touches the balance counter.
	LedgerRetentionCap = 1000
)
