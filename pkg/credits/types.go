package credits

import (
	"context"
	"fmt"
	"strings"
)

// AccountID identifies the isolation scope a balance and ledger belong to:
// a wallet address, or the shared device-local bucket for users who never
// connected a wallet.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// DefaultAccount returns the device-local fallback scope.
func DefaultAccount() AccountID {
	return AccountID{value: defaultScopeKey}
}

// IsDefault reports whether the id is the device-local fallback scope.
func (id AccountID) IsDefault() bool {
	return id.value == defaultScopeKey
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// OperationID identifies the operation that triggered a consumption, e.g. a
// reading identifier.
type OperationID struct {
	value string
}

// NewOperationID validates and normalizes an operation id.
func NewOperationID(raw string) (OperationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OperationID{}, fmt.Errorf("%w: empty value", ErrInvalidOperationID)
	}
	return OperationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OperationID) String() string {
	return id.value
}

// PositiveAmount is a strictly positive credit amount.
type PositiveAmount struct {
	value int64
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: raw}, nil
}

// Int64 returns the raw amount.
func (amount PositiveAmount) Int64() int64 {
	return amount.value
}

// Amount is a signed credit balance, or the unbounded sentinel for
// allow-listed accounts.
type Amount struct {
	value     int64
	unbounded bool
}

// NewAmount wraps a signed balance value.
func NewAmount(raw int64) Amount {
	return Amount{value: raw}
}

// UnboundedAmount returns the sentinel for allow-listed accounts.
func UnboundedAmount() Amount {
	return Amount{unbounded: true}
}

// IsUnbounded reports whether the amount is the unbounded sentinel.
func (amount Amount) IsUnbounded() bool {
	return amount.unbounded
}

// Int64 returns the raw balance; it is meaningless for unbounded amounts.
func (amount Amount) Int64() int64 {
	return amount.value
}

// String renders the balance for logs and user display.
func (amount Amount) String() string {
	if amount.unbounded {
		return "unbounded"
	}
	return fmt.Sprintf("%d", amount.value)
}

// EntrySource enumerates where a balance change came from.
type EntrySource string

const (
	SourceStorePurchase EntrySource = "store-purchase"
	SourceChainPayment  EntrySource = "chain-payment"
	SourceConsumption   EntrySource = "consumption"
)

// ParseEntrySource validates a stored source value.
func ParseEntrySource(raw string) (EntrySource, error) {
	switch EntrySource(raw) {
	case SourceStorePurchase, SourceChainPayment, SourceConsumption:
		return EntrySource(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntrySource, raw)
}

// String returns the stored representation.
func (source EntrySource) String() string {
	return string(source)
}

// Entry is a single immutable line in the ledger. Reference carries an
// external id (purchase token or transaction signature); Note carries free
// text such as the consuming operation's identifier.
type Entry struct {
	EntryID        string
	AccountKey     string
	Source         EntrySource
	Delta          int64
	Reference      string
	Note           string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. Balance and ledger are
// written together inside WithTx so the counter never drifts from the entry
// deltas; TrimEntries drops the oldest rows past the retention cap without
// touching the counter.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, accountKey string) (int64, error)
	SetBalance(ctx context.Context, accountKey string, balance int64) error
	AppendEntry(ctx context.Context, entry Entry) error
	TrimEntries(ctx context.Context, accountKey string, keep int) error
	ListEntries(ctx context.Context, accountKey string, limit int) ([]Entry, error)
}

// ScopeStore persists the last known account so account-specific data
// survives a process restart.
type ScopeStore interface {
	LastKnownAccount(ctx context.Context) (string, error)
	SetLastKnownAccount(ctx context.Context, accountID string) error
}
