package credits

import (
	"context"
	"fmt"
	"sync"
)

// ScopeOption configures a Scope instance.
type ScopeOption func(*Scope)

// WithUnboundedAccounts injects the allow-list of accounts treated as having
// infinite balance. The list arrives as configuration so test identities are
// never compiled into the binary.
func WithUnboundedAccounts(accountIDs []string) ScopeOption {
	return func(scope *Scope) {
		for _, accountID := range accountIDs {
			scope.unbounded[accountID] = struct{}{}
		}
	}
}

// Scope resolves which account's ledger and balance an operation targets.
// Resolution order: an explicit account, else the connected wallet, else the
// persisted last known wallet, else the device-local default bucket. Scopes
// never merge; disconnecting leaves every balance where it was.
type Scope struct {
	mu        sync.Mutex
	store     ScopeStore
	current   string
	lastKnown string
	unbounded map[string]struct{}
}

// NewScope wires a Scope over the persistence used for the last known account.
func NewScope(store ScopeStore, options ...ScopeOption) (*Scope, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: scope store dependency is nil", ErrInvalidServiceConfig)
	}
	scope := &Scope{store: store, unbounded: make(map[string]struct{})}
	for _, option := range options {
		if option != nil {
			option(scope)
		}
	}
	return scope, nil
}

// Restore loads the persisted last known account. Call once at process start.
func (scope *Scope) Restore(ctx context.Context) error {
	lastKnown, err := scope.store.LastKnownAccount(ctx)
	if err != nil {
		return err
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.lastKnown = lastKnown
	return nil
}

// SetCurrentAccount records the connected wallet and persists it as the last
// known account.
func (scope *Scope) SetCurrentAccount(ctx context.Context, account AccountID) error {
	if err := scope.store.SetLastKnownAccount(ctx, account.String()); err != nil {
		return err
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.current = account.String()
	scope.lastKnown = account.String()
	return nil
}

// CurrentAccount returns the connected wallet, if any.
func (scope *Scope) CurrentAccount() (AccountID, bool) {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	if scope.current == "" {
		return AccountID{}, false
	}
	return AccountID{value: scope.current}, true
}

// ClearCurrentAccount forgets the connected wallet and the persisted last
// known account. Subsequent operations resolve to the default bucket; the
// cleared account's balance stays in storage, untouched and unreachable
// until that wallet connects again.
func (scope *Scope) ClearCurrentAccount(ctx context.Context) error {
	if err := scope.store.SetLastKnownAccount(ctx, ""); err != nil {
		return err
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.current = ""
	scope.lastKnown = ""
	return nil
}

// Resolve picks the account an operation targets. Pass nil for no explicit
// account.
func (scope *Scope) Resolve(explicit *AccountID) AccountID {
	if explicit != nil {
		return *explicit
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	if scope.current != "" {
		return AccountID{value: scope.current}
	}
	if scope.lastKnown != "" {
		return AccountID{value: scope.lastKnown}
	}
	return DefaultAccount()
}

// Scope is the intended UnboundedChecker for Service: pass it through
// WithUnboundedChecker so resolution and allow-list membership share one
// configured source.
var _ UnboundedChecker = (*Scope)(nil)

// IsUnbounded reports allow-list membership.
func (scope *Scope) IsUnbounded(account AccountID) bool {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	_, member := scope.unbounded[account.String()]
	return member
}
